package service

import (
	"errors"
	"fmt"

	"filerelay/internal/pkg/tg"
	"filerelay/internal/repository"

	"github.com/rs/zerolog/log"
)

var (
	// ErrFileNotFound covers both a missing metadata row and content that
	// stays unresolvable after one repair attempt.
	ErrFileNotFound = errors.New("file not found")
	// ErrPathUnavailable means the platform could not supply a download path.
	ErrPathUnavailable = errors.New("download path unavailable")
)

// PathResolver turns a lookup key into a concrete, time-limited download URL,
// using the metadata store as a path cache and Telegram as the source of
// truth on a miss or forced refresh.
type PathResolver interface {
	Resolve(key string, forceRefresh bool) (downloadURL, uniqueID string, err error)
}

type pathResolver struct {
	repo     repository.FileRepository
	platform tg.Platform
	apiBase  string
	token    string
}

func NewPathResolver(repo repository.FileRepository, platform tg.Platform, apiBase, token string) PathResolver {
	return &pathResolver{
		repo:     repo,
		platform: platform,
		apiBase:  apiBase,
		token:    token,
	}
}

func (r *pathResolver) Resolve(key string, forceRefresh bool) (string, string, error) {
	f, err := r.repo.Lookup(key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", "", fmt.Errorf("%w: %s", ErrFileNotFound, key)
		}
		return "", "", err
	}

	filePath := f.ResolvedPath

	if filePath == "" || forceRefresh {
		fresh, err := r.platform.ResolveFilePath(f.AliasID)
		if err != nil || fresh == "" {
			// Transport errors from the platform client can embed the full
			// request URL, token included, so their text stays out of the
			// surfaced error.
			log.Warn().Str("unique_id", f.UniqueID).Bool("forced", forceRefresh).Msg("platform could not supply a path")
			return "", "", fmt.Errorf("%w: %s", ErrPathUnavailable, key)
		}

		if err := r.repo.SaveResolvedPath(f.UniqueID, fresh); err != nil {
			return "", "", err
		}
		filePath = fresh
	}

	log.Debug().Str("unique_id", f.UniqueID).Str("path", filePath).Bool("forced", forceRefresh).Msg("resolved download path")

	// https://core.telegram.org/bots/api#getfile
	return fmt.Sprintf("%s/file/bot%s/%s", r.apiBase, r.token, filePath), f.UniqueID, nil
}
