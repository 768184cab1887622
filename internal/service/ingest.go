package service

import (
	"fmt"
	"strings"

	"filerelay/internal/model"
	"filerelay/internal/pkg/tg"
	"filerelay/internal/repository"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

type ingestService struct {
	repo     repository.FileRepository
	platform tg.Platform
}

func NewIngestService(repo repository.FileRepository, platform tg.Platform) IngestService {
	return &ingestService{repo: repo, platform: platform}
}

// HandleUpdate extracts attachments from an inbound update, stores their
// metadata and replies with the public URLs. An update with no attachments is
// a no-op.
func (s *ingestService) HandleUpdate(host string, upd tgbotapi.Update) error {
	msg := messageOf(upd)
	if msg == nil {
		return fmt.Errorf("unsupported update type")
	}

	files := extractFiles(msg)
	if len(files) == 0 {
		return nil
	}

	// Resolve every path before the first persist so the first retrieval
	// never pays the platform round trip.
	for i := range files {
		p, err := s.platform.ResolveFilePath(files[i].AliasID)
		if err != nil {
			return fmt.Errorf("failed to resolve path for %s: %w", files[i].UniqueID, err)
		}
		files[i].ResolvedPath = p
	}

	var reply string
	if err := s.repo.Upsert(files); err != nil {
		// Reported into the chat instead of failing the webhook ack.
		log.Error().Err(err).Msg("failed to save files")
		reply = fmt.Sprintf("Error: %v", err)
	} else {
		var sb strings.Builder
		for _, f := range files {
			ext := f.Ext()
			fmt.Fprintf(&sb, "https://%s/f/%s%s\nhttps://%s/f/%s%s\n",
				host, f.AliasID, ext, host, f.UniqueID, ext)
		}
		reply = sb.String()
	}

	return s.platform.SendReply(msg.Chat.ID, msg.MessageID, tg.Escape(reply))
}

// messageOf collapses the update variants that carry the same message shape
// into one extraction path.
func messageOf(upd tgbotapi.Update) *tgbotapi.Message {
	switch {
	case upd.Message != nil:
		return upd.Message
	case upd.EditedMessage != nil:
		return upd.EditedMessage
	case upd.ChannelPost != nil:
		return upd.ChannelPost
	default:
		return nil
	}
}

func extractFiles(msg *tgbotapi.Message) []model.File {
	var userID int64
	if msg.From != nil {
		userID = msg.From.ID
	}

	var files []model.File

	if doc := msg.Document; doc != nil {
		f := model.File{
			UniqueID:  doc.FileUniqueID,
			AliasID:   doc.FileID,
			MessageID: msg.MessageID,
			UserID:    userID,
			Name:      doc.FileName,
			SizeBytes: int64(doc.FileSize),
			MimeType:  doc.MimeType,
		}
		if t := doc.Thumbnail; t != nil {
			f.ThumbnailID = t.FileID
			f.ThumbnailUniqueID = t.FileUniqueID
		}
		files = append(files, f)
	}

	if len(msg.Photo) > 0 {
		// Telegram orders photo sizes ascending; keep only the largest.
		ph := msg.Photo[len(msg.Photo)-1]
		files = append(files, model.File{
			UniqueID:  ph.FileUniqueID,
			AliasID:   ph.FileID,
			MessageID: msg.MessageID,
			UserID:    userID,
			SizeBytes: int64(ph.FileSize),
		})
	}

	if v := msg.Video; v != nil {
		f := model.File{
			UniqueID:  v.FileUniqueID,
			AliasID:   v.FileID,
			MessageID: msg.MessageID,
			UserID:    userID,
			Name:      v.FileName,
			SizeBytes: int64(v.FileSize),
			MimeType:  v.MimeType,
		}
		if t := v.Thumbnail; t != nil {
			f.ThumbnailID = t.FileID
			f.ThumbnailUniqueID = t.FileUniqueID
		}
		files = append(files, f)
	}

	return files
}
