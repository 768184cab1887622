package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"filerelay/internal/pkg/tasks"
	"filerelay/internal/repository"

	"github.com/rs/zerolog/log"
)

var errUpstreamGone = errors.New("upstream content gone")

// ServeResult is a consumable byte stream plus the metadata needed to write
// the response.
type ServeResult struct {
	Body        io.ReadCloser
	ContentType string
	// Source names the tier that produced the stream: "edge", "blob" or
	// "upstream".
	Source string
}

// Pipeline serves content by tier: ephemeral edge cache, durable blob store,
// then an upstream fetch that simultaneously streams to the caller and, in
// the background, back into both cache tiers.
type Pipeline struct {
	repo     repository.FileRepository
	resolver PathResolver
	blobs    BlobStore
	edge     EdgeCache
	client   *http.Client
	tasks    *tasks.Group

	// maxCacheBytes caps the edge tier entry size; larger bodies still
	// stream to the caller and persist to the blob store.
	maxCacheBytes int64
}

func NewPipeline(
	repo repository.FileRepository,
	resolver PathResolver,
	blobs BlobStore,
	edge EdgeCache,
	client *http.Client,
	group *tasks.Group,
	maxCacheBytes int64,
) *Pipeline {
	return &Pipeline{
		repo:          repo,
		resolver:      resolver,
		blobs:         blobs,
		edge:          edge,
		client:        client,
		tasks:         group,
		maxCacheBytes: maxCacheBytes,
	}
}

// Serve resolves `name` ("<identifier>[.<ext>]", identifier being either the
// unique or the alias id) into a byte stream.
func (p *Pipeline) Serve(ctx context.Context, host, name string) (*ServeResult, error) {
	id, ext := splitName(name)
	if id == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrFileNotFound)
	}

	cacheKey := CacheKey(host, "/f/"+name)

	cached, err := p.edge.Get(ctx, cacheKey)
	if err != nil {
		// An unavailable edge tier degrades to a miss.
		log.Warn().Err(err).Msg("edge cache read failed")
	}
	if cached != nil {
		return &ServeResult{
			Body:        io.NopCloser(bytes.NewReader(cached.Body)),
			ContentType: cached.ContentType,
			Source:      "edge",
		}, nil
	}

	f, err := p.repo.Lookup(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, id)
		}
		return nil, err
	}

	// Tolerate a missing extension on the public name by deriving it from
	// the resolved path, so both alias URLs map to one blob key.
	if ext == "" {
		ext = f.Ext()
	}
	blobKey := f.UniqueID + ext

	blob, blobType, err := p.blobs.Get(ctx, blobKey)
	if err == nil {
		if blobType == "" {
			blobType = f.MimeType
		}
		log.Debug().Str("key", blobKey).Msg("serving from blob store")
		return &ServeResult{Body: blob, ContentType: blobType, Source: "blob"}, nil
	}
	if !errors.Is(err, ErrBlobNotFound) {
		log.Warn().Err(err).Str("key", blobKey).Msg("blob store read failed")
	}

	downloadURL, _, err := p.resolver.Resolve(id, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.fetch(ctx, downloadURL)
	if errors.Is(err, errUpstreamGone) {
		// The cached path expired upstream. Force exactly one re-resolution
		// and one retry; a second miss is terminal.
		log.Warn().Str("unique_id", f.UniqueID).Msg("stale download path, forcing refresh")

		downloadURL, _, err = p.resolver.Resolve(id, true)
		if err != nil {
			return nil, err
		}
		resp, err = p.fetch(ctx, downloadURL)
		if errors.Is(err, errUpstreamGone) {
			return nil, fmt.Errorf("%w: gone upstream after refresh", ErrFileNotFound)
		}
	}
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		if f.MimeType != "" {
			contentType = f.MimeType
		}
	}

	body := p.persistAsync(resp.Body, blobKey, cacheKey, contentType)

	return &ServeResult{Body: body, ContentType: contentType, Source: "upstream"}, nil
}

// fetch runs the upstream request detached from the caller's cancellation so
// the background persistence keeps its source alive after a client
// disconnect. Content at a download URL is treated as immutable once fetched.
func (p *Pipeline) fetch(ctx context.Context, downloadURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// url.Error carries the full request URL, token included; surface
		// only the transport cause.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("upstream fetch failed: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, errUpstreamGone
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected upstream status %d", resp.StatusCode)
	}

	return resp, nil
}

// persistAsync splits the upstream body into a caller stream and a background
// copy feeding both cache tiers, without buffering the payload beyond the
// edge-tier cap. The two tiers are independent best-effort writes; neither
// gates the other, and neither can fail the caller's response.
func (p *Pipeline) persistAsync(upstream io.ReadCloser, blobKey, cacheKey, contentType string) io.ReadCloser {
	callerR, callerW := io.Pipe()
	blobR, blobW := io.Pipe()

	// The pump is the caller's data path, so it runs outside the bounded
	// group; persistence scheduling must never stall a response.
	go func() {
		defer upstream.Close()

		cw := &bestEffortWriter{w: callerW}
		bq := newChunkQueue(blobW, blobQueueSlots)
		_, err := io.Copy(io.MultiWriter(cw, bq), upstream)

		callerW.CloseWithError(err)
		bq.close(err)
	}()

	accepted := p.tasks.Go("persist "+blobKey, func(ctx context.Context) error {
		buf := &capBuffer{max: p.maxCacheBytes}
		body := io.TeeReader(blobR, buf)

		putErr := p.blobs.Put(ctx, blobKey, contentType, body)

		// Drain whatever the upload did not consume so the pump always
		// finishes and the edge copy still completes after an upload error.
		if _, err := io.Copy(io.Discard, body); err != nil && putErr == nil {
			putErr = err
		}

		if !buf.overflowed {
			entry := &CachedResponse{ContentType: contentType, Body: buf.Bytes()}
			if err := p.edge.Put(ctx, cacheKey, entry); err != nil {
				log.Warn().Err(err).Str("key", cacheKey).Msg("edge cache write failed")
			}
		}

		return putErr
	})
	if !accepted {
		// Full group or shutdown race: nothing will drain the blob pipe, so
		// fail it now rather than wedge the pump. The caller's stream is
		// unaffected, only this body goes uncached.
		blobR.CloseWithError(errors.New("persistence slot unavailable"))
	}

	return callerR
}

// blobQueueSlots bounds the chunks queued ahead of the blob upload. io.Copy
// hands over 32 KiB buffers, so at most ~1 MiB sits in flight.
const blobQueueSlots = 32

// chunkQueue feeds the blob pipe through a bounded queue drained by its own
// goroutine, so a slow upload only backpressures the caller's stream once
// the queue fills.
type chunkQueue struct {
	w    *io.PipeWriter
	ch   chan []byte
	done chan struct{}
}

func newChunkQueue(w *io.PipeWriter, slots int) *chunkQueue {
	q := &chunkQueue{
		w:    w,
		ch:   make(chan []byte, slots),
		done: make(chan struct{}),
	}
	go func() {
		defer close(q.done)
		failed := false
		for p := range q.ch {
			if failed {
				continue
			}
			if _, err := w.Write(p); err != nil {
				// Consumer gone; keep draining so Write never wedges.
				failed = true
			}
		}
	}()
	return q
}

// Write copies p, since io.Copy reuses its buffer across iterations.
func (q *chunkQueue) Write(p []byte) (int, error) {
	c := make([]byte, len(p))
	copy(c, p)
	q.ch <- c
	return len(p), nil
}

func (q *chunkQueue) close(err error) {
	close(q.ch)
	<-q.done
	q.w.CloseWithError(err)
}

// bestEffortWriter keeps a broken consumer from aborting the remaining ones:
// after the first write error it swallows everything.
type bestEffortWriter struct {
	w      io.Writer
	failed bool
}

func (b *bestEffortWriter) Write(p []byte) (int, error) {
	if !b.failed {
		if _, err := b.w.Write(p); err != nil {
			b.failed = true
		}
	}
	return len(p), nil
}

// capBuffer accumulates up to max bytes and discards the whole copy once the
// cap is exceeded.
type capBuffer struct {
	buf        bytes.Buffer
	max        int64
	overflowed bool
}

func (b *capBuffer) Write(p []byte) (int, error) {
	if !b.overflowed {
		if int64(b.buf.Len())+int64(len(p)) > b.max {
			b.overflowed = true
			b.buf.Reset()
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *capBuffer) Bytes() []byte {
	return b.buf.Bytes()
}

func splitName(name string) (id, ext string) {
	ext = path.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}
