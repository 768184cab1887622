package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"filerelay/internal/model"
	"filerelay/internal/repository"
)

// In-memory collaborators with call counters, shared by the service tests.

type fakeRepo struct {
	mu         sync.Mutex
	files      map[string]*model.File // keyed by unique_id
	lookups    int
	savedPaths []string
}

func newFakeRepo(files ...model.File) *fakeRepo {
	r := &fakeRepo{files: make(map[string]*model.File)}
	for i := range files {
		f := files[i]
		r.files[f.UniqueID] = &f
	}
	return r
}

func (r *fakeRepo) Init() error { return nil }

func (r *fakeRepo) Upsert(files []model.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range files {
		f := files[i]
		if prev, ok := r.files[f.UniqueID]; ok && f.ResolvedPath == "" {
			f.ResolvedPath = prev.ResolvedPath
		}
		r.files[f.UniqueID] = &f
	}
	return nil
}

func (r *fakeRepo) Lookup(key string) (*model.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	for _, f := range r.files {
		if f.UniqueID == key || f.AliasID == key {
			cp := *f
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeRepo) SaveResolvedPath(uniqueID, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.savedPaths = append(r.savedPaths, path)
	if f, ok := r.files[uniqueID]; ok {
		f.ResolvedPath = path
	}
	return nil
}

type fakePlatform struct {
	mu           sync.Mutex
	paths        map[string]string // file_id -> path
	err          error
	resolveCalls int
	replies      []string
	replyChat    int64
	webhooks     []string
}

func (p *fakePlatform) ResolveFilePath(fileID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolveCalls++
	if p.err != nil {
		return "", p.err
	}
	return p.paths[fileID], nil
}

func (p *fakePlatform) SendReply(chatID int64, messageID int, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyChat = chatID
	p.replies = append(p.replies, text)
	return nil
}

func (p *fakePlatform) RegisterWebhook(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.webhooks = append(p.webhooks, url)
	return nil
}

func (p *fakePlatform) MaintainerID() int64 { return 0 }

type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	gets    int
	puts    int
	putErr  error
}

func newMemBlob() *memBlob {
	return &memBlob{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (b *memBlob) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	if b.putErr != nil {
		return b.putErr
	}
	b.objects[key] = data
	b.types[key] = contentType
	return nil
}

func (b *memBlob) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	data, ok := b.objects[key]
	if !ok {
		return nil, "", ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), b.types[key], nil
}

func (b *memBlob) object(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}

type memEdge struct {
	mu      sync.Mutex
	entries map[string]*CachedResponse
	puts    int
}

func newMemEdge() *memEdge {
	return &memEdge{entries: make(map[string]*CachedResponse)}
}

func (e *memEdge) Get(ctx context.Context, key string) (*CachedResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entries[key], nil
}

func (e *memEdge) Put(ctx context.Context, key string, resp *CachedResponse) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.puts++
	e.entries[key] = resp
	return nil
}

// countingResolver wraps a PathResolver to observe forced refreshes.
type countingResolver struct {
	inner  PathResolver
	calls  int
	forced int
}

func (c *countingResolver) Resolve(key string, force bool) (string, string, error) {
	c.calls++
	if force {
		c.forced++
	}
	url, id, err := c.inner.Resolve(key, force)
	if err != nil {
		return "", "", fmt.Errorf("resolve %s: %w", key, err)
	}
	return url, id, nil
}
