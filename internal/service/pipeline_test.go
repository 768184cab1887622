package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"filerelay/internal/model"
	"filerelay/internal/pkg/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipelineFixture struct {
	repo     *fakeRepo
	platform *fakePlatform
	blob     *memBlob
	edge     *memEdge
	resolver *countingResolver
	group    *tasks.Group
	pipeline *Pipeline

	mu       sync.Mutex
	upstream map[string][]byte // platform path -> payload
	hits     map[string]int
}

func newPipelineFixture(t *testing.T, files []model.File, platformPaths map[string]string) *pipelineFixture {
	t.Helper()

	f := &pipelineFixture{
		repo:     newFakeRepo(files...),
		platform: &fakePlatform{paths: platformPaths},
		blob:     newMemBlob(),
		edge:     newMemEdge(),
		group:    tasks.NewGroup(8, 5*time.Second),
		upstream: make(map[string][]byte),
		hits:     make(map[string]int),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimPrefix(r.URL.Path, "/file/bot"+testToken+"/")
		f.mu.Lock()
		f.hits[p]++
		payload, ok := f.upstream[p]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	f.resolver = &countingResolver{inner: NewPathResolver(f.repo, f.platform, srv.URL, testToken)}
	f.pipeline = NewPipeline(f.repo, f.resolver, f.blob, f.edge, srv.Client(), f.group, 1<<20)
	return f
}

func (f *pipelineFixture) serveUpstream(path string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upstream[path] = payload
}

func (f *pipelineFixture) upstreamHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.hits {
		n += c
	}
	return n
}

// wait drains the background persistence tasks.
func (f *pipelineFixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.group.Shutdown(ctx))
}

func storedFile(path string) model.File {
	return model.File{
		UniqueID:     "uniq-1",
		AliasID:      "alias-1",
		MimeType:     "image/jpeg",
		ResolvedPath: path,
	}
}

func readAll(t *testing.T, res *ServeResult) []byte {
	t.Helper()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.NoError(t, res.Body.Close())
	return data
}

func TestServeColdFetchStreamsAndPersists(t *testing.T) {
	f := newPipelineFixture(t, []model.File{storedFile("photos/file_1.jpg")}, nil)
	payload := []byte("jpeg bytes of file one")
	f.serveUpstream("photos/file_1.jpg", payload)

	res, err := f.pipeline.Serve(context.Background(), "relay.test", "uniq-1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "upstream", res.Source)
	assert.Equal(t, "image/jpeg", res.ContentType)
	assert.Equal(t, payload, readAll(t, res))

	f.wait(t)

	// The durable copy must be byte-identical to what the caller saw.
	stored, ok := f.blob.object("uniq-1.jpg")
	require.True(t, ok)
	assert.Equal(t, payload, stored)

	cached, err := f.edge.Get(context.Background(), CacheKey("relay.test", "/f/uniq-1.jpg"))
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, payload, cached.Body)
	assert.Equal(t, "image/jpeg", cached.ContentType)
}

func TestServeRepairsStalePath(t *testing.T) {
	f := newPipelineFixture(t,
		[]model.File{storedFile("photos/stale.jpg")},
		map[string]string{"alias-1": "photos/fresh.jpg"},
	)
	payload := []byte("repaired content")
	f.serveUpstream("photos/fresh.jpg", payload) // stale path 404s

	res, err := f.pipeline.Serve(context.Background(), "relay.test", "alias-1.jpg")
	require.NoError(t, err)
	assert.Equal(t, payload, readAll(t, res))

	assert.Equal(t, 1, f.resolver.forced, "exactly one forced re-resolution")
	assert.Equal(t, []string{"photos/fresh.jpg"}, f.repo.savedPaths, "repaired path must be persisted")

	f.wait(t)
}

func TestServeSecondNotFoundIsTerminal(t *testing.T) {
	f := newPipelineFixture(t,
		[]model.File{storedFile("photos/stale.jpg")},
		map[string]string{"alias-1": "photos/also_gone.jpg"},
	)
	// Upstream serves nothing: both the cached and the refreshed path 404.

	_, err := f.pipeline.Serve(context.Background(), "relay.test", "uniq-1.jpg")
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.Equal(t, 1, f.resolver.forced, "no retry loop past the single forced refresh")

	f.wait(t)
}

func TestServeBlobShortCircuit(t *testing.T) {
	f := newPipelineFixture(t, []model.File{storedFile("photos/file_1.jpg")}, nil)
	payload := []byte("already durable")
	require.NoError(t, f.blob.Put(context.Background(), "uniq-1.jpg", "image/jpeg", strings.NewReader(string(payload))))

	res, err := f.pipeline.Serve(context.Background(), "relay.test", "alias-1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "blob", res.Source)
	assert.Equal(t, "image/jpeg", res.ContentType)
	assert.Equal(t, payload, readAll(t, res))

	assert.Zero(t, f.resolver.calls, "blob hit must not touch the resolver")
	assert.Zero(t, f.upstreamHits(), "blob hit must not fetch upstream")

	f.wait(t)
}

func TestServeEdgeShortCircuit(t *testing.T) {
	f := newPipelineFixture(t, nil, nil) // even the metadata row is gone
	key := CacheKey("relay.test", "/f/uniq-1.jpg")
	require.NoError(t, f.edge.Put(context.Background(), key, &CachedResponse{
		ContentType: "image/jpeg",
		Body:        []byte("edge copy"),
	}))

	res, err := f.pipeline.Serve(context.Background(), "relay.test", "uniq-1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "edge", res.Source)
	assert.Equal(t, []byte("edge copy"), readAll(t, res))
	assert.Zero(t, f.repo.lookups)

	f.wait(t)
}

func TestServeDerivesExtensionFromResolvedPath(t *testing.T) {
	f := newPipelineFixture(t, []model.File{storedFile("photos/file_1.jpg")}, nil)
	f.serveUpstream("photos/file_1.jpg", []byte("x"))

	// Request without extension: the blob key still gets .jpg from the
	// resolved path.
	res, err := f.pipeline.Serve(context.Background(), "relay.test", "uniq-1")
	require.NoError(t, err)
	readAll(t, res)

	f.wait(t)

	_, ok := f.blob.object("uniq-1.jpg")
	assert.True(t, ok)
}

func TestServeRepeatedFetchIsIdempotent(t *testing.T) {
	f := newPipelineFixture(t, []model.File{storedFile("photos/file_1.jpg")}, nil)
	payload := []byte("raced content")
	f.serveUpstream("photos/file_1.jpg", payload)

	// Two requests miss both tiers before either background write lands.
	// There is deliberately no single-flight: both fetch, both persist, and
	// the stored result is identical either way.
	res1, err := f.pipeline.Serve(context.Background(), "relay.test", "uniq-1.jpg")
	require.NoError(t, err)
	res2, err := f.pipeline.Serve(context.Background(), "relay.test", "uniq-1.jpg")
	require.NoError(t, err)

	assert.Equal(t, payload, readAll(t, res1))
	assert.Equal(t, payload, readAll(t, res2))
	assert.Equal(t, 2, f.upstreamHits())

	f.wait(t)

	stored, ok := f.blob.object("uniq-1.jpg")
	require.True(t, ok)
	assert.Equal(t, payload, stored)
}

func TestServeOversizedBodySkipsEdgeCache(t *testing.T) {
	f := newPipelineFixture(t, []model.File{storedFile("photos/big.bin")}, nil)
	f.pipeline.maxCacheBytes = 8
	payload := []byte("way larger than eight bytes")
	f.serveUpstream("photos/big.bin", payload)

	res, err := f.pipeline.Serve(context.Background(), "relay.test", "uniq-1.bin")
	require.NoError(t, err)
	assert.Equal(t, payload, readAll(t, res))

	f.wait(t)

	stored, ok := f.blob.object("uniq-1.bin")
	require.True(t, ok)
	assert.Equal(t, payload, stored, "blob tier is not gated by the edge cap")
	assert.Zero(t, f.edge.puts)
}

func TestServeFullGroupStillStreams(t *testing.T) {
	f := newPipelineFixture(t, []model.File{storedFile("photos/file_1.jpg")}, nil)
	payload := []byte("streams past a saturated group")
	f.serveUpstream("photos/file_1.jpg", payload)

	// A single-slot group held by a stuck task: persistence has nowhere to
	// run, and the response must not wait for it.
	held := tasks.NewGroup(1, 0)
	release := make(chan struct{})
	require.True(t, held.Go("hold", func(ctx context.Context) error {
		<-release
		return nil
	}))
	f.pipeline.tasks = held

	done := make(chan struct{})
	var res *ServeResult
	var err error
	go func() {
		res, err = f.pipeline.Serve(context.Background(), "relay.test", "uniq-1.jpg")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("response blocked behind background persistence")
	}
	require.NoError(t, err)
	assert.Equal(t, payload, readAll(t, res))

	// The cache write is skipped, not queued.
	_, ok := f.blob.object("uniq-1.jpg")
	assert.False(t, ok)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, held.Shutdown(ctx))
}

func TestServeBlobHitKeepsContentType(t *testing.T) {
	// Photo rows carry no mime type, so the blob tier must answer with the
	// type recorded at fetch time.
	photo := model.File{UniqueID: "uniq-1", AliasID: "alias-1", ResolvedPath: "photos/file_1.jpg"}
	f := newPipelineFixture(t, []model.File{photo}, nil)
	f.serveUpstream("photos/file_1.jpg", []byte("photo bytes"))

	res, err := f.pipeline.Serve(context.Background(), "relay.test", "uniq-1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", res.ContentType)
	readAll(t, res)

	f.wait(t)

	// Drop the edge entry so the next request reaches the blob tier.
	f.edge.entries = make(map[string]*CachedResponse)

	res, err = f.pipeline.Serve(context.Background(), "relay.test", "uniq-1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "blob", res.Source)
	assert.Equal(t, "image/jpeg", res.ContentType)
	readAll(t, res)
}

func TestServeUnknownIdentifier(t *testing.T) {
	f := newPipelineFixture(t, nil, nil)

	_, err := f.pipeline.Serve(context.Background(), "relay.test", "ghost.jpg")
	assert.ErrorIs(t, err, ErrFileNotFound)

	f.wait(t)
}

func TestServeBlobFailureDoesNotAffectCaller(t *testing.T) {
	f := newPipelineFixture(t, []model.File{storedFile("photos/file_1.jpg")}, nil)
	payload := []byte("survives a broken blob store")
	f.serveUpstream("photos/file_1.jpg", payload)
	f.blob.putErr = assert.AnError

	res, err := f.pipeline.Serve(context.Background(), "relay.test", "uniq-1.jpg")
	require.NoError(t, err)
	assert.Equal(t, payload, readAll(t, res))

	f.wait(t)

	// The edge tier write is independent of the blob failure.
	cached, err := f.edge.Get(context.Background(), CacheKey("relay.test", "/f/uniq-1.jpg"))
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, payload, cached.Body)
}
