// Package tasks runs fire-and-forget background work under a bounded slot
// count so detached goroutines stay tracked and drain on shutdown.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

type Group struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewGroup limits concurrent tasks to size and bounds each task's runtime by
// timeout (0 means no per-task deadline).
func NewGroup(size int64, timeout time.Duration) *Group {
	return &Group{
		sem:     semaphore.NewWeighted(size),
		timeout: timeout,
	}
}

// Go schedules fn on a free slot. It never blocks: when the group is full or
// already shut down, fn is dropped and Go reports false so the caller can
// unwind anything fn was meant to consume. Errors are logged and swallowed;
// a background failure must never surface into the request that spawned it.
func (g *Group) Go(name string, fn func(ctx context.Context) error) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		log.Warn().Str("task", name).Msg("task group closed, dropping task")
		return false
	}
	g.wg.Add(1)
	g.mu.Unlock()

	if !g.sem.TryAcquire(1) {
		g.wg.Done()
		log.Warn().Str("task", name).Msg("task group full, dropping task")
		return false
	}

	go func() {
		defer g.wg.Done()
		defer g.sem.Release(1)

		ctx := context.Background()
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}

		if err := fn(ctx); err != nil {
			log.Error().Err(err).Str("task", name).Msg("background task failed")
		}
	}()

	return true
}

// Shutdown stops accepting tasks and waits for the running ones until ctx
// expires.
func (g *Group) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
