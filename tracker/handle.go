// Package tracker maps logical resource keys to asynchronously-completing
// results. Each key exposes a future-like handle that settles exactly once,
// either directly (the caller sets the value) or from a task-manager task
// whose status a background poll loop watches. The key→task mapping is
// persisted per request so a restarted process re-attaches and resumes
// awaits.
package tracker

import (
	"context"
	"sync"
)

// Handle is the awaitable holder of one resource's eventual result. It
// settles at most once; every awaiter observes the same outcome.
type Handle struct {
	mu    sync.Mutex
	done  chan struct{}
	value any
	err   error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// settle records the outcome. Only the first call takes effect.
func (h *Handle) settle(value any, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	h.value = value
	h.err = err
	close(h.done)
	return true
}

// Done returns a channel closed on settlement.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Settled reports whether the handle has an outcome.
func (h *Handle) Settled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Result returns the settled outcome without blocking. Before settlement it
// returns (nil, nil) with ok false.
func (h *Handle) Result() (value any, err error, ok bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.value, h.err, true
	default:
		return nil, nil, false
	}
}

// Await blocks until settlement or ctx ends.
func (h *Handle) Await(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
