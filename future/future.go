// Package future provides the one-shot completion future shared by the
// block primitive and graph node layers. A Future resolves exactly once,
// either successfully or with an error; every observer after the first
// awaits the same resolution.
package future

import (
	"context"
	"sync"
)

// Future is a lazily-driven, single-shot completion signal. The zero
// value is not usable; construct one with New.
type Future struct {
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

// New creates an unresolved Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve marks the future as successfully completed. Subsequent calls
// to Resolve or Fail are no-ops: a Future resolves exactly once.
func (f *Future) Resolve() {
	f.once.Do(func() { close(f.done) })
}

// Fail marks the future as failed with err. Subsequent calls to Resolve
// or Fail are no-ops.
func (f *Future) Fail(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

// Done returns a channel closed once the future resolves, successfully
// or not.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the resolution error, or nil if the future resolved
// successfully or has not resolved yet.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until the future resolves or ctx is done, whichever comes
// first. It returns the future's resolution error (nil on success) or
// ctx.Err() if the context is the one that ended the wait.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsResolved reports whether the future has resolved already, without
// blocking.
func (f *Future) IsResolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
