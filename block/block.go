// Package block implements the stage primitive adapter: a minimal
// worker-over-bounded-queue primitive standing in for the pre-existing
// "dataflow block" library the rest of this module is layered over (see
// spec.md §1, OUT OF SCOPE). A Block owns one bounded input queue, a
// single worker goroutine draining it, and a completion future that
// resolves once the queue is closed and drained, or fails the first
// time the worker (or an external Fault call) reports an error.
package block

import (
	"context"
	"errors"
	"sync"

	"github.com/flowcore/dataflow/future"
)

// Unbounded is the sentinel capacity meaning "no backpressure limit".
const Unbounded = -1

// ErrClosed is returned by Send once the block's input has been closed
// via Complete.
var ErrClosed = errors.New("block: send on completed block")

// Dependency is the minimal surface a parent graph node needs to track
// a child or external dependency, whether it is a primitive Block or
// another graph Node. *Block[T] satisfies it for any T since none of
// these methods mention T in their signature.
type Dependency interface {
	Completion() *future.Future
	BufferStatus() (in, out int)
	Fault(err error)
}

// Worker processes a single item pulled off a Block's queue. A non-nil
// return faults the block.
type Worker[T any] func(ctx context.Context, item T) error

// Block is a bounded (or unbounded) FIFO queue of type T drained by a
// single worker goroutine.
type Block[T any] struct {
	mu       sync.Mutex
	queue    []T
	notify   chan struct{}
	sem      chan struct{} // nil when unbounded
	closed   bool
	faulted  error
	complete *future.Future
	worker   Worker[T]
	runOnce  sync.Once
}

// New creates a Block with the given capacity (Unbounded for no limit)
// and worker. Run must be called to start draining it.
func New[T any](capacity int, worker Worker[T]) *Block[T] {
	b := &Block[T]{
		notify:   make(chan struct{}, 1),
		complete: future.New(),
		worker:   worker,
	}
	if capacity > 0 {
		b.sem = make(chan struct{}, capacity)
	}
	return b
}

// Run starts the block's worker loop. Calling it more than once has no
// additional effect; the first call wins.
func (b *Block[T]) Run(ctx context.Context) {
	b.runOnce.Do(func() { go b.loop(ctx) })
}

// Send enqueues item, blocking until capacity is available or ctx is
// done. It returns ErrClosed if the block's input has already been
// completed or faulted.
func (b *Block[T]) Send(ctx context.Context, item T) error {
	if b.sem != nil {
		select {
		case b.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	if b.closed || b.faulted != nil {
		b.mu.Unlock()
		if b.sem != nil {
			<-b.sem
		}
		return ErrClosed
	}
	b.queue = append(b.queue, item)
	b.mu.Unlock()

	b.wake()
	return nil
}

// Complete signals that no further items will be sent. Items already
// queued are still drained before the completion future resolves.
func (b *Block[T]) Complete() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wake()
}

// Fault aborts the block: the worker loop stops draining the queue and
// the completion future fails with err. The first Fault call wins.
func (b *Block[T]) Fault(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	if b.faulted == nil {
		b.faulted = err
	}
	b.mu.Unlock()
	b.wake()
}

// Completion returns the block's completion future.
func (b *Block[T]) Completion() *future.Future {
	return b.complete
}

// Count returns the number of items currently queued (not yet picked
// up by the worker).
func (b *Block[T]) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// BufferStatus reports (in, out) for this block. A primitive block has
// a single queue, so it is always reported as the "in" side; "out" is
// always zero at this layer (output fan-out is a node-level concept).
func (b *Block[T]) BufferStatus() (in, out int) {
	return b.Count(), 0
}

func (b *Block[T]) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Block[T]) dequeue() (item T, ok bool, faultErr error, drained bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.faulted != nil {
		return item, false, b.faulted, false
	}
	if len(b.queue) > 0 {
		item = b.queue[0]
		b.queue = b.queue[1:]
		return item, true, nil, false
	}
	if b.closed {
		return item, false, nil, true
	}
	return item, false, nil, false
}

func (b *Block[T]) loop(ctx context.Context) {
	for {
		item, ok, faultErr, drained := b.dequeue()
		if faultErr != nil {
			b.complete.Fail(faultErr)
			return
		}
		if !ok {
			if drained {
				b.complete.Resolve()
				return
			}
			select {
			case <-b.notify:
				continue
			case <-ctx.Done():
				b.complete.Fail(ctx.Err())
				return
			}
		}

		if b.sem != nil {
			<-b.sem
		}

		if err := ctx.Err(); err != nil {
			b.Fault(err)
			continue
		}
		if err := b.worker(ctx, item); err != nil {
			b.Fault(err)
			continue
		}
	}
}
