package bulksink

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/flowcore/dataflow/block"
	"github.com/flowcore/dataflow/node"
)

// Sink is a typed-input node whose ingress endpoint accepts individual
// T records, groups them into batches, and writes each batch to
// Postgres transactionally via an internal Batcher->Executor graph:
// the embedded InputNode is the batcher stage, executorNode is a
// second node this one depends on externally, and batcherState is the
// in-memory grouping buffer feeding it.
type Sink[T any] struct {
	*node.InputNode[T]

	executor     *Executor[T]
	executorNode *node.InputNode[[]T]
	batcher      *batcherState[T]
	opts         Options[T]
	triggerCh    chan struct{}
}

// New builds a bulk sink writing into table (or T's own bun table tag
// if table is empty), batching opts.BatchSize records or flushing
// every opts.FlushInterval, whichever comes first.
func New[T any](db *bun.DB, target TargetTable, opts Options[T]) *Sink[T] {
	executor := NewExecutor[T](db, target, opts.PostInsertHook)

	executorOpts := opts.Node
	executorOpts.BoundedCapacity = executorBoundedCapacity(opts.Node.BoundedCapacity, opts.batchSize())
	executorNode := node.NewInputNode[[]T]("BulkSinkExecutor", executorOpts, func(ctx context.Context, batch []T) error {
		return executor.Write(ctx, batch)
	})

	s := &Sink[T]{
		executor:     executor,
		executorNode: executorNode,
		opts:         opts,
		triggerCh:    make(chan struct{}, 1),
	}
	s.batcher = newBatcherState[T](opts.batchSize(), func(ctx context.Context, batch []T) error {
		return executorNode.InputEndpoint().Send(ctx, batch)
	})

	input := node.NewInputNode[T]("BulkSink", opts.Node, func(ctx context.Context, item T) error {
		return s.batcher.accept(ctx, item)
	})
	s.InputNode = input

	if err := input.RegisterDependency(executorNode.AsNode()); err != nil {
		panic(fmt.Sprintf("dataflow: impossible error registering fresh executor node: %v", err))
	}

	// The flush timer is bound to this node's own lifetime: it is
	// cancelled the moment the input endpoint finishes draining, rather
	// than running forever independent of the sink it serves.
	flushCtx, cancel := context.WithCancel(context.Background())
	input.RegisterCancellationTokenSource(cancel)
	go s.runFlushTimer(flushCtx)

	go func() {
		_ = input.InputEndpoint().Completion().Wait(context.Background())
		_ = s.batcher.flushPending(context.Background())
		cancel()
		executorNode.Complete()
	}()

	return s
}

func (s *Sink[T]) runFlushTimer(ctx context.Context) {
	ticker := time.NewTicker(s.opts.flushInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.batcher.flushPending(ctx)
		case <-s.triggerCh:
			_ = s.batcher.flushPending(ctx)
		}
	}
}

// TriggerBatch forces an immediate flush of whatever is currently
// pending, without waiting for the next timer tick or a full batch.
func (s *Sink[T]) TriggerBatch() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Stats returns the underlying executor's commit/rollback counters.
func (s *Sink[T]) Stats() *Stats { return s.executor.Stats() }

// BufferStatus reports the sink's own pending (not-yet-batched) record
// count plus an estimate of records held in queued-but-unwritten
// batches (executor queue depth times batch size, since the executor's
// input queue holds whole batches rather than individual records).
func (s *Sink[T]) BufferStatus() (in, out int) {
	executorIn, _ := s.executorNode.AsNode().BufferStatus()
	return s.batcher.pendingCount() + executorIn*s.opts.batchSize(), 0
}

// executorBoundedCapacity derives the executor node's in-flight batch
// bound from the sink's own row-level bound, so the total number of
// rows in flight across queued batches stays within nodeCapacity. The
// bound is never below one batch, so when batchSize exceeds
// nodeCapacity one queued batch already holds more than nodeCapacity
// rows. nodeCapacity == block.Unbounded carries through unbounded
// rather than being divided into nonsense.
func executorBoundedCapacity(nodeCapacity, batchSize int) int {
	if nodeCapacity == block.Unbounded {
		return block.Unbounded
	}
	if c := nodeCapacity / batchSize; c > 1 {
		return c
	}
	return 1
}
