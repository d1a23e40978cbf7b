package bulksink

import (
	"time"

	"github.com/flowcore/dataflow/node"
)

// Options configures a bulk sink's batching, flushing and destination.
type Options[T any] struct {
	Node           node.Options
	BatchSize      int
	FlushInterval  time.Duration
	Table          string
	PostInsertHook PostInsertHook[T]
}

// DefaultOptions returns an 8192-row batch size flushed every 10s, no
// table override and no post-insert hook.
func DefaultOptions[T any]() Options[T] {
	return Options[T]{
		Node:          node.DefaultOptions(),
		BatchSize:     8192,
		FlushInterval: 10 * time.Second,
	}
}

func (o Options[T]) batchSize() int {
	if o.BatchSize <= 0 {
		return 8192
	}
	return o.BatchSize
}

func (o Options[T]) flushInterval() time.Duration {
	if o.FlushInterval <= 0 {
		return 10 * time.Second
	}
	return o.FlushInterval
}
