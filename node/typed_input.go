package node

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/flowcore/dataflow/block"
)

// InputNode is a graph node with one typed ingress endpoint: a
// block.Block[T] registered as this node's own child, so the node
// cannot complete before the endpoint finishes draining.
type InputNode[T any] struct {
	Node
	input *block.Block[T]
}

// NewInputNode builds an InputNode whose ingress endpoint runs worker
// per item.
func NewInputNode[T any](typeTag string, opts Options, worker block.Worker[T]) *InputNode[T] {
	n := &InputNode[T]{
		Node:  *New(typeTag, opts),
		input: block.New(opts.BoundedCapacity, worker),
	}
	n.input.Run(context.Background())
	if err := n.Node.RegisterChild(n.input, WithDisplayName("input")); err != nil {
		panic(fmt.Sprintf("dataflow: impossible error registering fresh input block: %v", err))
	}
	return n
}

// AsNode exposes the embedded base Node for use as a Dependency by
// OutputNode's linking methods.
func (n *InputNode[T]) AsNode() *Node { return &n.Node }

// InputEndpoint returns the node's ingress block.
func (n *InputNode[T]) InputEndpoint() *block.Block[T] { return n.input }

// Complete closes the input endpoint; queued items still drain before
// the node's completion future resolves. Shadows Node.Complete, which
// force-resolves unconditionally.
func (n *InputNode[T]) Complete() {
	n.input.Complete()
}

// SignalAndWaitForCompletion completes the input endpoint and blocks
// until the node's aggregate completion future resolves.
func (n *InputNode[T]) SignalAndWaitForCompletion(ctx context.Context) error {
	n.Complete()
	return n.Node.Completion().Wait(ctx)
}

// PullFrom sends every item from seq into the input endpoint, stopping
// early (and returning an error) on the first send failure or context
// cancellation. It returns the count of items successfully sent.
func (n *InputNode[T]) PullFrom(ctx context.Context, seq iter.Seq[T]) (int, error) {
	count := 0
	for item := range seq {
		if err := ctx.Err(); err != nil {
			slog.Warn("pull_from cancelled", slog.String("node", n.FullName()), slog.Int("count", count), slog.String("error", err.Error()))
			return count, fmt.Errorf("pull_from cancelled after %d items: %w", count, err)
		}
		if err := n.input.Send(ctx, item); err != nil {
			slog.Warn("pull_from failed", slog.String("node", n.FullName()), slog.Int("count", count), slog.String("error", err.Error()))
			return count, fmt.Errorf("pull_from failed after %d items: %w", count, err)
		}
		count++
	}
	return count, nil
}

// Process pulls seq into the node via a cancellable sub-context
// registered as a cancellation handle (so a later Fault unwinds the
// pull), optionally signalling completion once seq is exhausted.
func (n *InputNode[T]) Process(ctx context.Context, seq iter.Seq[T], completeOnFinish bool) (int, error) {
	pullCtx, cancel := context.WithCancel(ctx)
	n.RegisterCancellationTokenSource(cancel)
	defer cancel()

	count, err := n.PullFrom(pullCtx, seq)
	if err != nil {
		return count, err
	}
	if completeOnFinish {
		if err := n.SignalAndWaitForCompletion(ctx); err != nil {
			return count, err
		}
	}
	return count, nil
}

// ProcessMultiple runs Process over each sequence in turn, summing
// counts, optionally signalling completion only after the last one.
func (n *InputNode[T]) ProcessMultiple(ctx context.Context, seqs []iter.Seq[T], completeOnFinish bool) (int, error) {
	total := 0
	for _, seq := range seqs {
		count, err := n.Process(ctx, seq, false)
		total += count
		if err != nil {
			return total, err
		}
	}
	if completeOnFinish {
		if err := n.SignalAndWaitForCompletion(ctx); err != nil {
			return total, err
		}
	}
	return total, nil
}
