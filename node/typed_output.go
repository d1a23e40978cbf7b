package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/flowcore/dataflow/block"
	"github.com/flowcore/dataflow/recorder"
)

// InputTarget is anything an OutputNode can route items of type U
// into: an InputNode[U] or another OutputNode[U, V] (which embeds
// InputNode[U] and so satisfies this too).
type InputTarget[U any] interface {
	InputEndpoint() *block.Block[U]
	AsNode() *Node
}

type routePredicate[U any] struct {
	predicate func(U) bool
	deliver   func(context.Context, U) error
}

// OutputNode adds a typed egress endpoint on top of InputNode: items
// the node's own processing produces are routed through an ordered
// predicate list to downstream targets. The predicate list freezes the
// first time a "leftover" link (LinkLeftTo/Null/Error) is installed.
type OutputNode[T, U any] struct {
	InputNode[T]
	output *block.Block[U]

	mu              sync.Mutex
	predicates      []routePredicate[U]
	leftoverDeliver func(context.Context, U) error
	frozen          bool

	garbage *recorder.GarbageRecorder[U]
}

// Process is called once per item accepted by the node's input
// endpoint; it emits zero or more U values downstream via emit.
type Process[T, U any] func(ctx context.Context, item T, emit func(U) error) error

// NewOutputNode builds an OutputNode whose ingress endpoint runs
// process per T item, with emit wired to the node's own egress block.
func NewOutputNode[T, U any](typeTag string, opts Options, process Process[T, U]) *OutputNode[T, U] {
	n := &OutputNode[T, U]{
		garbage: recorder.NewGarbageRecorder[U](),
	}
	n.output = block.New(opts.BoundedCapacity, n.route)

	inputWorker := func(ctx context.Context, item T) error {
		return process(ctx, item, func(u U) error { return n.output.Send(ctx, u) })
	}
	n.InputNode = *NewInputNode[T](typeTag, opts, inputWorker)

	n.output.Run(context.Background())
	if err := n.Node.RegisterChild(n.output, WithDisplayName("output")); err != nil {
		panic(fmt.Sprintf("dataflow: impossible error registering fresh output block: %v", err))
	}

	// Once the T-side input endpoint finishes draining, close the U-side
	// output endpoint too: otherwise the node's own completion waits on
	// an output block nothing will ever signal as done.
	go func() {
		if err := n.InputEndpoint().Completion().Wait(context.Background()); err == nil {
			n.output.Complete()
		}
	}()

	return n
}

// OutputEndpoint returns the node's egress block.
func (n *OutputNode[T, U]) OutputEndpoint() *block.Block[U] { return n.output }

// GarbageRecorder returns the recorder fed by LinkLeftToNull.
func (n *OutputNode[T, U]) GarbageRecorder() *recorder.GarbageRecorder[U] { return n.garbage }

func (n *OutputNode[T, U]) route(ctx context.Context, item U) error {
	n.mu.Lock()
	predicates := append([]routePredicate[U](nil), n.predicates...)
	leftover := n.leftoverDeliver
	n.mu.Unlock()

	for _, p := range predicates {
		if p.predicate(item) {
			return p.deliver(ctx, item)
		}
	}
	if leftover != nil {
		return leftover(ctx, item)
	}
	return nil
}

func (n *OutputNode[T, U]) appendPredicate(predicate func(U) bool, deliver func(context.Context, U) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.frozen {
		return ErrPredicateListFrozen
	}
	n.predicates = append(n.predicates, routePredicate[U]{predicate: predicate, deliver: deliver})
	return nil
}

func (n *OutputNode[T, U]) watchLinkedFault(other *Node) {
	go func() {
		err := other.Completion().Wait(context.Background())
		if err == nil {
			return
		}
		if n.AsNode().Completion().IsResolved() {
			return
		}
		if errors.Is(err, context.Canceled) {
			n.AsNode().Fault(ErrLinkedDataflowCanceled)
		} else {
			n.AsNode().Fault(ErrLinkedDataflowFailed)
		}
	}()
}

// LinkTo routes items matching predicate (nil predicate matches
// everything) to other, registering this node as an external
// dependency of other and faulting this node if other fails or
// cancels first.
func (n *OutputNode[T, U]) LinkTo(other InputTarget[U], predicate func(U) bool) error {
	if predicate == nil {
		predicate = func(U) bool { return true }
	}
	if err := n.appendPredicate(predicate, func(ctx context.Context, item U) error {
		return other.InputEndpoint().Send(ctx, item)
	}); err != nil {
		return err
	}
	if err := other.AsNode().RegisterDependency(n.AsNode()); err != nil {
		return err
	}
	n.watchLinkedFault(other.AsNode())
	return nil
}

// GoTo is an alias for LinkTo matching the teacher corpus's naming for
// unconditional routing.
func (n *OutputNode[T, U]) GoTo(other InputTarget[U]) error {
	return n.LinkTo(other, nil)
}

// TransformAndLink routes items matching predicate through transform
// (U -> V) before delivering them to other, a node accepting V. It is
// a free function, not a method on OutputNode[T, U], because Go
// methods cannot introduce additional type parameters beyond their
// receiver's; V is exactly such an additional parameter.
func TransformAndLink[T, U, V any](n *OutputNode[T, U], other InputTarget[V], transform func(U) V, predicate func(U) bool) error {
	if predicate == nil {
		predicate = func(U) bool { return true }
	}
	if err := n.appendPredicate(predicate, func(ctx context.Context, item U) error {
		return other.InputEndpoint().Send(ctx, transform(item))
	}); err != nil {
		return err
	}
	if err := other.AsNode().RegisterDependency(n.AsNode()); err != nil {
		return err
	}
	n.watchLinkedFault(other.AsNode())
	return nil
}

// LinkSubTypeTo is sugar for TransformAndLink with predicate/transform
// being a type assertion to V: unmatched items never reach other, and
// matched ones arrive on the other side already unwrapped as V rather
// than still boxed in U.
func LinkSubTypeTo[T, U, V any](n *OutputNode[T, U], other InputTarget[V], cast func(U) (V, bool)) error {
	return TransformAndLink[T, U, V](n, other, func(u U) V {
		v, _ := cast(u)
		return v
	}, func(u U) bool {
		_, ok := cast(u)
		return ok
	})
}

// LinkLeftTo routes every item that matched no earlier predicate to
// target, freezing the predicate list.
func (n *OutputNode[T, U]) LinkLeftTo(target InputTarget[U]) error {
	n.mu.Lock()
	if n.frozen {
		n.mu.Unlock()
		return ErrPredicateListFrozen
	}
	n.leftoverDeliver = func(ctx context.Context, item U) error {
		return target.InputEndpoint().Send(ctx, item)
	}
	n.frozen = true
	n.mu.Unlock()

	if err := target.AsNode().RegisterDependency(n.AsNode()); err != nil {
		return err
	}
	n.watchLinkedFault(target.AsNode())
	return nil
}

// LinkLeftToNull records every unmatched item in the node's garbage
// recorder and drops it, freezing the predicate list.
func (n *OutputNode[T, U]) LinkLeftToNull() error {
	n.mu.Lock()
	if n.frozen {
		n.mu.Unlock()
		return ErrPredicateListFrozen
	}
	n.leftoverDeliver = func(_ context.Context, item U) error {
		n.garbage.Record(item)
		return nil
	}
	n.frozen = true
	n.mu.Unlock()
	return nil
}

// LinkLeftToError faults the node with ErrInvalidData the first time
// an unmatched item arrives, freezing the predicate list.
func (n *OutputNode[T, U]) LinkLeftToError() error {
	n.mu.Lock()
	if n.frozen {
		n.mu.Unlock()
		return ErrPredicateListFrozen
	}
	var once sync.Once
	n.leftoverDeliver = func(_ context.Context, _ U) error {
		once.Do(func() { n.AsNode().Fault(ErrInvalidData) })
		return ErrInvalidData
	}
	n.frozen = true
	n.mu.Unlock()
	return nil
}
