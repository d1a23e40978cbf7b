// Package node implements the graph node hierarchy: a composable unit
// that owns a set of children (primitive blocks or nested nodes), a
// lazily-started completion aggregator, and fault propagation across
// siblings and linked dataflows. Typed-input and typed-input/output
// specialisations (InputNode, OutputNode) build the ingress/egress
// endpoints on top of this base.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowcore/dataflow/block"
	"github.com/flowcore/dataflow/future"
)

// Dependency is anything a node can track as a child or external
// dependency: a primitive block.Block or another *Node. Both satisfy
// it structurally.
type Dependency = block.Dependency

var nameCounters sync.Map // map[string]*atomic.Int64, keyed by type tag

func nextName(typeTag string) string {
	v, _ := nameCounters.LoadOrStore(typeTag, new(atomic.Int64))
	n := v.(*atomic.Int64).Add(1)
	return fmt.Sprintf("%s-%d", typeTag, n)
}

type registration struct {
	dep         Dependency
	displayName string
	onComplete  func()
}

// registerConfig is built from RegisterOption values passed to
// RegisterChild/RegisterDependency.
type registerConfig struct {
	displayName string
	onComplete  func()
	allowDup    bool
}

// RegisterOption customises a single Register call.
type RegisterOption func(*registerConfig)

// WithDisplayName attaches a human-readable name to a registration,
// used in monitor logging.
func WithDisplayName(name string) RegisterOption {
	return func(c *registerConfig) { c.displayName = name }
}

// WithOnComplete runs f after dep completes successfully. It does not
// run if dep faults or cancels.
func WithOnComplete(f func()) RegisterOption {
	return func(c *registerConfig) { c.onComplete = f }
}

// AllowDuplicate permits registering the same dependency more than
// once without returning ErrDuplicateChild; the later call is a no-op.
func AllowDuplicate() RegisterOption {
	return func(c *registerConfig) { c.allowDup = true }
}

func applyOptions(opts []RegisterOption) *registerConfig {
	cfg := &registerConfig{}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// Node is the base graph node: a named point in the dataflow hierarchy
// that tracks children, parents, external dependencies, and aggregates
// their completion into its own completion future.
type Node struct {
	name    string
	typeTag string
	opts    Options

	mu           sync.Mutex
	children     []registration
	parents      []*Node
	externalDeps []registration
	postTasks    []func(context.Context) error
	cancelFuncs  []context.CancelFunc

	firstChildOnce sync.Once
	firstChildCh   chan struct{}

	aggregatorOnce sync.Once
	completion     *future.Future
}

// New constructs a node. typeTag seeds the auto-generated name
// ("<typeTag>-<n>"); pass the concrete kind of node being built
// ("InputNode", "BulkSink", and so on).
func New(typeTag string, opts Options) *Node {
	n := &Node{
		name:         nextName(typeTag),
		typeTag:      typeTag,
		opts:         opts,
		firstChildCh: make(chan struct{}),
		completion:   future.New(),
	}
	if opts.FlowMonitorEnabled || opts.BlockMonitorEnabled {
		go n.monitorLoop()
	}
	return n
}

func (n *Node) Name() string { return n.name }

// FullName renders the node's position in the hierarchy:
// "(parent1|parent2)->name", or just "name" at the root.
func (n *Node) FullName() string {
	parents := n.Parents()
	if len(parents) == 0 {
		return n.name
	}
	parts := make([]string, len(parents))
	for i, p := range parents {
		parts[i] = p.FullName()
	}
	return "(" + strings.Join(parts, "|") + ")->" + n.name
}

func (n *Node) Options() Options { return n.opts }

func (n *Node) Children() []Dependency {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Dependency, len(n.children))
	for i, r := range n.children {
		out[i] = r.dep
	}
	return out
}

func (n *Node) Parents() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Node, len(n.parents))
	copy(out, n.parents)
	return out
}

// Completion returns the node's completion future, starting the
// completion aggregator on first access if no child has started it
// already.
func (n *Node) Completion() *future.Future {
	n.startAggregator()
	return n.completion
}

// BufferStatus sums (in, out) across all registered children.
func (n *Node) BufferStatus() (in, out int) {
	for _, d := range n.Children() {
		ci, co := d.BufferStatus()
		in += ci
		out += co
	}
	return in, out
}

func (n *Node) BufferedCount() int {
	in, out := n.BufferStatus()
	return in + out
}

// Complete force-resolves this node's own completion future
// successfully, independent of child state. Used when a node serves
// purely as an externally-driven dependency rather than aggregating
// its own children. InputNode shadows this with a Complete that closes
// the input endpoint instead, which SignalAndWaitForCompletion calls.
func (n *Node) Complete() {
	n.completion.Resolve()
}

// Fault fails this node's own completion with err (wrapped as an
// AggregateError), trips every registered cancellation handle, and
// propagates a normalised sibling-variant error to every non-completed
// child.
func (n *Node) Fault(err error) {
	if err == nil {
		return
	}
	n.completion.Fail(newAggregateError(n.name, err))

	downward := normalizeFault(err)
	for _, c := range n.Children() {
		if c.Completion().IsResolved() {
			continue
		}
		c.Fault(downward)
	}

	n.mu.Lock()
	cancels := append([]context.CancelFunc(nil), n.cancelFuncs...)
	n.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// RegisterChild adds dep as a child whose completion this node's
// aggregator waits on. Returns ErrCycleNotAllowed if dep is itself an
// ancestor-containing node, ErrDuplicateChild if dep is already
// registered (unless AllowDuplicate is passed).
func (n *Node) RegisterChild(dep Dependency, opts ...RegisterOption) error {
	cfg := applyOptions(opts)

	if childNode, ok := dep.(*Node); ok {
		if childNode.containsDescendant(n) {
			return ErrCycleNotAllowed
		}
	}

	n.mu.Lock()
	for _, existing := range n.children {
		if existing.dep == dep {
			n.mu.Unlock()
			if cfg.allowDup {
				return nil
			}
			return ErrDuplicateChild
		}
	}
	n.children = append(n.children, registration{dep: dep, displayName: cfg.displayName, onComplete: cfg.onComplete})
	isFirst := len(n.children) == 1
	n.mu.Unlock()

	if childNode, ok := dep.(*Node); ok {
		childNode.addParent(n)
	}

	if isFirst {
		n.firstChildOnce.Do(func() { close(n.firstChildCh) })
	}
	n.startAggregator()

	if cfg.onComplete != nil {
		go func() {
			if err := dep.Completion().Wait(context.Background()); err == nil {
				cfg.onComplete()
			}
		}()
	}
	return nil
}

// RegisterDependency adds dep as an external dependency: this node's
// aggregator will not resolve its completion future successfully until
// every external dependency (including ones added later, right up
// until the children and post-dataflow tasks finish) has itself
// completed. A failing or cancelled external dependency faults this
// node as soon as it fails, even while children are still running,
// with ErrLinkedDataflowFailed/ErrLinkedDataflowCanceled rather than
// the sibling variant used for child failures.
func (n *Node) RegisterDependency(dep Dependency, opts ...RegisterOption) error {
	cfg := applyOptions(opts)

	n.mu.Lock()
	n.externalDeps = append(n.externalDeps, registration{dep: dep, displayName: cfg.displayName, onComplete: cfg.onComplete})
	n.mu.Unlock()

	n.startAggregator()

	go func() {
		err := dep.Completion().Wait(context.Background())
		if err == nil {
			if cfg.onComplete != nil {
				cfg.onComplete()
			}
			return
		}
		if n.completion.IsResolved() {
			return
		}
		if errors.Is(err, context.Canceled) {
			n.Fault(ErrLinkedDataflowCanceled)
		} else {
			n.Fault(ErrLinkedDataflowFailed)
		}
	}()
	return nil
}

// RegisterPostDataflowTask queues f to run, in registration order,
// after every child completes and before this node's own completion
// resolves successfully. A failing task fails the node the same way a
// failing child does.
func (n *Node) RegisterPostDataflowTask(f func(context.Context) error) {
	n.mu.Lock()
	n.postTasks = append(n.postTasks, f)
	n.mu.Unlock()
}

// RegisterCancellationTokenSource registers cancel to be invoked when
// this node faults, so in-flight work elsewhere can unwind promptly.
func (n *Node) RegisterCancellationTokenSource(cancel context.CancelFunc) {
	n.mu.Lock()
	n.cancelFuncs = append(n.cancelFuncs, cancel)
	n.mu.Unlock()
}

func (n *Node) addParent(p *Node) {
	n.mu.Lock()
	n.parents = append(n.parents, p)
	n.mu.Unlock()
}

func (n *Node) containsDescendant(target *Node) bool {
	if n == target {
		return true
	}
	for _, d := range n.Children() {
		if childNode, ok := d.(*Node); ok {
			if childNode.containsDescendant(target) {
				return true
			}
		}
	}
	return false
}

func (n *Node) startAggregator() {
	n.aggregatorOnce.Do(func() { go n.runAggregator() })
}

type depResult struct {
	dep Dependency
	err error
}

// awaitAll waits for every dependency snapshot() currently returns to
// complete, re-snapshotting as it goes to pick up dependencies
// registered mid-wait (the "list is extended by subsequent adds"
// behaviour child registration and RegisterDependency share). On the
// first failure it invokes onFail and returns false without waiting
// for the remaining pending dependencies — resultCh is fully buffered,
// so those goroutines still land their sends and exit on their own.
// It returns true once every dependency, including late arrivals, has
// completed successfully.
func (n *Node) awaitAll(snapshot func() []Dependency, onFail func(error)) bool {
	seen := map[Dependency]struct{}{}
	for {
		current := snapshot()
		var pending []Dependency
		for _, d := range current {
			if _, ok := seen[d]; !ok {
				pending = append(pending, d)
			}
		}
		if len(pending) == 0 {
			if len(seen) == len(current) {
				return true
			}
			continue
		}

		resultCh := make(chan depResult, len(pending))
		for _, d := range pending {
			d := d
			go func() {
				resultCh <- depResult{dep: d, err: d.Completion().Wait(context.Background())}
			}()
		}
		for i := 0; i < len(pending); i++ {
			r := <-resultCh
			seen[r.dep] = struct{}{}
			if r.err != nil {
				onFail(r.err)
				return false
			}
		}
	}
}

func (n *Node) externalDepsSnapshot() []Dependency {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Dependency, len(n.externalDeps))
	for i, r := range n.externalDeps {
		out[i] = r.dep
	}
	return out
}

// runAggregator implements spec.md §4.1's completion algorithm: wait
// for a first child (or time out with ErrNoChildRegistered), await
// every child, run post-dataflow tasks in order, then await every
// external dependency before resolving successfully. A child failure
// faults this node with the raw error (normalised to a sibling variant
// for everyone else); an external-dependency failure faults it with
// ErrLinkedDataflowFailed/ErrLinkedDataflowCanceled instead.
func (n *Node) runAggregator() {
	if len(n.Children()) == 0 {
		timer := time.NewTimer(n.opts.monitorInterval())
		select {
		case <-n.firstChildCh:
			timer.Stop()
		case <-timer.C:
			n.Fault(ErrNoChildRegistered)
			return
		}
	}

	if !n.awaitAll(n.Children, n.Fault) {
		return
	}

	n.mu.Lock()
	tasks := append([]func(context.Context) error(nil), n.postTasks...)
	n.mu.Unlock()
	for _, task := range tasks {
		if err := task(context.Background()); err != nil {
			n.Fault(err)
			return
		}
	}

	if !n.awaitAll(n.externalDepsSnapshot, func(err error) {
		if errors.Is(err, context.Canceled) {
			n.Fault(ErrLinkedDataflowCanceled)
		} else {
			n.Fault(ErrLinkedDataflowFailed)
		}
	}) {
		return
	}

	slog.Debug("dataflow node completed", slog.String("node", n.FullName()))
	n.completion.Resolve()
}
