package node

import (
	"time"

	"github.com/flowcore/dataflow/block"
)

// MonitorMode controls how verbose periodic buffer-status logging is.
type MonitorMode int

const (
	// MonitorDefault logs only when a buffer is non-empty.
	MonitorDefault MonitorMode = iota
	// MonitorVerbose logs every tick regardless of buffer depth.
	MonitorVerbose
)

// Options configures a node's backpressure, completion-wait timing and
// buffer monitoring. Mirrors the shape of the teacher's
// ExecutionOptions/DefaultExecutionOptions pairing, generalised from
// execution-wave concurrency knobs to per-node dataflow knobs.
type Options struct {
	// BoundedCapacity caps the node's input queue depth. block.Unbounded
	// (-1) disables backpressure.
	BoundedCapacity int

	// FlowMonitorEnabled turns on periodic logging of this node's own
	// aggregate buffer status.
	FlowMonitorEnabled bool

	// BlockMonitorEnabled turns on periodic logging of each registered
	// child's individual buffer status.
	BlockMonitorEnabled bool

	MonitorMode MonitorMode

	// MonitorInterval is the tick period for buffer-status logging and
	// also the grace period the completion aggregator waits for a first
	// child before failing with ErrNoChildRegistered.
	MonitorInterval time.Duration
}

// DefaultOptions returns an unbounded node with monitoring disabled and
// a 10s monitor interval.
func DefaultOptions() Options {
	return Options{
		BoundedCapacity:     block.Unbounded,
		FlowMonitorEnabled:  false,
		BlockMonitorEnabled: false,
		MonitorMode:         MonitorDefault,
		MonitorInterval:     10 * time.Second,
	}
}

func (o Options) monitorInterval() time.Duration {
	if o.MonitorInterval <= 0 {
		return 10 * time.Second
	}
	return o.MonitorInterval
}
