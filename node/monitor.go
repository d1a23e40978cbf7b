package node

import (
	"log/slog"
	"time"
)

// monitorLoop periodically logs this node's buffer status until it
// completes.
func (n *Node) monitorLoop() {
	ticker := time.NewTicker(n.opts.monitorInterval())
	defer ticker.Stop()
	for {
		select {
		case <-n.completion.Done():
			return
		case <-ticker.C:
			n.emitMonitorTick()
		}
	}
}

func (n *Node) emitMonitorTick() {
	verbose := n.opts.MonitorMode == MonitorVerbose

	if n.opts.FlowMonitorEnabled {
		in, out := n.BufferStatus()
		if verbose || in != 0 || out != 0 {
			slog.Debug("flow buffer status",
				slog.String("node", n.FullName()),
				slog.Int("in", in),
				slog.Int("out", out),
			)
		}
	}

	if n.opts.BlockMonitorEnabled {
		n.mu.Lock()
		regs := append([]registration(nil), n.children...)
		n.mu.Unlock()
		for _, r := range regs {
			in, out := r.dep.BufferStatus()
			if verbose || in != 0 || out != 0 {
				slog.Debug("block buffer status",
					slog.String("node", n.FullName()),
					slog.String("block", r.displayName),
					slog.Int("in", in),
					slog.Int("out", out),
				)
			}
		}
	}
}
