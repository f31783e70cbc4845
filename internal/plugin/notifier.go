// Package plugin delivers lifecycle events to external plugin processes.
//
// Each plugin is a shell command. For every event the notifier spawns each
// plugin, writes the event as one JSON line to its stdin, closes stdin and
// waits for it to exit. Plugin failures never affect the run.
package plugin

import (
	"bytes"
	"context"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"wmonorepo/internal/events"
	"wmonorepo/internal/logging"
)

// Notifier is an events.Sink that fans events out to plugin commands.
type Notifier struct {
	commands []string
	dir      string
	logger   *zap.Logger

	// mu serializes deliveries so plugins observe events in emission order.
	mu sync.Mutex
}

var _ events.Sink = (*Notifier)(nil)

// NewNotifier returns a notifier for the given plugin commands, run from dir.
func NewNotifier(commands []string, dir string, logger *zap.Logger) *Notifier {
	return &Notifier{
		commands: append([]string(nil), commands...),
		dir:      dir,
		logger:   logging.OrNop(logger),
	}
}

// Enabled reports whether any plugin is configured.
func (n *Notifier) Enabled() bool { return n != nil && len(n.commands) > 0 }

// Emit delivers e to every plugin. It is a no-op with no plugins.
func (n *Notifier) Emit(ctx context.Context, e events.Event) {
	if !n.Enabled() {
		return
	}
	line, err := e.Line()
	if err != nil {
		n.logger.Warn("plugin event not encodable", zap.String("type", string(e.Type)), zap.Error(err))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, command := range n.commands {
		n.deliver(ctx, command, line, e)
	}
}

func (n *Notifier) deliver(ctx context.Context, command string, line []byte, e events.Event) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = n.dir
	cmd.Stdin = bytes.NewReader(line)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		n.logger.Warn("plugin failed",
			zap.String("plugin", command),
			zap.String("event", string(e.Type)),
			zap.String("node", e.NodeID()),
			zap.String("stderr", stderr.String()),
			zap.Error(err))
	}
}
