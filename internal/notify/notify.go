// Package notify delivers operator-facing notices such as cache fallback
// transitions.
package notify

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/memclaw/internal/bus"
	"github.com/nextlevelbuilder/memclaw/pkg/protocol"
)

// Notifier delivers one notice at a level (info, success, error).
type Notifier interface {
	Notify(ctx context.Context, level, message string)
}

// Log writes notices to slog.
type Log struct{}

func (Log) Notify(_ context.Context, level, message string) {
	switch level {
	case protocol.LevelError:
		slog.Error("system notice", "message", message)
	default:
		slog.Info("system notice", "level", level, "message", message)
	}
}

// Group broadcasts notices as system_message to a bus group.
// Failures are logged; a notice is never worth failing an operation.
type Group struct {
	Bus   bus.Bus
	Group string
}

func (g Group) Notify(ctx context.Context, level, message string) {
	msg := protocol.SystemMessage{Message: message, Level: level}
	if err := bus.Send(ctx, g.Bus, g.Group, msg, ""); err != nil {
		slog.Warn("notify: broadcast failed", "group", g.Group, "error", err)
	}
}

// Multi fans a notice out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, level, message string) {
	for _, n := range m {
		n.Notify(ctx, level, message)
	}
}
