// Package alert delivers operator alerts for internal gateway failures.
package alert

import (
	"context"
	"log/slog"
	"time"
)

// Alert describes one internal failure. Cause carries the full detail that
// callers never see.
type Alert struct {
	Capability string
	RequestID  string
	Message    string
	Cause      string
	Time       time.Time
}

// Notifier receives alerts. Notify must not block the request path.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// Log writes alerts to a logger at Error level.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, a Alert) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("operator alert",
		"capability", a.Capability,
		"request_id", a.RequestID,
		"message", a.Message,
		"cause", a.Cause,
	)
}

// Multi fans an alert out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, a)
		}
	}
}
