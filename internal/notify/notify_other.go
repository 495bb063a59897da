//go:build !darwin && !linux && !windows

package notify

import (
	"context"
	"log/slog"
)

// noopNotifier is a no-op for unsupported platforms.
type noopNotifier struct{}

func newPlatformNotifier(*slog.Logger) Notifier {
	return &noopNotifier{}
}

func (n *noopNotifier) Send(context.Context, Notification) error { return nil }
func (n *noopNotifier) Name() string                             { return "noop" }
