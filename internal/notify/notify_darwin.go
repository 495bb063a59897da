//go:build darwin

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
)

type darwinNotifier struct {
	logger *slog.Logger
}

func newPlatformNotifier(logger *slog.Logger) Notifier {
	return &darwinNotifier{logger: logger}
}

func (d *darwinNotifier) Send(ctx context.Context, n Notification) error {
	script := fmt.Sprintf(`display notification %q with title %q`, n.Message, n.Title)
	if n.Sound {
		script += ` sound name "default"`
	}
	return exec.CommandContext(ctx, "osascript", "-e", script).Run()
}

func (d *darwinNotifier) Name() string { return "darwin" }
