//go:build linux

package notify

import (
	"context"
	"log/slog"
	"os/exec"
)

type linuxNotifier struct {
	logger *slog.Logger
}

func newPlatformNotifier(logger *slog.Logger) Notifier {
	return &linuxNotifier{logger: logger}
}

func (l *linuxNotifier) Send(ctx context.Context, n Notification) error {
	path, err := exec.LookPath("notify-send")
	if err != nil {
		l.logger.Debug("notify-send not found, skipping desktop notification")
		return nil
	}

	args := []string{"--app-name=chbuild", n.Title, n.Message}
	if n.Sound {
		args = append(args, "--hint=string:sound-name:message-new-instant")
	}
	return exec.CommandContext(ctx, path, args...).Run()
}

func (l *linuxNotifier) Name() string { return "linux" }
