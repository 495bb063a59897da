//go:build windows

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
)

type windowsNotifier struct {
	logger *slog.Logger
}

func newPlatformNotifier(logger *slog.Logger) Notifier {
	return &windowsNotifier{logger: logger}
}

func (w *windowsNotifier) Send(ctx context.Context, n Notification) error {
	// Toast through the WinRT APIs PowerShell exposes on Windows 10+.
	script := fmt.Sprintf(`
[Windows.UI.Notifications.ToastNotificationManager, Windows.UI.Notifications, ContentType = WindowsRuntime] > $null
$template = [Windows.UI.Notifications.ToastNotificationManager]::GetTemplateContent([Windows.UI.Notifications.ToastTemplateType]::ToastText02)
$textNodes = $template.GetElementsByTagName("text")
$textNodes.Item(0).AppendChild($template.CreateTextNode(%q)) > $null
$textNodes.Item(1).AppendChild($template.CreateTextNode(%q)) > $null
$toast = [Windows.UI.Notifications.ToastNotification]::new($template)
[Windows.UI.Notifications.ToastNotificationManager]::CreateToastNotifier("chbuild").Show($toast)
`, n.Title, n.Message)

	cmd := exec.CommandContext(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", script)
	if err := cmd.Run(); err != nil {
		w.logger.Debug("windows toast failed, skipping", "error", err)
	}
	return nil
}

func (w *windowsNotifier) Name() string { return "windows" }
