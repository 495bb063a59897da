package notify

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

const hookTimeout = 30 * time.Second

// HookPayload is the JSON structure passed to hook scripts via stdin.
type HookPayload struct {
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Repo      string `json:"repo"`
	Path      string `json:"path,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Timestamp string `json:"timestamp"`
}

// HookRunner executes a shell hook script with a JSON payload on stdin.
type HookRunner struct {
	ScriptPath string
}

// NewHookRunner creates a HookRunner for the given script path.
func NewHookRunner(scriptPath string) *HookRunner {
	return &HookRunner{ScriptPath: scriptPath}
}

// Send runs the hook for n.
func (h *HookRunner) Send(ctx context.Context, n Notification) error {
	ts := n.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return h.Execute(ctx, HookPayload{
		Kind:      string(n.Kind),
		Title:     n.Title,
		Message:   n.Message,
		Repo:      n.Repo,
		Path:      n.Path,
		Outcome:   n.Outcome,
		Timestamp: ts.UTC().Format(time.RFC3339),
	})
}

// Name returns the name of this notifier.
func (h *HookRunner) Name() string { return "hook" }

// Execute runs the hook script with a 30-second timeout.
// The JSON-encoded payload is passed via stdin.
func (h *HookRunner) Execute(ctx context.Context, payload HookPayload) error {
	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.ScriptPath)

	data, err := json.Marshal(payload)
	if err != nil {
		return goerr.Wrap(err, "encode hook payload")
	}
	cmd.Stdin = strings.NewReader(string(data))

	output, err := cmd.CombinedOutput()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return goerr.New("hook timed out", goerr.V("script", h.ScriptPath), goerr.V("timeout", hookTimeout))
	}
	if err != nil {
		return goerr.Wrap(err, "hook execution failed", goerr.V("script", h.ScriptPath), goerr.V("output", string(output)))
	}
	return nil
}
