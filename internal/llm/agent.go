// Package llm drives a model through a tool-use loop until it produces a
// final answer.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"go.opentelemetry.io/otel"

	"chbuild/internal/approval"
	"chbuild/internal/event"
	"chbuild/internal/metrics"
	"chbuild/internal/tools"
)

var tracer = otel.Tracer("chbuild/llm")

var (
	ErrModelCall    = errors.New("model call failed")
	ErrMaxTurns     = errors.New("model did not finish within the turn limit")
	ErrNoJSON       = errors.New("no JSON object in model output")
	ErrUnknownModel = errors.New("unknown provider")
	ErrInterrupted  = errors.New("agent interrupted")
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	DefaultMaxTurns  = 40
	DefaultMaxTokens = 8192

	toolStreamLimit = 2000
)

// Task is one agent job: a system prompt, a user prompt and the tools the
// model may call.
type Task struct {
	Name     string
	System   string
	Prompt   string
	Tools    *tools.Set
	Stream   *event.Stream
	MaxTurns int
	// Interrupted is polled before every model call and tool call. In-flight
	// calls are never aborted by it.
	Interrupted func() bool
}

// Result is the model's final answer.
type Result struct {
	Text  string
	Turns int
}

// Agent runs tasks against a model.
type Agent interface {
	Run(ctx context.Context, task Task) (*Result, error)
}

// Settings selects and configures a provider.
type Settings struct {
	Provider  string
	Model     string
	MaxTokens int
	APIKey    string
	BaseURL   string
	Logger    *slog.Logger
}

// New builds the agent for s.Provider.
func New(s Settings) (Agent, error) {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = DefaultMaxTokens
	}
	switch s.Provider {
	case "", ProviderAnthropic:
		return NewAnthropic(s), nil
	case ProviderOpenAI:
		return NewOpenAI(s), nil
	default:
		return nil, goerr.Wrap(ErrUnknownModel, "select provider", goerr.V("provider", s.Provider))
	}
}

func maxTurns(t Task) int {
	if t.MaxTurns > 0 {
		return t.MaxTurns
	}
	return DefaultMaxTurns
}

// checkpoint fails once the context is done or the task was interrupted.
func checkpoint(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return goerr.Wrap(err, "agent interrupted", goerr.V("task", task.Name))
	}
	if task.Interrupted != nil && task.Interrupted() {
		return goerr.Wrap(ErrInterrupted, "stop requested", goerr.V("task", task.Name))
	}
	return nil
}

func emit(s *event.Stream, t event.Type, msg string, p event.Payload) {
	if s == nil {
		return
	}
	_, _ = s.Emit(t, msg, p)
}

// runTool executes one tool call. Input mistakes the model can correct are
// returned as text with isErr set; any other failure ends the task.
func runTool(ctx context.Context, task Task, logger *slog.Logger, name string, input json.RawMessage) (out string, isErr bool, fatal error) {
	if err := checkpoint(ctx, task); err != nil {
		return "", true, err
	}
	emit(task.Stream, event.TypeToolStart, fmt.Sprintf("%s %s", name, compact(input)),
		event.ToolPayload{Tool: name, Input: compact(input)})

	tool, ok := task.Tools.Get(name)
	if !ok {
		metrics.ToolCalls.WithLabelValues(name, "unknown").Inc()
		return fmt.Sprintf("unknown tool %q", name), true, nil
	}

	out, err := tool.Run(ctx, input)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, approval.ErrCancelled) {
			metrics.ToolCalls.WithLabelValues(name, "cancelled").Inc()
			return "", true, goerr.Wrap(err, "tool interrupted", goerr.V("tool", name))
		}
		if !errors.Is(err, tools.ErrInvalidInput) && !errors.Is(err, tools.ErrOutsideRoot) {
			metrics.ToolCalls.WithLabelValues(name, "error").Inc()
			return "", true, goerr.Wrap(err, "tool failed", goerr.V("tool", name))
		}
		logger.Warn("tool rejected input", "tool", name, "error", err)
		metrics.ToolCalls.WithLabelValues(name, "invalid").Inc()
		out = "Error: " + err.Error()
		isErr = true
	} else {
		metrics.ToolCalls.WithLabelValues(name, "ok").Inc()
	}

	emit(task.Stream, event.TypeToolStream, "", event.StreamPayload{Source: name, Chunk: clip(out, toolStreamLimit)})
	return out, isErr, nil
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return clip(buf.String(), 200)
}

// clip cuts s to at most n bytes without splitting a UTF-8 sequence.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// ExtractJSON pulls the JSON object out of a model answer. A ```json fence
// wins; otherwise the outermost braces are used.
func ExtractJSON(text string) ([]byte, error) {
	if i := strings.Index(text, "```json"); i >= 0 {
		rest := text[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			body := strings.TrimSpace(rest[:j])
			if json.Valid([]byte(body)) {
				return []byte(body), nil
			}
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, goerr.Wrap(ErrNoJSON, "extract json", goerr.V("text", clip(text, 200)))
	}
	body := text[start : end+1]
	if !json.Valid([]byte(body)) {
		return nil, goerr.Wrap(ErrNoJSON, "extract json: invalid object", goerr.V("text", clip(text, 200)))
	}
	return []byte(body), nil
}
