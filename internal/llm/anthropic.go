package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chbuild/internal/event"
	"chbuild/internal/metrics"
	"chbuild/internal/tools"
)

const defaultAnthropicModel anthropic.Model = "claude-sonnet-4-5"

type messageClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Anthropic runs tasks on the Messages API.
type Anthropic struct {
	messages  messageClient
	model     anthropic.Model
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropic creates an agent using s.APIKey and, when set, s.BaseURL.
func NewAnthropic(s Settings) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(s.APIKey)}
	if s.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(s.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return newAnthropic(&client.Messages, s)
}

func newAnthropic(mc messageClient, s Settings) *Anthropic {
	model := anthropic.Model(s.Model)
	if model == "" {
		model = defaultAnthropicModel
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Anthropic{messages: mc, model: model, maxTokens: int64(maxTokens), logger: logger}
}

func anthropicTools(set *tools.Set) []anthropic.ToolUnionParam {
	var out []anthropic.ToolUnionParam
	for _, t := range set.List() {
		schema := t.Schema()
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name(),
				Description: anthropic.String(t.Description()),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema.Properties,
					Required:   schema.Required,
				},
			},
		})
	}
	return out
}

func (a *Anthropic) Run(ctx context.Context, task Task) (*Result, error) {
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(task.Prompt)),
	}
	toolParams := anthropicTools(task.Tools)
	limit := maxTurns(task)

	for turn := 1; turn <= limit; turn++ {
		params := anthropic.MessageNewParams{
			Model:     a.model,
			MaxTokens: a.maxTokens,
			Messages:  messages,
			Tools:     toolParams,
		}
		if task.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: task.System}}
		}

		if err := checkpoint(ctx, task); err != nil {
			return nil, err
		}
		msg, err := a.call(ctx, task, turn, params)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg.ToParam())

		var text []string
		var results []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch b := block.AsAny().(type) {
			case anthropic.TextBlock:
				if b.Text == "" {
					continue
				}
				text = append(text, b.Text)
				emit(task.Stream, event.TypeTextOutput, "", event.TextPayload{Text: b.Text})
			case anthropic.ToolUseBlock:
				out, isErr, err := runTool(ctx, task, a.logger, b.Name, b.Input)
				if err != nil {
					return nil, err
				}
				results = append(results, anthropic.NewToolResultBlock(b.ID, out, isErr))
			}
		}

		if len(results) == 0 || msg.StopReason != anthropic.StopReasonToolUse {
			return &Result{Text: strings.Join(text, "\n"), Turns: turn}, nil
		}
		messages = append(messages, anthropic.NewUserMessage(results...))
	}

	return nil, goerr.Wrap(ErrMaxTurns, "run agent", goerr.V("task", task.Name), goerr.V("turns", limit))
}

func (a *Anthropic) call(ctx context.Context, task Task, turn int, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	ctx, span := tracer.Start(ctx, "llm.call", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", ProviderAnthropic),
		attribute.String("llm.model", string(a.model)),
		attribute.String("llm.task", task.Name),
		attribute.Int("llm.turn", turn),
	)

	emit(task.Stream, event.TypeStreamingStart, fmt.Sprintf("%s: turn %d", task.Name, turn), nil)
	a.logger.Debug("model call", "provider", ProviderAnthropic, "task", task.Name, "turn", turn)

	msg, err := a.messages.New(ctx, params)
	if err != nil {
		metrics.LLMCalls.WithLabelValues(ProviderAnthropic, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, goerr.Wrap(ErrModelCall, "anthropic messages", goerr.V("task", task.Name), goerr.V("turn", turn), goerr.V("cause", err.Error()))
	}
	metrics.LLMCalls.WithLabelValues(ProviderAnthropic, "ok").Inc()
	span.SetAttributes(
		attribute.Int64("llm.input_tokens", msg.Usage.InputTokens),
		attribute.Int64("llm.output_tokens", msg.Usage.OutputTokens),
	)
	span.SetStatus(codes.Ok, "")
	return msg, nil
}
