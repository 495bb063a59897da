package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chbuild/internal/event"
	"chbuild/internal/metrics"
	"chbuild/internal/tools"
)

const defaultOpenAIModel = openai.GPT4o

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI runs tasks on the chat completions API.
type OpenAI struct {
	chat      chatClient
	model     string
	maxTokens int
	logger    *slog.Logger
}

// NewOpenAI creates an agent using s.APIKey and, when set, s.BaseURL.
func NewOpenAI(s Settings) *OpenAI {
	cfg := openai.DefaultConfig(s.APIKey)
	if s.BaseURL != "" {
		cfg.BaseURL = s.BaseURL
	}
	return newOpenAI(openai.NewClientWithConfig(cfg), s)
}

func newOpenAI(c chatClient, s Settings) *OpenAI {
	model := s.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &OpenAI{chat: c, model: model, maxTokens: maxTokens, logger: logger}
}

func openaiTools(set *tools.Set) []openai.Tool {
	var out []openai.Tool
	for _, t := range set.List() {
		schema := t.Schema()
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters: map[string]any{
					"type":       "object",
					"properties": schema.Properties,
					"required":   schema.Required,
				},
			},
		})
	}
	return out
}

func (o *OpenAI) Run(ctx context.Context, task Task) (*Result, error) {
	var messages []openai.ChatCompletionMessage
	if task.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: task.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: task.Prompt})
	toolDefs := openaiTools(task.Tools)
	limit := maxTurns(task)

	for turn := 1; turn <= limit; turn++ {
		req := openai.ChatCompletionRequest{
			Model:     o.model,
			MaxTokens: o.maxTokens,
			Messages:  messages,
			Tools:     toolDefs,
		}
		if err := checkpoint(ctx, task); err != nil {
			return nil, err
		}
		resp, err := o.call(ctx, task, turn, req)
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, goerr.Wrap(ErrModelCall, "empty completion", goerr.V("task", task.Name), goerr.V("turn", turn))
		}

		reply := resp.Choices[0].Message
		messages = append(messages, reply)
		if reply.Content != "" {
			emit(task.Stream, event.TypeTextOutput, "", event.TextPayload{Text: reply.Content})
		}
		if len(reply.ToolCalls) == 0 {
			return &Result{Text: reply.Content, Turns: turn}, nil
		}

		for _, call := range reply.ToolCalls {
			out, _, err := runTool(ctx, task, o.logger, call.Function.Name, json.RawMessage(call.Function.Arguments))
			if err != nil {
				return nil, err
			}
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    out,
				ToolCallID: call.ID,
			})
		}
	}

	return nil, goerr.Wrap(ErrMaxTurns, "run agent", goerr.V("task", task.Name), goerr.V("turns", limit))
}

func (o *OpenAI) call(ctx context.Context, task Task, turn int, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	ctx, span := tracer.Start(ctx, "llm.call", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", ProviderOpenAI),
		attribute.String("llm.model", o.model),
		attribute.String("llm.task", task.Name),
		attribute.Int("llm.turn", turn),
	)

	emit(task.Stream, event.TypeStreamingStart, fmt.Sprintf("%s: turn %d", task.Name, turn), nil)
	o.logger.Debug("model call", "provider", ProviderOpenAI, "task", task.Name, "turn", turn)

	resp, err := o.chat.CreateChatCompletion(ctx, req)
	if err != nil {
		metrics.LLMCalls.WithLabelValues(ProviderOpenAI, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, goerr.Wrap(ErrModelCall, "openai chat completion", goerr.V("task", task.Name), goerr.V("turn", turn), goerr.V("cause", err.Error()))
	}
	metrics.LLMCalls.WithLabelValues(ProviderOpenAI, "ok").Inc()
	span.SetAttributes(
		attribute.Int("llm.input_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.output_tokens", resp.Usage.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "")
	return resp, nil
}
