package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chbuild/internal/approval"
	"chbuild/internal/event"
	"chbuild/internal/tools"
)

// echoTool returns its msg input, or err when set.
type echoTool struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "Echo a message" }
func (e *echoTool) Schema() tools.Schema {
	return tools.Schema{
		Properties: map[string]any{"msg": map[string]any{"type": "string"}},
		Required:   []string{"msg"},
	}
}

func (e *echoTool) Run(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}
	e.mu.Lock()
	e.calls = append(e.calls, in.Msg)
	e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	return "echo: " + in.Msg, nil
}

type fakeMessages struct {
	replies []string
	params  []anthropic.MessageNewParams
	err     error
}

func (f *fakeMessages) New(_ context.Context, params anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.replies) == 0 {
		return nil, errors.New("no scripted reply")
	}
	raw := f.replies[0]
	f.replies = f.replies[1:]
	var msg anthropic.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

const toolUseReply = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5",
 "content":[{"type":"text","text":"Checking."},{"type":"tool_use","id":"tu_1","name":"echo","input":{"msg":"hi"}}],
 "stop_reason":"tool_use","stop_sequence":null,"usage":{"input_tokens":10,"output_tokens":5}}`

const finalReply = `{"id":"msg_2","type":"message","role":"assistant","model":"claude-sonnet-4-5",
 "content":[{"type":"text","text":"Done: {\"tables\":[]}"}],
 "stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":20,"output_tokens":7}}`

func eventTypes(s *event.Stream) []event.Type {
	var out []event.Type
	for _, ev := range s.History() {
		out = append(out, ev.Type)
	}
	return out
}

func TestAnthropicToolLoop(t *testing.T) {
	fake := &fakeMessages{replies: []string{toolUseReply, finalReply}}
	agent := newAnthropic(fake, Settings{Model: "claude-test"})
	echo := &echoTool{}
	stream := event.NewStream()

	res, err := agent.Run(context.Background(), Task{
		Name:   "scan",
		System: "be brief",
		Prompt: "scan the repo",
		Tools:  tools.NewSet(echo),
		Stream: stream,
	})
	require.NoError(t, err)
	assert.Equal(t, "Done: {\"tables\":[]}", res.Text)
	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, []string{"hi"}, echo.calls)

	require.Len(t, fake.params, 2)
	first := fake.params[0]
	assert.Equal(t, anthropic.Model("claude-test"), first.Model)
	require.Len(t, first.System, 1)
	assert.Equal(t, "be brief", first.System[0].Text)
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "echo", first.Tools[0].OfTool.Name)

	second := fake.params[1]
	require.Len(t, second.Messages, 3)
	last := second.Messages[2]
	require.Len(t, last.Content, 1)
	require.NotNil(t, last.Content[0].OfToolResult)
	assert.Equal(t, "tu_1", last.Content[0].OfToolResult.ToolUseID)

	assert.Equal(t, []event.Type{
		event.TypeStreamingStart,
		event.TypeTextOutput,
		event.TypeToolStart,
		event.TypeToolStream,
		event.TypeStreamingStart,
		event.TypeTextOutput,
	}, eventTypes(stream))
}

func TestAnthropicInvalidInputGoesBackToModel(t *testing.T) {
	fake := &fakeMessages{replies: []string{toolUseReply, finalReply}}
	agent := newAnthropic(fake, Settings{})
	echo := &echoTool{err: goerr.Wrap(tools.ErrInvalidInput, "no such file")}

	res, err := agent.Run(context.Background(), Task{Prompt: "go", Tools: tools.NewSet(echo)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, defaultAnthropicModel, fake.params[0].Model)

	result := fake.params[1].Messages[2].Content[0].OfToolResult
	require.NotNil(t, result)
	assert.True(t, result.IsError.Value)
}

func TestAnthropicToolFailureEndsTask(t *testing.T) {
	fake := &fakeMessages{replies: []string{toolUseReply, finalReply}}
	agent := newAnthropic(fake, Settings{})
	echo := &echoTool{err: goerr.Wrap(tools.ErrToolExecution, "disk full")}

	_, err := agent.Run(context.Background(), Task{Prompt: "go", Tools: tools.NewSet(echo)})
	assert.ErrorIs(t, err, tools.ErrToolExecution)
	assert.Len(t, fake.params, 1)
}

func TestAnthropicCancelledApprovalStops(t *testing.T) {
	fake := &fakeMessages{replies: []string{toolUseReply, finalReply}}
	agent := newAnthropic(fake, Settings{})
	echo := &echoTool{err: approval.ErrCancelled}

	_, err := agent.Run(context.Background(), Task{Prompt: "go", Tools: tools.NewSet(echo)})
	require.Error(t, err)
	assert.ErrorIs(t, err, approval.ErrCancelled)
	assert.Len(t, fake.params, 1)
}

func TestAnthropicStopsBeforeNextStepWhenInterrupted(t *testing.T) {
	fake := &fakeMessages{replies: []string{toolUseReply, finalReply}}
	agent := newAnthropic(fake, Settings{})
	echo := &echoTool{}
	stop := func() bool { return len(echo.calls) > 0 }

	_, err := agent.Run(context.Background(), Task{Prompt: "go", Tools: tools.NewSet(echo), Interrupted: stop})
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, []string{"hi"}, echo.calls)
	assert.Len(t, fake.params, 1)
}

func TestAnthropicInterruptedBeforeFirstCall(t *testing.T) {
	fake := &fakeMessages{replies: []string{finalReply}}
	agent := newAnthropic(fake, Settings{})

	_, err := agent.Run(context.Background(), Task{Prompt: "go", Interrupted: func() bool { return true }})
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Empty(t, fake.params)
}

func TestAnthropicMaxTurns(t *testing.T) {
	fake := &fakeMessages{replies: []string{toolUseReply, toolUseReply, toolUseReply}}
	agent := newAnthropic(fake, Settings{})

	_, err := agent.Run(context.Background(), Task{Prompt: "go", Tools: tools.NewSet(&echoTool{}), MaxTurns: 2})
	assert.ErrorIs(t, err, ErrMaxTurns)
}

func TestAnthropicCallError(t *testing.T) {
	fake := &fakeMessages{err: errors.New("overloaded")}
	agent := newAnthropic(fake, Settings{})

	_, err := agent.Run(context.Background(), Task{Prompt: "go"})
	assert.ErrorIs(t, err, ErrModelCall)
}

type fakeChat struct {
	replies []openai.ChatCompletionResponse
	reqs    []openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.reqs = append(f.reqs, req)
	if len(f.replies) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("no scripted reply")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func TestOpenAIToolLoop(t *testing.T) {
	fake := &fakeChat{replies: []openai.ChatCompletionResponse{
		{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{{
				ID:       "call_1",
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: "echo", Arguments: `{"msg":"yo"}`},
			}},
		}}}},
		{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: "all done",
		}}}},
	}}
	agent := newOpenAI(fake, Settings{})
	echo := &echoTool{}

	res, err := agent.Run(context.Background(), Task{System: "sys", Prompt: "go", Tools: tools.NewSet(echo)})
	require.NoError(t, err)
	assert.Equal(t, "all done", res.Text)
	assert.Equal(t, []string{"yo"}, echo.calls)

	require.Len(t, fake.reqs, 2)
	assert.Equal(t, defaultOpenAIModel, fake.reqs[0].Model)
	msgs := fake.reqs[1].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, openai.ChatMessageRoleTool, msgs[3].Role)
	assert.Equal(t, "call_1", msgs[3].ToolCallID)
	assert.Equal(t, "echo: yo", msgs[3].Content)
}

func TestOpenAIEmptyCompletion(t *testing.T) {
	fake := &fakeChat{replies: []openai.ChatCompletionResponse{{}}}
	_, err := newOpenAI(fake, Settings{}).Run(context.Background(), Task{Prompt: "go"})
	assert.ErrorIs(t, err, ErrModelCall)
}

func TestOpenAISkipsToolsWhenInterrupted(t *testing.T) {
	calls := []openai.ToolCall{
		{ID: "c1", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "echo", Arguments: `{"msg":"one"}`}},
		{ID: "c2", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "echo", Arguments: `{"msg":"two"}`}},
	}
	fake := &fakeChat{replies: []openai.ChatCompletionResponse{
		{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, ToolCalls: calls}}}},
	}}
	echo := &echoTool{}
	stop := func() bool { return len(echo.calls) > 0 }

	_, err := newOpenAI(fake, Settings{}).Run(context.Background(), Task{Prompt: "go", Tools: tools.NewSet(echo), Interrupted: stop})
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, []string{"one"}, echo.calls)
	assert.Len(t, fake.reqs, 1)
}

func TestClipKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "ab...", clip("abcdef", 2))
	// "é" is two bytes; cutting at 2 would split it.
	got := clip("aéb", 2)
	assert.Equal(t, "a...", got)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, utf8.ValidString(clip("日本語テキスト", 4)))
}

func TestNewSelectsProvider(t *testing.T) {
	a, err := New(Settings{Provider: ProviderAnthropic, APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &Anthropic{}, a)

	a, err = New(Settings{Provider: ProviderOpenAI, APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, a)

	_, err = New(Settings{Provider: "gemini"})
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		err  bool
	}{
		{name: "fenced", in: "Here:\n```json\n{\"a\":1}\n```\nbye", want: `{"a":1}`},
		{name: "bare", in: `The result is {"a":{"b":2}} as requested.`, want: `{"a":{"b":2}}`},
		{name: "none", in: "no json here", err: true},
		{name: "broken", in: "{not json}", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, ErrNoJSON)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}
