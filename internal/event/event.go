// Package event defines the closed set of progress notifications a run emits
// and the ordered stream that carries them to UIs.
package event

import (
	"encoding/json"
	"time"
)

// Type is the kind of an event. The set is closed; anything a producer sends
// outside it is carried as TypeRaw.
type Type string

const (
	TypeSetupStart        Type = "setup_start"
	TypeAgentStart        Type = "agent_start"
	TypeStreamingStart    Type = "streaming_start"
	TypeToolStart         Type = "tool_start"
	TypeToolStream        Type = "tool_stream"
	TypeTextOutput        Type = "text_output"
	TypeMessageCreated    Type = "message_created"
	TypeCycleComplete     Type = "cycle_complete"
	TypeFinalResult       Type = "final_result"
	TypeExecutionComplete Type = "execution_complete"
	TypeError             Type = "error"
	TypeCancelled         Type = "cancelled"
	TypeRaw               Type = "raw_event"
)

var knownTypes = map[Type]struct{}{
	TypeSetupStart:        {},
	TypeAgentStart:        {},
	TypeStreamingStart:    {},
	TypeToolStart:         {},
	TypeToolStream:        {},
	TypeTextOutput:        {},
	TypeMessageCreated:    {},
	TypeCycleComplete:     {},
	TypeFinalResult:       {},
	TypeExecutionComplete: {},
	TypeError:             {},
	TypeCancelled:         {},
	TypeRaw:               {},
}

// ParseType maps a wire name to a Type. Unknown names become TypeRaw.
func ParseType(s string) Type {
	t := Type(s)
	if _, ok := knownTypes[t]; ok {
		return t
	}
	return TypeRaw
}

// Known reports whether t is one of the defined types.
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Event is an immutable progress notification.
type Event struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Type    Type      `json:"type"`
	Message string    `json:"message,omitempty"`
	Payload Payload   `json:"payload,omitempty"`
}

// Payload is the typed body of an event. Only types in this package
// implement it.
type Payload interface {
	payload()
}

// StagePayload describes a stage transition.
type StagePayload struct {
	Stage  string `json:"stage"`
	Index  int    `json:"index"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ToolPayload describes a tool invocation by the model.
type ToolPayload struct {
	Tool  string `json:"tool"`
	Input string `json:"input,omitempty"`
}

// StreamPayload carries incremental tool or model output.
type StreamPayload struct {
	Source string `json:"source"`
	Chunk  string `json:"chunk"`
}

// TextPayload carries model prose.
type TextPayload struct {
	Text string `json:"text"`
}

// ApprovalPayload announces an approval request or an automatic approval.
type ApprovalPayload struct {
	RequestID string `json:"request_id,omitempty"`
	Path      string `json:"path"`
	Kind      string `json:"kind"`
	Preview   string `json:"preview,omitempty"`
	Auto      bool   `json:"auto,omitempty"`
}

// QuestionPayload asks the user something that is not a file change, such
// as whether to run the next stage. Choices is empty for a free-text answer.
type QuestionPayload struct {
	QuestionID string   `json:"question_id"`
	Prompt     string   `json:"prompt"`
	Choices    []string `json:"choices,omitempty"`
}

// ResultPayload closes a run.
type ResultPayload struct {
	Outcome string `json:"outcome"`
	Summary string `json:"summary,omitempty"`
}

// ErrorPayload reports a failure.
type ErrorPayload struct {
	Stage string `json:"stage,omitempty"`
	Error string `json:"error"`
}

// RawPayload keeps an event the vocabulary does not know about.
type RawPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (StagePayload) payload()    {}
func (ToolPayload) payload()     {}
func (StreamPayload) payload()   {}
func (TextPayload) payload()     {}
func (ApprovalPayload) payload() {}
func (QuestionPayload) payload() {}
func (ResultPayload) payload()   {}
func (ErrorPayload) payload()    {}
func (RawPayload) payload()      {}
