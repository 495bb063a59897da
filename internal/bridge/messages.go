package bridge

import (
	"chbuild/internal/approval"
	"chbuild/internal/event"
)

// incoming is a message from a websocket client.
type incoming struct {
	Type       string `json:"type"`                  // approval_response, stage_response, answer, cancel, ping
	RequestID  string `json:"request_id,omitempty"`  // for approval_response
	QuestionID string `json:"question_id,omitempty"` // for stage_response and answer
	Response   string `json:"response,omitempty"`    // yes, no, all; run or skip for stage_response
	Answer     string `json:"answer,omitempty"`      // free text for answer
}

// outgoing is a message sent to websocket clients.
type outgoing struct {
	Type     string             `json:"type"` // event, approval_request, question, status, error, pong
	Event    *event.Event       `json:"event,omitempty"`
	Request  *approval.Request  `json:"request,omitempty"`
	Question *approval.Question `json:"question,omitempty"`
	Running  *bool              `json:"running,omitempty"`
	Message  string             `json:"message,omitempty"`
}

const (
	msgApprovalResponse = "approval_response"
	msgStageResponse    = "stage_response"
	msgAnswer           = "answer"
	msgCancel           = "cancel"
	msgPing             = "ping"

	msgEvent           = "event"
	msgApprovalRequest = "approval_request"
	msgQuestion        = "question"
	msgStatus          = "status"
	msgError           = "error"
	msgPong            = "pong"
)
