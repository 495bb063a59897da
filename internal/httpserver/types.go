package httpserver

import (
	"chbuild/internal/approval"
	"chbuild/internal/workflow"
)

// RunRequest is the body of POST /runs.
type RunRequest struct {
	Stages      []string `json:"stages,omitempty"`       // subset to run, in run order
	AutoApprove bool     `json:"auto_approve,omitempty"` // approve every change without asking
	Mode        string   `json:"mode,omitempty"`         // ClickPipe replication mode
	Interactive bool     `json:"interactive,omitempty"`  // ask bridge clients before each stage
}

// RunStartedResponse is returned when a run is accepted.
type RunStartedResponse struct {
	Status string           `json:"status"`
	Stages []workflow.Stage `json:"stages"`
}

// CurrentRunResponse describes the active or most recent run.
type CurrentRunResponse struct {
	Running bool              `json:"running"`
	Stages  []workflow.Stage  `json:"stages"`
	Outcome *workflow.Outcome `json:"outcome,omitempty"`
}

// RunListResponse lists persisted run records, newest first.
type RunListResponse struct {
	Runs []*workflow.RunRecord `json:"runs"`
}

// ApprovalListResponse lists pending approvals, oldest first.
type ApprovalListResponse struct {
	Approvals []approval.Request `json:"approvals"`
}

// ApprovalResponseRequest answers an approval: yes, no or all.
type ApprovalResponseRequest struct {
	Response string `json:"response"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Running bool   `json:"running"`
	Clients int    `json:"clients"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}
