package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chbuild/internal/approval"
	"chbuild/internal/artifact"
	"chbuild/internal/event"
)

// Status is the lifecycle state of a stage. completed, failed and skipped
// are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Stage is the observable state of one step in a run. Only the sequencer
// mutates it.
type Stage struct {
	Name       string     `json:"name"`
	Label      string     `json:"label"`
	Index      int        `json:"index"`
	Status     Status     `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Result is what a stage hands back on success. Output is made available to
// later stages through RunContext.Output.
type Result struct {
	Detail string
	Output any
}

// StageFunc does the work of a stage.
type StageFunc func(ctx context.Context, rc *RunContext) (Result, error)

// StageDef binds a stage name to its implementation.
type StageDef struct {
	Name  string
	Label string
	Run   StageFunc
}

// RunContext is the per-run state shared by all stages of one run.
type RunContext struct {
	RunID     string
	RepoPath  string
	Stream    *event.Stream
	Gate      *approval.Gate
	Artifacts *artifact.Store
	Logger    *slog.Logger

	mu        sync.Mutex
	outputs   map[string]any
	last      string
	cancelled func() bool
}

// NewRunContext builds a context for one run of repoPath.
func NewRunContext(runID, repoPath string, stream *event.Stream, gate *approval.Gate, logger *slog.Logger) *RunContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunContext{
		RunID:     runID,
		RepoPath:  repoPath,
		Stream:    stream,
		Gate:      gate,
		Artifacts: artifact.NewStore(repoPath),
		Logger:    logger,
		outputs:   make(map[string]any),
	}
}

// Output returns what an earlier stage of this run produced.
func (rc *RunContext) Output(stage string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.outputs[stage]
	return v, ok
}

// SetOutput records a stage's output.
func (rc *RunContext) SetOutput(stage string, v any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.outputs[stage] = v
	rc.last = stage
}

// Previous returns the name and output of the most recently completed stage.
func (rc *RunContext) Previous() (string, any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.last == "" {
		return "", nil, false
	}
	return rc.last, rc.outputs[rc.last], true
}

// Cancelled reports whether the run was asked to stop. Stages doing several
// model or tool steps check it between steps.
func (rc *RunContext) Cancelled() bool {
	return rc.cancelled != nil && rc.cancelled()
}

// Emit publishes on the run's stream, if any.
func (rc *RunContext) Emit(t event.Type, message string, p event.Payload) {
	if rc.Stream == nil {
		return
	}
	_, _ = rc.Stream.Emit(t, message, p)
}

// OutcomeKind is how a run ended.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeFailure   OutcomeKind = "failure"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome summarizes a finished run.
type Outcome struct {
	RunID    string      `json:"runId"`
	Kind     OutcomeKind `json:"outcome"`
	Summary  string      `json:"summary"`
	Stages   []Stage     `json:"stages"`
	Warnings []string    `json:"warnings,omitempty"`
	Err      error       `json:"-"`
}

// ExitCode maps the outcome to a process exit status.
func (o Outcome) ExitCode() int {
	switch o.Kind {
	case OutcomeSuccess:
		return 0
	case OutcomeCancelled:
		return 130
	default:
		return 1
	}
}
