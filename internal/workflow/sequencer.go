// Package workflow runs a fixed, ordered list of stages against a
// repository, one at a time, stopping at the first failure.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"chbuild/internal/approval"
	"chbuild/internal/event"
	"chbuild/internal/metrics"
)

var tracer = otel.Tracer("chbuild/workflow")

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Sequencer executes stages in order. Cancel is sticky: once called, the
// current or next Run stops at its first stage boundary. Call Reset to reuse
// a sequencer after a run.
type Sequencer struct {
	defs      []StageDef
	confirmer Confirmer
	stream    *event.Stream
	gate      *approval.Gate
	logger    *slog.Logger
	persist   bool

	cancelled atomic.Bool
	mu        sync.Mutex
	stages    []Stage
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithConfirmer asks before every stage. Without one, every stage runs.
func WithConfirmer(c Confirmer) Option {
	return func(s *Sequencer) { s.confirmer = c }
}

// WithStream publishes stage transitions on st.
func WithStream(st *event.Stream) Option {
	return func(s *Sequencer) { s.stream = st }
}

// WithGate hands g to stages through the run context.
func WithGate(g *approval.Gate) Option {
	return func(s *Sequencer) { s.gate = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) { s.logger = l }
}

// WithoutRunRecords disables writing .chbuild/runs/<id>.json.
func WithoutRunRecords() Option {
	return func(s *Sequencer) { s.persist = false }
}

// New creates a sequencer for defs, which run in slice order.
func New(defs []StageDef, opts ...Option) *Sequencer {
	s := &Sequencer{
		defs:    defs,
		logger:  slog.Default(),
		persist: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gate == nil {
		s.gate = approval.New(approval.WithStream(s.stream), approval.WithLogger(s.logger))
	}
	s.Reset()
	return s
}

// Reset clears the cancel flag, stage states and gate state left by an
// earlier run.
func (s *Sequencer) Reset() {
	s.cancelled.Store(false)
	s.gate.Reset()
	s.mu.Lock()
	s.stages = initialStages(s.defs)
	s.mu.Unlock()
}

func initialStages(defs []StageDef) []Stage {
	stages := make([]Stage, len(defs))
	for i, d := range defs {
		label := d.Label
		if label == "" {
			label = d.Name
		}
		stages[i] = Stage{Name: d.Name, Label: label, Index: i, Status: StatusPending}
	}
	return stages
}

// Cancel stops the run at the next stage boundary. A stage already running
// is not interrupted, but any approval it is waiting on returns cancelled.
func (s *Sequencer) Cancel() {
	s.cancelled.Store(true)
	s.gate.Cancel()
}

// Cancelled reports whether Cancel was called since the last Reset.
func (s *Sequencer) Cancelled() bool { return s.cancelled.Load() }

// Stages returns a snapshot of stage states.
func (s *Sequencer) Stages() []Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stage, len(s.stages))
	copy(out, s.stages)
	return out
}

// Gate returns the approval gate stages of this sequencer use.
func (s *Sequencer) Gate() *approval.Gate { return s.gate }

// Run executes every stage against repoPath. A Cancel issued before Run
// leaves every stage pending.
func (s *Sequencer) Run(ctx context.Context, repoPath string) Outcome {
	runID := uuid.NewString()
	logger := s.logger.With("run", runID)
	rc := NewRunContext(runID, repoPath, s.stream, s.gate, logger)
	rc.cancelled = s.cancelled.Load

	record := &RunRecord{
		ID:        runID,
		Repo:      repoPath,
		Status:    "running",
		StartedAt: time.Now().UTC().Format(timeLayout),
	}
	s.save(record, logger)

	rc.Emit(event.TypeSetupStart, fmt.Sprintf("Starting %d stages in %s", len(s.defs), repoPath), nil)
	logger.Info("run started", "repo", repoPath, "stages", len(s.defs))

	for i, def := range s.defs {
		if s.interrupted(ctx) {
			return s.finishCancelled(rc, record, logger)
		}

		stage := s.stageAt(i)
		if s.confirmer != nil {
			ok, err := s.confirmer.Confirm(ctx, stage)
			if err != nil {
				if s.interrupted(ctx) {
					return s.finishCancelled(rc, record, logger)
				}
				err = goerr.Wrap(err, "confirm stage", goerr.V("stage", def.Name))
				s.transition(i, StatusFailed, err.Error())
				return s.finishFailed(rc, record, logger, def.Name, err)
			}
			if !ok {
				s.transition(i, StatusSkipped, "skipped by user")
				metrics.RecordStage(def.Name, string(StatusSkipped), 0)
				rc.Emit(event.TypeCycleComplete, stage.Label+" skipped", s.stagePayload(i))
				s.save(record, logger)
				continue
			}
		}

		s.transition(i, StatusRunning, "")
		rc.Emit(event.TypeAgentStart, stage.Label, s.stagePayload(i))
		s.save(record, logger)
		logger.Info("stage started", "stage", def.Name)

		res, err := s.runStage(ctx, def, rc)
		if err != nil {
			if s.interrupted(ctx) {
				s.transition(i, StatusFailed, "cancelled")
				return s.finishCancelled(rc, record, logger)
			}
			s.transition(i, StatusFailed, err.Error())
			return s.finishFailed(rc, record, logger, def.Name, err)
		}

		rc.SetOutput(def.Name, res.Output)
		s.transition(i, StatusCompleted, res.Detail)
		rc.Emit(event.TypeCycleComplete, stage.Label+" completed", s.stagePayload(i))
		s.save(record, logger)
		logger.Info("stage completed", "stage", def.Name, "detail", res.Detail)
	}

	return s.finishSuccess(rc, record, logger)
}

func (s *Sequencer) runStage(ctx context.Context, def StageDef, rc *RunContext) (Result, error) {
	ctx, span := tracer.Start(ctx, "stage."+def.Name)
	defer span.End()
	span.SetAttributes(attribute.String("run.id", rc.RunID), attribute.String("repo", rc.RepoPath))

	started := time.Now()
	res, err := def.Run(ctx, rc)
	elapsed := time.Since(started)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordStage(def.Name, string(StatusFailed), elapsed)
		return Result{}, err
	}
	span.SetStatus(codes.Ok, "completed")
	metrics.RecordStage(def.Name, string(StatusCompleted), elapsed)
	return res, nil
}

func (s *Sequencer) interrupted(ctx context.Context) bool {
	return s.cancelled.Load() || ctx.Err() != nil
}

func (s *Sequencer) stageAt(i int) Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stages[i]
}

func (s *Sequencer) stagePayload(i int) event.StagePayload {
	st := s.stageAt(i)
	return event.StagePayload{Stage: st.Name, Index: st.Index, Status: string(st.Status), Detail: st.Detail}
}

// transition moves stage i to status. Terminal states are never left.
func (s *Sequencer) transition(i int, status Status, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.stages[i]
	if st.Status.Terminal() {
		return
	}
	now := time.Now()
	switch {
	case status == StatusRunning:
		st.StartedAt = &now
	case status.Terminal():
		st.FinishedAt = &now
	}
	st.Status = status
	st.Detail = detail
}

func (s *Sequencer) summary() string {
	counts := map[Status]int{}
	for _, st := range s.Stages() {
		counts[st.Status]++
	}
	return fmt.Sprintf("%d completed, %d skipped, %d failed",
		counts[StatusCompleted], counts[StatusSkipped], counts[StatusFailed])
}

func (s *Sequencer) finishSuccess(rc *RunContext, rec *RunRecord, logger *slog.Logger) Outcome {
	out := s.outcome(rc, OutcomeSuccess, s.summary(), nil)
	rc.Emit(event.TypeFinalResult, out.Summary, event.ResultPayload{Outcome: string(out.Kind), Summary: out.Summary})
	rc.Emit(event.TypeExecutionComplete, "", event.ResultPayload{Outcome: string(out.Kind)})
	s.finalize(rec, out, logger)
	logger.Info("run completed", "summary", out.Summary)
	return out
}

func (s *Sequencer) finishFailed(rc *RunContext, rec *RunRecord, logger *slog.Logger, stage string, err error) Outcome {
	logger.Error("stage failed", "stage", stage, "error", err)
	out := s.outcome(rc, OutcomeFailure, err.Error(), err)
	rc.Emit(event.TypeError, err.Error(), event.ErrorPayload{Stage: stage, Error: err.Error()})
	rc.Emit(event.TypeFinalResult, out.Summary, event.ResultPayload{Outcome: string(out.Kind), Summary: out.Summary})
	rc.Emit(event.TypeExecutionComplete, "", event.ResultPayload{Outcome: string(out.Kind)})
	s.finalize(rec, out, logger)
	return out
}

func (s *Sequencer) finishCancelled(rc *RunContext, rec *RunRecord, logger *slog.Logger) Outcome {
	logger.Warn("run cancelled")
	out := s.outcome(rc, OutcomeCancelled, "cancelled: "+s.summary(), ErrRunCancelled)
	rc.Emit(event.TypeCancelled, "Run cancelled", event.ResultPayload{Outcome: string(out.Kind), Summary: out.Summary})
	rc.Emit(event.TypeExecutionComplete, "", event.ResultPayload{Outcome: string(out.Kind)})
	s.finalize(rec, out, logger)
	return out
}

// ErrRunCancelled is the Err of a cancelled Outcome.
var ErrRunCancelled = errors.New("run cancelled")

func (s *Sequencer) outcome(rc *RunContext, kind OutcomeKind, summary string, err error) Outcome {
	metrics.RunOutcomes.WithLabelValues(string(kind)).Inc()
	var warnings []string
	if rc.Gate != nil {
		warnings = rc.Gate.Warnings()
	}
	return Outcome{
		RunID:    rc.RunID,
		Kind:     kind,
		Summary:  summary,
		Stages:   s.Stages(),
		Warnings: warnings,
		Err:      err,
	}
}

func (s *Sequencer) finalize(rec *RunRecord, out Outcome, logger *slog.Logger) {
	rec.Status = string(out.Kind)
	rec.Outcome = out.Kind
	rec.Summary = out.Summary
	rec.Warnings = out.Warnings
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}
	rec.CompletedAt = time.Now().UTC().Format(timeLayout)
	s.save(rec, logger)
}

func (s *Sequencer) save(rec *RunRecord, logger *slog.Logger) {
	if !s.persist {
		return
	}
	rec.Stages = s.Stages()
	if err := SaveRun(RunsDir(rec.Repo), rec); err != nil {
		logger.Warn("could not persist run record", "error", err)
	}
}
