// Package metrics provides Prometheus instrumentation for workflow runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	StageRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chbuild_stage_runs_total",
			Help: "Stage executions by final status",
		},
		[]string{"stage", "status"}, // status: completed, failed, skipped
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chbuild_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	RunOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chbuild_run_outcomes_total",
			Help: "Workflow runs by outcome",
		},
		[]string{"outcome"}, // outcome: success, failure, cancelled
	)
)

// =============================================================================
// APPROVAL METRICS
// =============================================================================

var (
	ApprovalDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chbuild_approval_decisions_total",
			Help: "Approval requests by decision",
		},
		[]string{"decision"},
	)
)

// =============================================================================
// EVENT METRICS
// =============================================================================

var (
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chbuild_events_emitted_total",
			Help: "Events appended to run streams",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chbuild_events_dropped_total",
			Help: "Queued events discarded because a subscriber fell behind",
		},
	)
)

// =============================================================================
// MODEL AND TOOL METRICS
// =============================================================================

var (
	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chbuild_llm_calls_total",
			Help: "Model API calls",
		},
		[]string{"provider", "status"},
	)

	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chbuild_tool_calls_total",
			Help: "Local tool invocations requested by the model",
		},
		[]string{"tool", "status"},
	)
)

// RecordStage records a finished stage.
func RecordStage(stage, status string, elapsed time.Duration) {
	StageRuns.WithLabelValues(stage, status).Inc()
	if status != "skipped" {
		StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
