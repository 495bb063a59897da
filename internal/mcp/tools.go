package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"chbuild/internal/approval"
	"chbuild/internal/artifact"
	"chbuild/internal/event"
	"chbuild/internal/migrate"
	"chbuild/internal/workflow"
)

type stageOutput struct {
	Name   string `json:"name"`
	Label  string `json:"label"`
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func stageOutputs(stages []workflow.Stage) []stageOutput {
	out := make([]stageOutput, len(stages))
	for i, st := range stages {
		out[i] = stageOutput{Name: st.Name, Label: st.Label, Status: string(st.Status), Detail: st.Detail}
	}
	return out
}

// list_stages

type listStagesInput struct{}

type listStagesOutput struct {
	Stages []stageOutput `json:"stages"`
}

func (s *Server) listStagesHandler(ctx context.Context, req *mcpsdk.CallToolRequest, input listStagesInput) (*mcpsdk.CallToolResult, listStagesOutput, error) {
	defs, err := s.list(nil, migrate.DataOptions{})
	if err != nil {
		return nil, listStagesOutput{}, err
	}
	out := make([]stageOutput, len(defs))
	for i, d := range defs {
		out[i] = stageOutput{Name: d.Name, Label: d.Label}
	}
	return nil, listStagesOutput{Stages: out}, nil
}

// latest_snapshot

type latestSnapshotInput struct {
	Kind string `json:"kind" jsonschema:"scan or plan"`
}

type latestSnapshotOutput struct {
	Path     string             `json:"path"`
	Snapshot *artifact.Snapshot `json:"snapshot"`
}

func (s *Server) latestSnapshotHandler(ctx context.Context, req *mcpsdk.CallToolRequest, input latestSnapshotInput) (*mcpsdk.CallToolResult, latestSnapshotOutput, error) {
	kind, ok := artifact.ParseKind(input.Kind)
	if !ok || (kind != artifact.KindScan && kind != artifact.KindPlan) {
		return nil, latestSnapshotOutput{}, fmt.Errorf("kind must be scan or plan, got %q", input.Kind)
	}
	store := artifact.NewStore(s.repo)
	snap, path, err := store.LatestSnapshot(kind)
	if err != nil {
		return nil, latestSnapshotOutput{}, err
	}
	return nil, latestSnapshotOutput{Path: store.Rel(path), Snapshot: snap}, nil
}

// latest_artifact

type latestArtifactInput struct {
	Kind string `json:"kind" jsonschema:"scan, plan, migration or clickpipe"`
}

type latestArtifactOutput struct {
	Path     string `json:"path"`
	Document any    `json:"document"`
}

func (s *Server) latestArtifactHandler(ctx context.Context, req *mcpsdk.CallToolRequest, input latestArtifactInput) (*mcpsdk.CallToolResult, latestArtifactOutput, error) {
	kind, ok := artifact.ParseKind(input.Kind)
	if !ok {
		return nil, latestArtifactOutput{}, fmt.Errorf("unknown artifact kind %q", input.Kind)
	}
	store := artifact.NewStore(s.repo)
	var doc map[string]any
	path, err := store.ReadLatest(kind, &doc)
	if err != nil {
		return nil, latestArtifactOutput{}, err
	}
	return nil, latestArtifactOutput{Path: store.Rel(path), Document: doc}, nil
}

// list_runs

type listRunsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum number of runs to return (default 20)"`
}

type runSummary struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"`
	Summary     string        `json:"summary,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   string        `json:"startedAt"`
	CompletedAt string        `json:"completedAt,omitempty"`
	Stages      []stageOutput `json:"stages"`
}

type listRunsOutput struct {
	Runs []runSummary `json:"runs"`
}

func (s *Server) listRunsHandler(ctx context.Context, req *mcpsdk.CallToolRequest, input listRunsInput) (*mcpsdk.CallToolResult, listRunsOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}
	records, err := workflow.ListRuns(workflow.RunsDir(s.repo))
	if err != nil {
		return nil, listRunsOutput{}, err
	}
	if len(records) > limit {
		records = records[:limit]
	}
	runs := make([]runSummary, 0, len(records))
	for _, r := range records {
		runs = append(runs, runSummary{
			ID:          r.ID,
			Status:      r.Status,
			Summary:     r.Summary,
			Error:       r.Error,
			StartedAt:   r.StartedAt,
			CompletedAt: r.CompletedAt,
			Stages:      stageOutputs(r.Stages),
		})
	}
	return nil, listRunsOutput{Runs: runs}, nil
}

// clickpipe_config

type clickPipeInput struct {
	Database    string   `json:"database" jsonschema:"Source PostgreSQL database name"`
	Tables      []string `json:"tables" jsonschema:"Tables to replicate; schema.table or table (public schema)"`
	Mode        string   `json:"mode,omitempty" jsonschema:"cdc (default), snapshot or cdc_only"`
	Destination string   `json:"destination,omitempty" jsonschema:"ClickHouse database (default: default)"`
}

func (s *Server) clickPipeHandler(ctx context.Context, req *mcpsdk.CallToolRequest, input clickPipeInput) (*mcpsdk.CallToolResult, migrate.ClickPipeResult, error) {
	if input.Database == "" {
		return nil, migrate.ClickPipeResult{}, fmt.Errorf("database is required")
	}
	if len(input.Tables) == 0 {
		return nil, migrate.ClickPipeResult{}, fmt.Errorf("at least one table is required")
	}
	mode, err := migrate.ParseMode(input.Mode)
	if err != nil {
		return nil, migrate.ClickPipeResult{}, err
	}
	groups, assumptions := migrate.GroupTables(input.Tables)
	res, err := migrate.NewClickPipeResult(input.Database, groups,
		migrate.DataOptions{Mode: mode, Database: input.Database, Destination: input.Destination}, assumptions)
	if err != nil {
		return nil, migrate.ClickPipeResult{}, err
	}
	return nil, *res, nil
}

// run_workflow

type runWorkflowInput struct {
	Stages   []string `json:"stages,omitempty" jsonschema:"Stages to run, default all: setup, scan, convert-plan, write, data-config"`
	Mode     string   `json:"mode,omitempty" jsonschema:"ClickPipe replication mode: cdc, snapshot or cdc_only"`
	Database string   `json:"database,omitempty" jsonschema:"Source database name for the ClickPipe config"`
}

type runWorkflowOutput struct {
	RunID    string        `json:"runId"`
	Outcome  string        `json:"outcome"`
	Summary  string        `json:"summary"`
	Stages   []stageOutput `json:"stages"`
	Warnings []string      `json:"warnings,omitempty"`
}

func (s *Server) runWorkflowHandler(ctx context.Context, req *mcpsdk.CallToolRequest, input runWorkflowInput) (*mcpsdk.CallToolResult, runWorkflowOutput, error) {
	mode, err := migrate.ParseMode(input.Mode)
	if err != nil {
		return nil, runWorkflowOutput{}, err
	}
	defs, err := s.build(input.Stages, migrate.DataOptions{Mode: mode, Database: input.Database})
	if err != nil {
		return nil, runWorkflowOutput{}, err
	}
	if _, err := os.Stat(s.repo); err != nil {
		return nil, runWorkflowOutput{}, errors.New("repository path is not accessible: " + s.repo)
	}
	lock, err := workflow.LockRepo(s.repo)
	if err != nil {
		return nil, runWorkflowOutput{}, err
	}
	defer lock.Unlock()

	// Nobody can answer approvals over MCP.
	stream := event.NewStream(event.WithLogger(s.logger))
	gate := approval.New(approval.WithAutoApprove(true), approval.WithStream(stream), approval.WithLogger(s.logger))
	seq := workflow.New(defs, workflow.WithStream(stream), workflow.WithGate(gate), workflow.WithLogger(s.logger))

	events, unsubscribe := stream.Subscribe(false)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range events {
			s.logToSessions(ev)
		}
	}()

	out := seq.Run(ctx, s.repo)
	stream.Close()
	<-forwarded
	unsubscribe()

	return nil, runWorkflowOutput{
		RunID:    out.RunID,
		Outcome:  string(out.Kind),
		Summary:  out.Summary,
		Stages:   stageOutputs(out.Stages),
		Warnings: out.Warnings,
	}, nil
}

// logToSessions pushes a run event to every connected session as a log
// message. Delivery is best effort: clients that never set a log level
// receive nothing.
func (s *Server) logToSessions(ev event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	for ss := range s.server.Sessions() {
		params := &mcpsdk.LoggingMessageParams{Level: "info", Logger: "chbuild", Data: json.RawMessage(data)}
		if ev.Type == event.TypeError {
			params.Level = "error"
		}
		_ = ss.Log(ctx, params)
	}
}
