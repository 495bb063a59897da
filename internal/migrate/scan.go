package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/m-mizutani/goerr/v2"

	"chbuild/internal/artifact"
	"chbuild/internal/llm"
	"chbuild/internal/tools"
	"chbuild/internal/workflow"
)

func readTools(root string) []tools.Tool {
	ws := tools.Workspace{Root: root}
	return []tools.Tool{&tools.Glob{WS: ws}, &tools.Grep{WS: ws}, &tools.Read{WS: ws}}
}

func (d *Deps) scan(ctx context.Context, rc *workflow.RunContext) (workflow.Result, error) {
	snap, path, err := d.runScan(ctx, rc)
	if err != nil {
		return workflow.Result{}, err
	}
	return workflow.Result{
		Detail: fmt.Sprintf("found %d queries across %d tables (%s)", snap.TotalQueries, snap.TotalTables, rc.Artifacts.Rel(path)),
		Output: snap,
	}, nil
}

func (d *Deps) runScan(ctx context.Context, rc *workflow.RunContext) (*artifact.Snapshot, string, error) {
	agent, err := d.agent()
	if err != nil {
		return nil, "", err
	}
	res, err := agent.Run(ctx, llm.Task{
		Name:   StageScan,
		System: withAgentsMD(rc.RepoPath, scanPrompt),
		Prompt: "Find the analytical PostgreSQL queries in this repository. The repository root is the tools' working directory.",
		Tools:  tools.NewSet(readTools(rc.RepoPath)...),
		Stream: rc.Stream,

		Interrupted: rc.Cancelled,
	})
	if err != nil {
		return nil, "", goerr.Wrap(err, "scan repository")
	}

	snap, err := parseSnapshot(res.Text)
	if err != nil {
		return nil, "", err
	}
	path, err := rc.Artifacts.WriteSnapshot(artifact.KindScan, snap)
	if err != nil {
		return nil, "", err
	}
	rc.Logger.Info("scan snapshot written", "path", path, "queries", snap.TotalQueries)
	return snap, path, nil
}

func (d *Deps) plan(ctx context.Context, rc *workflow.RunContext) (workflow.Result, error) {
	snap, path, err := d.runPlan(ctx, rc)
	if err != nil {
		return workflow.Result{}, err
	}
	return workflow.Result{
		Detail: fmt.Sprintf("converted %d queries across %d tables (%s)", snap.TotalQueries, snap.TotalTables, rc.Artifacts.Rel(path)),
		Output: snap,
	}, nil
}

func (d *Deps) runPlan(ctx context.Context, rc *workflow.RunContext) (*artifact.Snapshot, string, error) {
	agent, err := d.agent()
	if err != nil {
		return nil, "", err
	}
	scan, err := d.inputSnapshot(ctx, rc, StageScan, artifact.KindScan, d.runScan)
	if err != nil {
		return nil, "", err
	}
	if scan.TotalQueries == 0 {
		snap := artifact.NewSnapshot(scan.Tables, nil)
		path, err := rc.Artifacts.WriteSnapshot(artifact.KindPlan, snap)
		return snap, path, err
	}

	body, err := json.MarshalIndent(scan, "", "  ")
	if err != nil {
		return nil, "", goerr.Wrap(err, "encode scan")
	}
	res, err := agent.Run(ctx, llm.Task{
		Name:   StagePlan,
		System: withAgentsMD(rc.RepoPath, planPrompt),
		Prompt: "Convert these queries to ClickHouse:\n\n" + string(body),
		Tools:  tools.NewSet(readTools(rc.RepoPath)...),
		Stream: rc.Stream,

		Interrupted: rc.Cancelled,
	})
	if err != nil {
		return nil, "", goerr.Wrap(err, "convert queries")
	}

	snap, err := parseSnapshot(res.Text)
	if err != nil {
		return nil, "", err
	}
	path, err := rc.Artifacts.WriteSnapshot(artifact.KindPlan, snap)
	if err != nil {
		return nil, "", err
	}
	rc.Logger.Info("plan snapshot written", "path", path, "queries", snap.TotalQueries)
	return snap, path, nil
}

type producer func(ctx context.Context, rc *workflow.RunContext) (*artifact.Snapshot, string, error)

// inputSnapshot finds the snapshot a stage depends on: the output of stage
// earlier in this run, else the latest on disk. When there is none on disk
// the producing stage is run once.
func (d *Deps) inputSnapshot(ctx context.Context, rc *workflow.RunContext, stage string, kind artifact.Kind, produce producer) (*artifact.Snapshot, error) {
	if v, ok := rc.Output(stage); ok {
		if snap, ok := v.(*artifact.Snapshot); ok && snap != nil {
			return snap, nil
		}
	}

	snap, path, err := rc.Artifacts.LatestSnapshot(kind)
	if err == nil {
		rc.Logger.Info("using existing snapshot", "kind", kind, "path", path)
		return snap, nil
	}
	if !errors.Is(err, artifact.ErrNotFound) {
		return nil, err
	}

	rc.Logger.Info("no snapshot found, running producing stage", "kind", kind, "stage", stage)
	snap, _, err = produce(ctx, rc)
	if err != nil {
		return nil, goerr.Wrap(err, "produce missing snapshot", goerr.V("stage", stage))
	}
	return snap, nil
}

// parseSnapshot turns a model answer into a snapshot with consistent
// totals and unique table names.
func parseSnapshot(text string) (*artifact.Snapshot, error) {
	body, err := llm.ExtractJSON(text)
	if err != nil {
		return nil, goerr.Wrap(ErrBadOutput, "extract snapshot", goerr.V("cause", err.Error()))
	}
	var raw artifact.Snapshot
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, goerr.Wrap(ErrBadOutput, "decode snapshot", goerr.V("cause", err.Error()))
	}

	seen := map[string]bool{}
	tables := []string{}
	for _, t := range raw.Tables {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tables = append(tables, t)
	}
	snap := artifact.NewSnapshot(tables, raw.Queries)
	snap.Error = raw.Error
	return snap, nil
}
