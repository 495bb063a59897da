package migrate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/m-mizutani/goerr/v2"

	"chbuild/internal/approval"
	"chbuild/internal/artifact"
	"chbuild/internal/llm"
	"chbuild/internal/tools"
	"chbuild/internal/workflow"
)

func (d *Deps) write(ctx context.Context, rc *workflow.RunContext) (workflow.Result, error) {
	agent, err := d.agent()
	if err != nil {
		return workflow.Result{}, err
	}
	plan, err := d.inputSnapshot(ctx, rc, StagePlan, artifact.KindPlan, d.runPlan)
	if err != nil {
		return workflow.Result{}, err
	}

	rec := &artifact.MigrationRecord{Applied: []string{}, Rejected: []string{}}
	if plan.TotalQueries == 0 {
		rec.Summary = "plan has no queries; nothing to change"
	} else {
		body, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return workflow.Result{}, goerr.Wrap(err, "encode plan")
		}

		ws := tools.Workspace{Root: rc.RepoPath}
		w := &tools.Write{WS: ws, Gate: rc.Gate, Fallback: d.Prompter}
		asker, _ := d.Prompter.(approval.Asker)
		set := tools.NewSet(append(readTools(rc.RepoPath),
			&reviewTool{agent: agent, stream: rc.Stream, interrupted: rc.Cancelled},
			w,
			&tools.Bash{WS: ws, Gate: rc.Gate, Fallback: d.Prompter},
			&tools.CallHuman{Gate: rc.Gate, Fallback: asker},
		)...)
		before := len(rc.Gate.Warnings())

		res, err := agent.Run(ctx, llm.Task{
			Name:   StageWrite,
			System: withAgentsMD(rc.RepoPath, writePrompt),
			Prompt: "Apply this conversion plan to the repository:\n\n" + string(body),
			Tools:  set,
			Stream: rc.Stream,

			Interrupted: rc.Cancelled,
		})
		if err != nil {
			return workflow.Result{}, goerr.Wrap(err, "write updated files")
		}

		rec.Summary = res.Text
		rec.Applied = w.Applied()
		rec.Rejected = w.Rejected()
		if warnings := rc.Gate.Warnings(); len(warnings) > before {
			rec.Warnings = warnings[before:]
		}
	}

	path, err := rc.Artifacts.WriteJSON(artifact.KindMigration, rec)
	if err != nil {
		return workflow.Result{}, err
	}
	for _, w := range rec.Warnings {
		rc.Logger.Warn("write stage warning", "warning", w)
	}

	detail := fmt.Sprintf("applied %d, rejected %d changes (%s)", len(rec.Applied), len(rec.Rejected), rc.Artifacts.Rel(path))
	if n := len(rec.Warnings); n > 0 {
		detail += fmt.Sprintf(", %d warnings", n)
	}
	return workflow.Result{Detail: detail, Output: rec}, nil
}
