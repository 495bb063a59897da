package commands

import (
	"fmt"

	"chbuild/internal/output"
	"chbuild/internal/ui"
	"chbuild/internal/workflow"
)

// RunRuns lists the recorded runs of the repository, newest first.
func RunRuns(limit int) int {
	repo, err := resolveRepo(RepoPath)
	if err != nil {
		output.PrintError(err)
		return 1
	}
	runs, err := workflow.ListRuns(workflow.RunsDir(repo))
	if err != nil {
		output.PrintError(err)
		return 1
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}

	output.Print(runs, func() {
		if len(runs) == 0 {
			ui.ShowInfo("No runs recorded in %s", repo)
			return
		}
		ui.ShowHeader(fmt.Sprintf("Runs (%d)", len(runs)))
		for _, r := range runs {
			line := fmt.Sprintf("%s  %-9s  %s", r.StartedAt, r.Status, r.ID)
			switch r.Status {
			case string(workflow.OutcomeSuccess):
				ui.ShowSuccess("%s", line)
			case string(workflow.OutcomeFailure):
				ui.ShowError(line, nil)
			default:
				ui.ShowWarning("%s", line)
			}
			if r.Summary != "" {
				fmt.Fprintf(ui.Out, "     %s\n", r.Summary)
			}
		}
	})
	return 0
}
