// Package ui prints one-line status messages for the console mode.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"chbuild/internal/event"
	"chbuild/internal/workflow"
)

// Out is where messages go.
var Out io.Writer = os.Stdout

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

func ShowHeader(title string) {
	rule := strings.Repeat("─", len(title)+2)
	fmt.Fprintf(Out, " %s\n", mutedStyle.Render(rule))
	fmt.Fprintf(Out, " %s\n", headerStyle.Render(title))
	fmt.Fprintf(Out, " %s\n", mutedStyle.Render(rule))
}

func ShowLoading(format string, args ...interface{}) {
	fmt.Fprintf(Out, " %s...\n", fmt.Sprintf(format, args...))
}

func ShowSuccess(format string, args ...interface{}) {
	fmt.Fprintf(Out, " %s %s\n", okStyle.Render("✓"), fmt.Sprintf(format, args...))
}

func ShowError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(Out, " %s %s: %v\n", errStyle.Render("✗"), msg, err)
	} else {
		fmt.Fprintf(Out, " %s %s\n", errStyle.Render("✗"), msg)
	}
}

func ShowWarning(format string, args ...interface{}) {
	fmt.Fprintf(Out, " %s %s\n", warnStyle.Render("!"), fmt.Sprintf(format, args...))
}

func ShowInfo(format string, args ...interface{}) {
	fmt.Fprintf(Out, " ℹ %s\n", fmt.Sprintf(format, args...))
}

// ShowEvent prints a run event. Streaming chunks and bookkeeping events are
// left out.
func ShowEvent(ev event.Event) {
	switch p := ev.Payload.(type) {
	case event.StagePayload:
		switch workflow.Status(p.Status) {
		case workflow.StatusRunning:
			fmt.Fprintf(Out, "\n %s %s\n", headerStyle.Render("▶"), headerStyle.Render(ev.Message))
		case workflow.StatusCompleted:
			ShowSuccess("%s%s", ev.Message, detail(p.Detail))
		case workflow.StatusSkipped:
			fmt.Fprintf(Out, " %s\n", mutedStyle.Render("- "+ev.Message))
		}
	case event.ToolPayload:
		fmt.Fprintf(Out, "   %s %s\n", mutedStyle.Render(p.Tool), clip(p.Input, 100))
	case event.TextPayload:
		for _, line := range strings.Split(strings.TrimRight(p.Text, "\n"), "\n") {
			fmt.Fprintf(Out, "   %s\n", line)
		}
	case event.ApprovalPayload:
		ShowWarning("%s", ev.Message)
	case event.QuestionPayload:
		ShowWarning("%s", p.Prompt)
	case event.ErrorPayload:
		ShowError("Stage "+p.Stage+" failed", fmt.Errorf("%s", p.Error))
	default:
		if ev.Type == event.TypeSetupStart && ev.Message != "" {
			ShowLoading("%s", ev.Message)
		}
	}
}

// ShowOutcome prints the end-of-run summary.
func ShowOutcome(out workflow.Outcome) {
	fmt.Fprintln(Out)
	for _, st := range out.Stages {
		line := fmt.Sprintf("%-28s %s", st.Label, st.Status)
		switch st.Status {
		case workflow.StatusCompleted:
			line = okStyle.Render(line)
		case workflow.StatusFailed:
			line = errStyle.Render(line)
		default:
			line = mutedStyle.Render(line)
		}
		fmt.Fprintf(Out, "   %s\n", line)
	}
	fmt.Fprintln(Out)
	for _, w := range out.Warnings {
		ShowWarning("%s", w)
	}
	switch out.Kind {
	case workflow.OutcomeSuccess:
		ShowSuccess("Run %s: %s", out.RunID, out.Summary)
	case workflow.OutcomeCancelled:
		ShowWarning("Run %s %s", out.RunID, out.Summary)
	default:
		ShowError("Run "+out.RunID+" failed", out.Err)
	}
}

func detail(s string) string {
	if s == "" {
		return ""
	}
	return mutedStyle.Render(" (" + s + ")")
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n || n < 4 {
		return s
	}
	return string(r[:n-3]) + "..."
}
