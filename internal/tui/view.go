package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"chbuild/internal/approval"
	"chbuild/internal/event"
	"chbuild/internal/workflow"
)

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")

	left := panelStyle.Width(stagePanelWidth).Render(m.renderStages())
	right := panelStyle.Render(m.viewport.View())
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, right))

	if q, ok := m.question(); ok {
		b.WriteString("\n")
		b.WriteString(m.renderQuestion(q))
	} else if len(m.pending) > 0 {
		b.WriteString("\n")
		b.WriteString(m.renderApproval(m.pending[0]))
	}

	if status := m.renderStatus(); status != "" {
		b.WriteString("\n")
		b.WriteString(status)
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render(m.help.View(m.keys)))

	return appStyle.Render(b.String())
}

func (m Model) renderHeader() string {
	state := m.spinner.View() + " running"
	switch {
	case m.outcome != nil:
		state = outcomeStyle(m.outcome.Kind).Render(string(m.outcome.Kind))
	case m.cancelling:
		state = statusWarnStyle.Render("cancelling")
	}
	return titleStyle.Render(m.title) + "  " + state
}

func (m Model) renderStages() string {
	var b strings.Builder
	b.WriteString(detailLabelStyle.Render("Stages"))
	b.WriteString("\n")
	for _, st := range m.stages {
		b.WriteString("\n")
		b.WriteString(m.stageLine(st))
		if st.Detail != "" && st.Status.Terminal() {
			b.WriteString("\n   ")
			b.WriteString(formHintStyle.Render(clip(st.Detail, stagePanelWidth-4)))
		}
	}
	return b.String()
}

func (m Model) stageLine(st workflow.Stage) string {
	switch st.Status {
	case workflow.StatusRunning:
		return m.spinner.View() + " " + activeStageStyle.Render(st.Label)
	case workflow.StatusCompleted:
		return statusOkStyle.Render("✓") + " " + st.Label
	case workflow.StatusFailed:
		return statusErrorStyle.Render("✗") + " " + st.Label
	case workflow.StatusSkipped:
		return pendingStageStyle.Render("- " + st.Label)
	default:
		return pendingStageStyle.Render("○ " + st.Label)
	}
}

func (m Model) renderApproval(req approval.Request) string {
	var b strings.Builder
	title := fmt.Sprintf("Approve %s of %s?", req.Kind, req.TargetPath)
	if req.Kind == approval.KindCommand {
		title = fmt.Sprintf("Run this command in %s?", req.TargetPath)
	}
	if n := len(m.pending); n > 1 {
		title += fmt.Sprintf(" (%d more waiting)", n-1)
	}
	b.WriteString(statusWarnStyle.Bold(true).Render(title))
	b.WriteString("\n\n")

	lines := strings.Split(req.Preview(), "\n")
	if len(lines) > previewLines {
		lines = append(lines[:previewLines], fmt.Sprintf("... %d more lines", len(lines)-previewLines))
	}
	for _, l := range lines {
		b.WriteString(diffLine(l))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(formHintStyle.Render("[y] approve  [n] reject  [a] approve all remaining"))

	return approvalBorderStyle.Width(m.width - 8).Render(b.String())
}

func (m Model) renderQuestion(q approval.Question) string {
	var b strings.Builder
	b.WriteString(statusWarnStyle.Bold(true).Render(q.Prompt))
	b.WriteString("\n\n")
	if len(q.Choices) == 0 {
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(formHintStyle.Render("[enter] send  [esc] cancel run"))
	} else {
		b.WriteString(formHintStyle.Render("[y] run this step  [s/n] skip it"))
	}
	return approvalBorderStyle.Width(m.width - 8).Render(b.String())
}

func (m Model) renderStatus() string {
	var parts []string
	if m.outcome != nil {
		parts = append(parts, outcomeStyle(m.outcome.Kind).Render(m.outcome.Summary))
		for _, w := range m.outcome.Warnings {
			parts = append(parts, statusWarnStyle.Render("! "+w))
		}
		parts = append(parts, formHintStyle.Render("Press q to exit"))
	}
	if m.notice != "" {
		parts = append(parts, statusWarnStyle.Render(m.notice))
	}
	return strings.Join(parts, "\n")
}

func outcomeStyle(kind workflow.OutcomeKind) lipgloss.Style {
	switch kind {
	case workflow.OutcomeSuccess:
		return statusOkStyle
	case workflow.OutcomeCancelled:
		return statusWarnStyle
	default:
		return statusErrorStyle
	}
}

func diffLine(l string) string {
	switch {
	case strings.HasPrefix(l, "+++"), strings.HasPrefix(l, "---"):
		return detailLabelStyle.Render(l)
	case strings.HasPrefix(l, "+"):
		return statusOkStyle.Render(l)
	case strings.HasPrefix(l, "-"):
		return statusErrorStyle.Render(l)
	case strings.HasPrefix(l, "@@"):
		return pendingStageStyle.Render(l)
	}
	return l
}

// formatEvent renders an event as a log line. Events with nothing to show
// return "".
func formatEvent(ev event.Event) string {
	ts := pendingStageStyle.Render(ev.Time.Format("15:04:05"))
	switch p := ev.Payload.(type) {
	case event.StagePayload:
		switch workflow.Status(p.Status) {
		case workflow.StatusCompleted:
			return ts + " " + statusOkStyle.Render(ev.Message) + detailSuffix(p.Detail)
		case workflow.StatusSkipped:
			return ts + " " + pendingStageStyle.Render(ev.Message)
		case workflow.StatusFailed:
			return ts + " " + statusErrorStyle.Render(ev.Message) + detailSuffix(p.Detail)
		}
		return ts + " " + activeStageStyle.Render("▶ "+ev.Message)
	case event.ToolPayload:
		line := ts + " " + detailLabelStyle.Render(p.Tool)
		if p.Input != "" {
			line += " " + clip(p.Input, 80)
		}
		return line
	case event.StreamPayload:
		return strings.TrimRight(p.Chunk, "\n")
	case event.TextPayload:
		return p.Text
	case event.ApprovalPayload:
		return ts + " " + statusWarnStyle.Render(ev.Message)
	case event.QuestionPayload:
		return ts + " " + statusWarnStyle.Render("? "+p.Prompt)
	case event.ErrorPayload:
		return ts + " " + statusErrorStyle.Render("error: "+p.Error)
	case event.ResultPayload:
		if ev.Type == event.TypeExecutionComplete {
			return ""
		}
		return ts + " " + outcomeStyle(workflow.OutcomeKind(p.Outcome)).Render(ev.Message)
	}
	if ev.Message == "" {
		return ""
	}
	return ts + " " + ev.Message
}

func detailSuffix(detail string) string {
	if detail == "" {
		return ""
	}
	return formHintStyle.Render(" (" + detail + ")")
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n || n < 4 {
		return s
	}
	return string(r[:n-3]) + "..."
}
