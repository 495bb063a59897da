package tui

import (
	"context"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"

	"chbuild/internal/approval"
	"chbuild/internal/event"
	"chbuild/internal/workflow"
)

// sender is the part of tea.Program the gate listener needs.
type sender interface {
	Send(msg tea.Msg)
}

// gateListener forwards approval requests and questions into the view.
type gateListener struct {
	p sender
}

func (l gateListener) OnApprovalRequest(req approval.Request) { l.p.Send(approvalMsg(req)) }

func (l gateListener) OnQuestion(q approval.Question) { l.p.Send(questionMsg(q)) }

// Run drives seq against repo behind a full-screen view and returns the
// outcome. The view answers approval requests and questions, including
// stage prompts from a workflow.GateConfirmer, while it is open. stream is
// closed once the run finishes.
func Run(ctx context.Context, seq *workflow.Sequencer, stream *event.Stream, repo string) (workflow.Outcome, error) {
	events, unsubscribe := stream.Subscribe(true)
	defer unsubscribe()

	m := NewModel(Options{
		Title:  "chbuild · " + filepath.Base(repo),
		Stages: seq.Stages(),
		Gate:   seq.Gate(),
		Cancel: seq.Cancel,
		Events: events,
	})
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	detach := seq.Gate().Attach(gateListener{p: p})
	defer detach()

	var out workflow.Outcome
	done := make(chan struct{})
	go func() {
		defer close(done)
		out = seq.Run(ctx, repo)
		stream.Close()
		p.Send(runDoneMsg(out))
	}()

	_, err := p.Run()
	select {
	case <-done:
	default:
		// The view is gone; nobody is left to answer approvals. Cancel
		// before detaching so no prompt falls through to the terminal.
		seq.Cancel()
	}
	detach()
	<-done
	return out, err
}
