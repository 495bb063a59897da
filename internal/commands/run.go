package commands

import (
	"context"
	"io"
	"os"
	"os/signal"

	"golang.org/x/term"

	"chbuild/internal/approval"
	"chbuild/internal/event"
	"chbuild/internal/migrate"
	"chbuild/internal/notify"
	"chbuild/internal/output"
	"chbuild/internal/tui"
	"chbuild/internal/ui"
	"chbuild/internal/workflow"
)

type runOptions struct {
	stages      []string
	data        migrate.DataOptions
	autoApprove bool
	// interactive asks before each stage, in the TUI when there is one.
	interactive bool
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// runStages executes the selected stages and returns the process exit code.
func runStages(ctx context.Context, opts runOptions) int {
	useTUI := !output.JSONMode && isTerminal()

	var console io.Writer = os.Stderr
	if useTUI {
		console = nil
	}
	a, err := newApp(console)
	if err != nil {
		output.PrintError(err)
		return 1
	}
	defer a.Close()

	var prompter approval.Prompter
	if !useTUI && term.IsTerminal(int(os.Stdin.Fd())) && !output.JSONMode {
		prompter = approval.NewTerminalPrompter()
	}
	defs, err := a.stages(opts.stages, opts.data, prompter)
	if err != nil {
		output.PrintError(err)
		return 1
	}

	lock, err := workflow.LockRepo(a.repo)
	if err != nil {
		output.PrintError(err)
		return 1
	}
	defer lock.Unlock()

	stream := event.NewStream(event.WithLogger(a.logger))
	gate := approval.New(
		approval.WithTimeout(a.cfg.ApprovalTimeout),
		approval.WithAutoApprove(opts.autoApprove),
		approval.WithStream(stream),
		approval.WithLogger(a.logger),
	)
	seqOpts := []workflow.Option{
		workflow.WithStream(stream),
		workflow.WithGate(gate),
		workflow.WithLogger(a.logger),
	}
	if opts.interactive {
		var confirmer workflow.Confirmer = workflow.NewCLIConfirmer()
		if useTUI {
			confirmer = workflow.GateConfirmer{Gate: gate, Fallback: confirmer}
		}
		seqOpts = append(seqOpts, workflow.WithConfirmer(confirmer))
	}
	seq := workflow.New(defs, seqOpts...)

	stopSignals := cancelOnSignal(seq)
	defer stopSignals()

	waitNotify := func() {}
	if n := a.notifier(); n != nil {
		waitNotify = notify.Watch(stream, n, a.repo, a.logger)
	}

	var out workflow.Outcome
	if useTUI {
		out, err = tui.Run(ctx, seq, stream, a.repo)
		if err != nil {
			a.logger.Error("tui exited", "error", err)
		}
	} else {
		out = runConsole(ctx, seq, stream, a.repo)
	}
	waitNotify()

	output.PrintResult(out, out.Err, func() {
		ui.ShowOutcome(out)
		ui.ShowInfo("Log: %s", a.log.Path)
	})
	return out.ExitCode()
}

// runConsole prints events as they arrive while the run executes.
func runConsole(ctx context.Context, seq *workflow.Sequencer, stream *event.Stream, repo string) workflow.Outcome {
	events, unsubscribe := stream.Subscribe(true)
	defer unsubscribe()

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range events {
			if !output.JSONMode {
				ui.ShowEvent(ev)
			}
		}
	}()

	out := seq.Run(ctx, repo)
	stream.Close()
	<-printed
	return out
}

// cancelOnSignal makes the first interrupt cancel the run between steps and
// a second one exit immediately.
func cancelOnSignal(seq *workflow.Sequencer) func() {
	ch := make(chan os.Signal, 2)
	notifySignals(ch)
	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
		case <-done:
			return
		}
		ui.ShowWarning("Cancelling after the current step; interrupt again to exit now")
		seq.Cancel()
		select {
		case <-ch:
			os.Exit(130)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
