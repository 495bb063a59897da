package workflow

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"chbuild/internal/approval"
)

// Confirmer decides, before each stage starts, whether to run it.
type Confirmer interface {
	// Confirm returns false to skip the stage.
	Confirm(ctx context.Context, stage Stage) (bool, error)
}

// CLIConfirmer asks on the terminal.
type CLIConfirmer struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewCLIConfirmer creates a confirmer on stdin/stdout.
func NewCLIConfirmer() *CLIConfirmer {
	return NewConfirmer(os.Stdin, os.Stdout)
}

// NewConfirmer creates a confirmer on arbitrary streams.
func NewConfirmer(in io.Reader, out io.Writer) *CLIConfirmer {
	return &CLIConfirmer{reader: bufio.NewReader(in), out: out}
}

// Confirm prompts until it gets a yes or a no.
func (c *CLIConfirmer) Confirm(ctx context.Context, stage Stage) (bool, error) {
	fmt.Fprintln(c.out, "\n"+strings.Repeat("=", 70))
	fmt.Fprintf(c.out, "Step %d: %s\n", stage.Index+1, stage.Label)
	fmt.Fprintln(c.out, strings.Repeat("=", 70))

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		fmt.Fprint(c.out, "Run this step? [y/n]: ")
		input, err := c.reader.ReadString('\n')
		if err != nil && (err != io.EOF || input == "") {
			return false, goerr.Wrap(err, "read input")
		}

		switch strings.TrimSpace(strings.ToLower(input)) {
		case "y", "yes":
			return true, nil
		case "n", "no", "s", "skip":
			return false, nil
		default:
			if err == io.EOF {
				return false, goerr.Wrap(err, "read input")
			}
			fmt.Fprintf(c.out, "Invalid input: '%s'. Please enter y or n.\n", strings.TrimSpace(input))
		}
	}
}

// Answers to a stage question.
const (
	ChoiceRun  = "yes"
	ChoiceSkip = "no"
)

// StagePrompt is the question asked before stage runs.
func StagePrompt(stage Stage) string {
	return fmt.Sprintf("Run step %d: %s?", stage.Index+1, stage.Label)
}

// GateConfirmer asks through the approval gate, so whatever UI is attached
// to it (the TUI, a bridge client) answers. Without such a UI it defers to
// Fallback, or runs the stage when there is none. An unanswered question
// skips the stage.
type GateConfirmer struct {
	Gate     *approval.Gate
	Fallback Confirmer
}

func (c GateConfirmer) Confirm(ctx context.Context, stage Stage) (bool, error) {
	answer, err := c.Gate.Ask(ctx, StagePrompt(stage), ChoiceRun, ChoiceSkip)
	switch {
	case err == nil:
		return answer == ChoiceRun, nil
	case errors.Is(err, approval.ErrUnanswered):
		return false, nil
	case errors.Is(err, approval.ErrNoApprover):
		if c.Fallback != nil {
			return c.Fallback.Confirm(ctx, stage)
		}
		return true, nil
	}
	return false, err
}

// AutoConfirmer runs every stage.
type AutoConfirmer struct{}

func (AutoConfirmer) Confirm(context.Context, Stage) (bool, error) { return true, nil }

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, stage Stage) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, stage Stage) (bool, error) { return f(ctx, stage) }
