package approval

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// TerminalPrompter asks for approval on a plain terminal. It is the fallback
// when no UI is attached to the gate.
type TerminalPrompter struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewTerminalPrompter prompts on stdin/stdout.
func NewTerminalPrompter() *TerminalPrompter {
	return NewPrompter(os.Stdin, os.Stdout)
}

// NewPrompter prompts on arbitrary streams.
func NewPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{reader: bufio.NewReader(in), out: out}
}

// Prompt shows the change and reads until it gets a decision.
func (p *TerminalPrompter) Prompt(ctx context.Context, req Request) (Response, error) {
	fmt.Fprintln(p.out, "\n"+strings.Repeat("=", 70))
	if req.Kind == KindCommand {
		fmt.Fprintf(p.out, "Proposed command in %s\n", req.TargetPath)
	} else {
		fmt.Fprintf(p.out, "Proposed change: %s %s\n", req.Kind, req.TargetPath)
	}
	fmt.Fprintln(p.out, strings.Repeat("=", 70))
	fmt.Fprintln(p.out, req.Preview())
	fmt.Fprintln(p.out, strings.Repeat("-", 70))
	fmt.Fprintln(p.out, "  [y] yes  - Apply this change")
	fmt.Fprintln(p.out, "  [n] no   - Skip this change")
	fmt.Fprintln(p.out, "  [a] all  - Apply this and every later change")

	for {
		if err := ctx.Err(); err != nil {
			return ResponseNo, err
		}
		fmt.Fprint(p.out, "\nApply? [y/n/a]: ")
		input, err := p.reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && input != "") {
			return ResponseNo, goerr.Wrap(err, "read input")
		}

		resp, perr := ParseResponse(input)
		if perr == nil {
			return resp, nil
		}
		if errors.Is(err, io.EOF) {
			return ResponseNo, goerr.Wrap(err, "read input")
		}
		fmt.Fprintf(p.out, "Invalid input: '%s'. Please enter y, n, or a.\n", strings.TrimSpace(input))
	}
}

// Ask prints the question and reads until the answer matches a choice, or
// any non-empty line for a free-text question.
func (p *TerminalPrompter) Ask(ctx context.Context, q Question) (string, error) {
	fmt.Fprintln(p.out, "\n"+strings.Repeat("=", 70))
	fmt.Fprintln(p.out, q.Prompt)
	fmt.Fprintln(p.out, strings.Repeat("=", 70))

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if len(q.Choices) > 0 {
			fmt.Fprintf(p.out, "[%s]: ", strings.Join(q.Choices, "/"))
		} else {
			fmt.Fprint(p.out, "> ")
		}
		input, err := p.reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && input != "") {
			return "", goerr.Wrap(err, "read input")
		}
		if answer, ok := q.Match(input); ok {
			return answer, nil
		}
		if errors.Is(err, io.EOF) {
			return "", goerr.Wrap(err, "read input")
		}
		if len(q.Choices) > 0 {
			fmt.Fprintf(p.out, "Invalid input: '%s'. Please enter one of %s.\n", strings.TrimSpace(input), strings.Join(q.Choices, ", "))
		}
	}
}

// AutoPrompter answers yes to everything.
type AutoPrompter struct{}

func (AutoPrompter) Prompt(context.Context, Request) (Response, error) {
	return ResponseYes, nil
}
