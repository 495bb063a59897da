package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/m-mizutani/goerr/v2"

	"chbuild/internal/approval"
)

// CallHuman lets the model ask the user a question and continue with the
// answer. The question goes to whatever UI is attached to the gate, or to
// Fallback on a plain terminal.
type CallHuman struct {
	Gate     *approval.Gate
	Fallback approval.Asker
}

type callHumanInput struct {
	Prompt string `json:"prompt"`
}

func (c *CallHuman) Name() string { return "call_human" }

func (c *CallHuman) Description() string {
	return "Ask the user for clarification or guidance and wait for the answer. Use it only when the repository does not answer the question."
}

func (c *CallHuman) Schema() Schema {
	return Schema{
		Properties: map[string]any{
			"prompt": prop("string", "The question to show the user"),
		},
		Required: []string{"prompt"},
	}
}

func (c *CallHuman) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var in callHumanInput
	if err := decode(input, &in); err != nil {
		return "", err
	}
	if in.Prompt == "" {
		return "", goerr.Wrap(ErrInvalidInput, "prompt is required")
	}
	answer, err := c.Gate.AskWith(ctx, c.Fallback, in.Prompt)
	switch {
	case err == nil:
		return answer, nil
	case errors.Is(err, approval.ErrUnanswered):
		return "The user did not answer. Continue with your best judgement.", nil
	case errors.Is(err, approval.ErrNoApprover):
		return "No one is available to answer. Continue with your best judgement.", nil
	}
	return "", err
}
