package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/tidwall/gjson"

	"chbuild/internal/event"
	"chbuild/internal/llm"
	"chbuild/internal/tools"
)

// Review is the verdict of a code review.
type Review struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// reviewTool asks a second model task, with no tools of its own, to check
// code before the write stage applies it.
type reviewTool struct {
	agent       llm.Agent
	stream      *event.Stream
	interrupted func() bool
}

type reviewInput struct {
	FilePath string `json:"file_path"`
	Code     string `json:"code_content"`
	Purpose  string `json:"purpose,omitempty"`
}

func (r *reviewTool) Name() string { return "qa_review" }

func (r *reviewTool) Description() string {
	return `Review code before writing it. Returns {"approved": boolean, "reason": string}; revise and review again when it is not approved.`
}

func (r *reviewTool) Schema() tools.Schema {
	return tools.Schema{
		Properties: map[string]any{
			"file_path":    map[string]any{"type": "string", "description": "Path the code will be written to"},
			"code_content": map[string]any{"type": "string", "description": "Complete file content to review"},
			"purpose":      map[string]any{"type": "string", "description": "What the code does"},
		},
		Required: []string{"file_path", "code_content"},
	}
}

func (r *reviewTool) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var in reviewInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", goerr.Wrap(tools.ErrInvalidInput, "decode input", goerr.V("cause", err.Error()))
	}
	if in.FilePath == "" || in.Code == "" {
		return "", goerr.Wrap(tools.ErrInvalidInput, "file_path and code_content are required")
	}
	purpose := in.Purpose
	if purpose == "" {
		purpose = "code review"
	}

	res, err := r.agent.Run(ctx, llm.Task{
		Name:   "qa-review",
		System: reviewPrompt,
		Prompt: fmt.Sprintf("Review this code that will be written to: %s\n\nPurpose: %s\n\n```\n%s\n```",
			in.FilePath, purpose, in.Code),
		Stream:      r.stream,
		MaxTurns:    1,
		Interrupted: r.interrupted,
	})
	var review Review
	switch {
	case err != nil && (ctx.Err() != nil || errors.Is(err, llm.ErrInterrupted)):
		return "", err
	case err != nil:
		review = Review{Reason: "review failed: " + err.Error()}
	default:
		review = parseReview(res.Text)
	}

	data, err := json.Marshal(review)
	if err != nil {
		return "", goerr.Wrap(tools.ErrToolExecution, "encode review", goerr.V("cause", err.Error()))
	}
	return string(data), nil
}

// parseReview reads a verdict out of a model answer. Anything without both
// fields is a rejection.
func parseReview(text string) Review {
	body, err := llm.ExtractJSON(strings.TrimSpace(text))
	if err != nil {
		return Review{Reason: "reviewer returned invalid JSON"}
	}
	approved := gjson.GetBytes(body, "approved")
	reason := gjson.GetBytes(body, "reason")
	if !approved.Exists() || !reason.Exists() {
		return Review{Reason: "reviewer returned invalid format"}
	}
	return Review{Approved: approved.Bool(), Reason: reason.String()}
}
