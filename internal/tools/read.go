package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

const (
	readDefaultLimit = 2000
	readMaxLineLen   = 2000
)

// Read returns file contents with line numbers.
type Read struct {
	WS Workspace
}

type readInput struct {
	Path   string `json:"path"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (r *Read) Name() string { return "read" }

func (r *Read) Description() string {
	return "Read a file. Lines are numbered from 1; use offset and limit for large files."
}

func (r *Read) Schema() Schema {
	return Schema{
		Properties: map[string]any{
			"path":   prop("string", "File path relative to the repository root"),
			"offset": prop("integer", "Line number to start from (1-based)"),
			"limit":  prop("integer", "Maximum number of lines to return"),
		},
		Required: []string{"path"},
	}
}

func (r *Read) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var in readInput
	if err := decode(input, &in); err != nil {
		return "", err
	}
	if in.Path == "" {
		return "", goerr.Wrap(ErrInvalidInput, "path is required")
	}
	full, err := r.WS.Resolve(in.Path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return "", goerr.Wrap(ErrInvalidInput, "file does not exist", goerr.V("path", in.Path))
	}
	if err != nil {
		return "", goerr.Wrap(ErrToolExecution, "read file", goerr.V("path", in.Path), goerr.V("cause", err.Error()))
	}
	if len(data) == 0 {
		return "(empty file)", nil
	}
	return numberLines(string(data), in.Offset, in.Limit), nil
}

// numberLines renders text in cat -n style starting at the 1-based offset.
func numberLines(text string, offset, limit int) string {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if offset < 1 {
		offset = 1
	}
	if limit <= 0 {
		limit = readDefaultLimit
	}
	if offset > len(lines) {
		return fmt.Sprintf("(offset %d is past the end of the file, which has %d lines)", offset, len(lines))
	}

	end := min(offset-1+limit, len(lines))
	var sb strings.Builder
	for i := offset - 1; i < end; i++ {
		line := lines[i]
		if len(line) > readMaxLineLen {
			line = line[:readMaxLineLen] + "..."
		}
		fmt.Fprintf(&sb, "%6d\t%s\n", i+1, line)
	}
	if end < len(lines) {
		fmt.Fprintf(&sb, "... (%d more lines)\n", len(lines)-end)
	}
	return sb.String()
}
