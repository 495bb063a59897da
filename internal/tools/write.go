package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/m-mizutani/goerr/v2"

	"chbuild/internal/approval"
)

// Write creates, replaces or deletes a file, but only after the change has
// been approved.
type Write struct {
	WS       Workspace
	Gate     *approval.Gate
	Fallback approval.Prompter

	mu       sync.Mutex
	applied  []string
	rejected []string
}

type writeInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Delete  bool   `json:"delete,omitempty"`
}

func (w *Write) Name() string { return "write" }

func (w *Write) Description() string {
	return "Write the full content of a file, or delete it with delete=true. Every change is shown to the user for approval; a rejected change is not applied."
}

func (w *Write) Schema() Schema {
	return Schema{
		Properties: map[string]any{
			"path":    prop("string", "File path relative to the repository root"),
			"content": prop("string", "Complete new file content"),
			"delete":  prop("boolean", "Delete the file instead of writing it"),
		},
		Required: []string{"path"},
	}
}

func (w *Write) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var in writeInput
	if err := decode(input, &in); err != nil {
		return "", err
	}
	if in.Path == "" {
		return "", goerr.Wrap(ErrInvalidInput, "path is required")
	}
	full, err := w.WS.Resolve(in.Path)
	if err != nil {
		return "", err
	}
	rel := w.WS.Rel(full)

	var original *string
	data, err := os.ReadFile(full)
	switch {
	case err == nil:
		s := string(data)
		original = &s
	case errors.Is(err, os.ErrNotExist):
	default:
		return "", goerr.Wrap(ErrToolExecution, "read existing file", goerr.V("path", rel), goerr.V("cause", err.Error()))
	}

	change := approval.Change{Path: rel, Proposed: in.Content, Original: original}
	switch {
	case in.Delete:
		if original == nil {
			return fmt.Sprintf("%s does not exist; nothing to delete", rel), nil
		}
		change.Kind = approval.KindDelete
		change.Proposed = ""
	case original == nil:
		change.Kind = approval.KindCreate
	default:
		if *original == in.Content {
			return fmt.Sprintf("%s is unchanged", rel), nil
		}
		change.Kind = approval.KindUpdate
	}

	ok, err := w.Gate.Decide(ctx, change, w.Fallback)
	if err != nil {
		return "", err
	}
	if !ok {
		w.record(rel, false)
		return fmt.Sprintf("The user rejected the %s of %s. The file was not changed.", change.Kind, rel), nil
	}

	if err := apply(full, change); err != nil {
		return "", goerr.Wrap(ErrToolExecution, "apply change", goerr.V("path", rel), goerr.V("cause", err.Error()))
	}
	w.record(rel, true)

	switch change.Kind {
	case approval.KindDelete:
		return fmt.Sprintf("Deleted %s", rel), nil
	case approval.KindCreate:
		return fmt.Sprintf("Created %s (%d bytes)", rel, len(in.Content)), nil
	default:
		return fmt.Sprintf("Updated %s (%d bytes)", rel, len(in.Content)), nil
	}
}

func apply(full string, change approval.Change) error {
	if change.Kind == approval.KindDelete {
		return os.Remove(full)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	mode := os.FileMode(0644)
	if info, err := os.Stat(full); err == nil {
		mode = info.Mode().Perm()
	}
	tmp := full + ".chbuild.tmp"
	if err := os.WriteFile(tmp, []byte(change.Proposed), mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (w *Write) record(rel string, applied bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if applied {
		w.applied = append(w.applied, rel)
	} else {
		w.rejected = append(w.rejected, rel)
	}
}

// Applied lists the paths changed so far.
func (w *Write) Applied() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string{}, w.applied...)
}

// Rejected lists the paths whose changes were declined.
func (w *Write) Rejected() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string{}, w.rejected...)
}
