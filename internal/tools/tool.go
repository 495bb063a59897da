// Package tools implements the file tools the model may call while working
// on a repository. Every path a tool touches is confined to the repository.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrToolExecution marks a failure inside a tool call.
	ErrToolExecution = errors.New("tool execution failed")
	ErrOutsideRoot   = errors.New("path is outside the repository")
	ErrInvalidInput  = errors.New("invalid tool input")
)

// Schema is the JSON-schema object describing a tool's input.
type Schema struct {
	Properties map[string]any
	Required   []string
}

// Tool is a function the model can call by name.
type Tool interface {
	Name() string
	Description() string
	Schema() Schema
	Run(ctx context.Context, input json.RawMessage) (string, error)
}

// Set is a name-indexed collection of tools.
type Set struct {
	order []Tool
	byKey map[string]Tool
}

// NewSet builds a set from tools, keeping their order.
func NewSet(tools ...Tool) *Set {
	s := &Set{byKey: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		s.order = append(s.order, t)
		s.byKey[t.Name()] = t
	}
	return s
}

// List returns the tools in registration order.
func (s *Set) List() []Tool {
	if s == nil {
		return nil
	}
	return s.order
}

// Get looks up a tool.
func (s *Set) Get(name string) (Tool, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.byKey[name]
	return t, ok
}

// Workspace resolves tool paths against a repository root.
type Workspace struct {
	Root string
}

// Resolve turns p (absolute, or relative to the root) into a clean absolute
// path inside the root.
func (w Workspace) Resolve(p string) (string, error) {
	root, err := filepath.Abs(w.Root)
	if err != nil {
		return "", goerr.Wrap(err, "resolve root", goerr.V("root", w.Root))
	}
	if p == "" || p == "." {
		return root, nil
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, p)
	}
	full = filepath.Clean(full)

	outside := goerr.Wrap(ErrOutsideRoot, "resolve path", goerr.V("path", p), goerr.V("root", root))
	if !within(root, full) {
		return "", outside
	}
	// Symlinks inside the root may still point out of it.
	realRoot, ok := realPath(root)
	if !ok {
		return "", outside
	}
	realFull, ok := realPath(full)
	if !ok || !within(realRoot, realFull) {
		return "", outside
	}
	return full, nil
}

func within(root, full string) bool {
	rel, err := filepath.Rel(root, full)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// realPath resolves symlinks in the longest existing prefix of p and keeps
// the missing tail as is. A link that exists but cannot be resolved fails.
func realPath(p string) (string, bool) {
	rest := ""
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(real, rest), true
		}
		if _, lerr := os.Lstat(cur); lerr == nil {
			return "", false
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, true
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

// Rel renders an absolute path relative to the root for display.
func (w Workspace) Rel(full string) string {
	root, err := filepath.Abs(w.Root)
	if err != nil {
		return full
	}
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return full
	}
	return filepath.ToSlash(rel)
}

func decode(input json.RawMessage, v any) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, v); err != nil {
		return goerr.Wrap(ErrInvalidInput, "decode input", goerr.V("cause", err.Error()))
	}
	return nil
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

// skipDirs are never descended into by glob or grep.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	".chbuild":     true,
}

func skipped(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if skipDirs[part] {
			return true
		}
	}
	return false
}
