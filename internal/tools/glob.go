package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/mattn/go-zglob"
)

const globLimit = 200

// Glob finds files by pattern, newest first. Patterns support ** for any
// number of directories.
type Glob struct {
	WS Workspace
}

type globInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

func (g *Glob) Name() string { return "glob" }

func (g *Glob) Description() string {
	return "Find files matching a glob pattern such as **/*.ts. Results are sorted by modification time, newest first."
}

func (g *Glob) Schema() Schema {
	return Schema{
		Properties: map[string]any{
			"pattern": prop("string", "Glob pattern, e.g. src/**/*.sql"),
			"path":    prop("string", "Directory to search in, relative to the repository root"),
		},
		Required: []string{"pattern"},
	}
}

func (g *Glob) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var in globInput
	if err := decode(input, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Pattern) == "" {
		return "", goerr.Wrap(ErrInvalidInput, "pattern is required")
	}

	matches, err := g.Match(in.Pattern, in.Path)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "No files found", nil
	}

	var sb strings.Builder
	for i, m := range matches {
		if i == globLimit {
			fmt.Fprintf(&sb, "... (%d more)\n", len(matches)-globLimit)
			break
		}
		sb.WriteString(m)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// Match returns root-relative paths of regular files matching pattern under
// dir, newest first.
func (g *Glob) Match(pattern, dir string) ([]string, error) {
	base, err := g.WS.Resolve(dir)
	if err != nil {
		return nil, err
	}
	found, err := zglob.Glob(filepath.Join(base, pattern))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, goerr.Wrap(ErrToolExecution, "glob", goerr.V("pattern", pattern), goerr.V("cause", err.Error()))
	}

	type entry struct {
		rel string
		mod time.Time
	}
	var entries []entry
	for _, f := range found {
		rel := g.WS.Rel(f)
		if skipped(rel) {
			continue
		}
		info, err := os.Stat(f)
		if err != nil || info.IsDir() {
			continue
		}
		entries = append(entries, entry{rel: rel, mod: info.ModTime()})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].mod.Equal(entries[j].mod) {
			return entries[i].rel < entries[j].rel
		}
		return entries[i].mod.After(entries[j].mod)
	})

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.rel
	}
	return out, nil
}
