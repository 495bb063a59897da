package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/mattn/go-zglob"
)

const (
	grepMaxFileSize = 2 << 20
	grepMaxLines    = 500
)

// Grep searches file contents with a regular expression.
type Grep struct {
	WS Workspace
}

type grepInput struct {
	Pattern         string `json:"pattern"`
	Path            string `json:"path,omitempty"`
	Include         string `json:"include,omitempty"`
	OutputMode      string `json:"output_mode,omitempty"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	Context         int    `json:"context,omitempty"`
}

func (g *Grep) Name() string { return "grep" }

func (g *Grep) Description() string {
	return "Search file contents with a regular expression. output_mode is files (default), content or count."
}

func (g *Grep) Schema() Schema {
	return Schema{
		Properties: map[string]any{
			"pattern":          prop("string", "Regular expression to search for"),
			"path":             prop("string", "File or directory to search, relative to the repository root"),
			"include":          prop("string", "Only search files whose name matches this glob, e.g. *.ts"),
			"output_mode":      map[string]any{"type": "string", "enum": []string{"files", "content", "count"}},
			"case_insensitive": prop("boolean", "Ignore case when matching"),
			"context":          prop("integer", "Lines of context around each match in content mode"),
		},
		Required: []string{"pattern"},
	}
}

type fileHits struct {
	rel   string
	lines []string
	count int
}

func (g *Grep) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var in grepInput
	if err := decode(input, &in); err != nil {
		return "", err
	}
	if in.Pattern == "" {
		return "", goerr.Wrap(ErrInvalidInput, "pattern is required")
	}
	mode := in.OutputMode
	if mode == "" {
		mode = "files"
	}
	if mode != "files" && mode != "content" && mode != "count" {
		return "", goerr.Wrap(ErrInvalidInput, "unknown output_mode", goerr.V("output_mode", mode))
	}

	expr := in.Pattern
	if in.CaseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return "", goerr.Wrap(ErrInvalidInput, "bad pattern", goerr.V("pattern", in.Pattern), goerr.V("cause", err.Error()))
	}

	base, err := g.WS.Resolve(in.Path)
	if err != nil {
		return "", err
	}

	hits, err := g.search(ctx, base, in.Include, re, in.Context)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "No matches found", nil
	}

	var sb strings.Builder
	lines := 0
	for _, h := range hits {
		switch mode {
		case "files":
			sb.WriteString(h.rel + "\n")
			lines++
		case "count":
			fmt.Fprintf(&sb, "%s:%d\n", h.rel, h.count)
			lines++
		case "content":
			for _, l := range h.lines {
				sb.WriteString(h.rel + ":" + l + "\n")
				lines++
			}
		}
		if lines >= grepMaxLines {
			sb.WriteString("... (output truncated)\n")
			break
		}
	}
	return sb.String(), nil
}

func (g *Grep) search(ctx context.Context, base, include string, re *regexp.Regexp, contextLines int) ([]fileHits, error) {
	var hits []fileHits
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != base && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if include != "" {
			if ok, _ := zglob.Match(include, d.Name()); !ok {
				return nil
			}
		}
		h, ok := grepFile(path, re, contextLines)
		if ok {
			h.rel = g.WS.Rel(path)
			hits = append(hits, h)
		}
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(ErrToolExecution, "grep", goerr.V("path", base), goerr.V("cause", err.Error()))
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].rel < hits[j].rel })
	return hits, nil
}

func grepFile(path string, re *regexp.Regexp, contextLines int) (fileHits, bool) {
	info, err := os.Stat(path)
	if err != nil || info.Size() > grepMaxFileSize {
		return fileHits{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil || looksBinary(data) {
		return fileHits{}, false
	}

	var all []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), grepMaxFileSize)
	for sc.Scan() {
		all = append(all, sc.Text())
	}

	var h fileHits
	lastShown := -1
	for i, line := range all {
		if !re.MatchString(line) {
			continue
		}
		h.count++
		from := max(i-contextLines, lastShown+1)
		to := min(i+contextLines, len(all)-1)
		for j := from; j <= to; j++ {
			sep := "-"
			if j == i {
				sep = ":"
			}
			h.lines = append(h.lines, fmt.Sprintf("%d%s%s", j+1, sep, all[j]))
		}
		lastShown = to
	}
	return h, h.count > 0
}

func looksBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}
