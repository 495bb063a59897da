package approval

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

// Kind is the sort of file change being proposed.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	// KindCommand is a shell command the model wants to run. Path is the
	// working directory and Proposed the command line.
	KindCommand Kind = "command"
)

// Status is the lifecycle state of a request. A request leaves pending
// exactly once.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Change describes a proposed mutation of a file in the repository.
type Change struct {
	Path     string
	Kind     Kind
	Proposed string
	// Original is nil when the file does not exist yet.
	Original *string
}

// Request is a pending or resolved approval for a Change.
type Request struct {
	ID              string    `json:"id"`
	TargetPath      string    `json:"target_path"`
	Kind            Kind      `json:"kind"`
	ProposedContent string    `json:"proposed_content"`
	OriginalContent *string   `json:"original_content,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Status          Status    `json:"status"`

	done     chan struct{}
	decision Decision
}

const previewLimit = 1000

// Preview renders the change for a human. Updates show a unified diff; a new
// file shows only its proposed content, since there is nothing to diff
// against.
func (r *Request) Preview() string {
	return preview(r.TargetPath, r.Kind, r.OriginalContent, r.ProposedContent)
}

func preview(path string, kind Kind, original *string, proposed string) string {
	switch {
	case kind == KindCommand:
		return fmt.Sprintf("Run in %s\n$ %s", path, truncate(proposed))
	case kind == KindDelete:
		body := ""
		if original != nil {
			body = truncate(*original)
		}
		return fmt.Sprintf("Delete %s\n%s", path, body)
	case original == nil || kind == KindCreate:
		return fmt.Sprintf("New file %s\n%s", path, truncate(proposed))
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(*original),
		B:        difflib.SplitLines(proposed),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
	if err != nil || strings.TrimSpace(diff) == "" {
		return fmt.Sprintf("Update %s (no textual changes)", path)
	}
	return diff
}

// truncate keeps at most previewLimit bytes of s, backing off to a rune
// boundary.
func truncate(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	n := previewLimit
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + fmt.Sprintf("\n... (%d more bytes)", len(s)-n)
}
