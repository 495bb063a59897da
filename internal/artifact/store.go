// Package artifact persists stage outputs as timestamped JSON documents under
// <repo>/.chbuild so later stages (and later runs) can pick up the most recent
// one without the two ever talking to each other directly.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrNotFound     = errors.New("no snapshot found")
	ErrCorrupt      = errors.New("snapshot is corrupt")
	ErrInconsistent = errors.New("snapshot totals do not match contents")
)

// BaseDir is the per-repository working directory name.
const BaseDir = ".chbuild"

// Kind identifies a family of documents and where they live.
type Kind string

const (
	KindScan      Kind = "scan"
	KindPlan      Kind = "plan"
	KindMigration Kind = "migration"
	KindClickPipe Kind = "clickpipe"
)

// Kinds lists every document kind.
func Kinds() []Kind {
	return []Kind{KindScan, KindPlan, KindMigration, KindClickPipe}
}

// ParseKind maps a name such as "plan" to its Kind.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Dir returns the subdirectory of BaseDir holding documents of this kind.
func (k Kind) Dir() string {
	switch k {
	case KindScan:
		return "scanner"
	case KindPlan:
		return "plans"
	case KindMigration:
		return "migrator"
	case KindClickPipe:
		return "clickpipe"
	default:
		return string(k)
	}
}

const (
	stampLayout = "20060102T150405.000000"
	maxSequence = 9999
)

// Store reads and writes documents for a single repository. One Store per
// repository at a time; concurrent writers from separate processes are not
// coordinated beyond never overwriting an existing file.
type Store struct {
	root string
	now  func() time.Time
	mu   sync.Mutex
}

// NewStore returns a store rooted at repoPath.
func NewStore(repoPath string) *Store {
	return &Store{root: repoPath, now: time.Now}
}

// Root returns the repository path the store was opened on.
func (s *Store) Root() string { return s.root }

// Rel renders a document path relative to the repository for display.
func (s *Store) Rel(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// KindDir returns the absolute directory for a document kind.
func (s *Store) KindDir(kind Kind) string {
	return filepath.Join(s.root, BaseDir, kind.Dir())
}

// WriteSnapshot persists a scan or plan snapshot after checking its totals.
func (s *Store) WriteSnapshot(kind Kind, snap *Snapshot) (string, error) {
	if snap == nil {
		return "", goerr.New("nil snapshot", goerr.V("kind", kind))
	}
	if err := snap.Validate(); err != nil {
		return "", err
	}
	return s.WriteJSON(kind, snap)
}

// WriteJSON publishes doc as a new document of the given kind and returns its
// path. The file appears under its final name only once fully written, and an
// existing document is never replaced.
func (s *Store) WriteJSON(kind Kind, doc any) (string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", goerr.Wrap(err, "marshal document", goerr.V("kind", kind))
	}

	dir := s.KindDir(kind)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", goerr.Wrap(err, "create artifact directory", goerr.V("dir", dir))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(dir, "."+string(kind)+"-*.tmp")
	if err != nil {
		return "", goerr.Wrap(err, "create temp file", goerr.V("dir", dir))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", goerr.Wrap(err, "write temp file", goerr.V("path", tmpPath))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", goerr.Wrap(err, "sync temp file", goerr.V("path", tmpPath))
	}
	if err := tmp.Close(); err != nil {
		return "", goerr.Wrap(err, "close temp file", goerr.V("path", tmpPath))
	}

	stamp := s.now().UTC().Format(stampLayout) + "Z"
	for seq := 1; seq <= maxSequence; seq++ {
		final := filepath.Join(dir, fileName(kind, stamp, seq))
		err := os.Link(tmpPath, final)
		if err == nil {
			return final, nil
		}
		if errors.Is(err, os.ErrExist) {
			continue
		}
		// Filesystems without hard links: fall back to an exclusive create.
		if err := writeExclusive(final, data); err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return "", goerr.Wrap(err, "publish document", goerr.V("path", final))
		}
		return final, nil
	}
	return "", goerr.New("too many documents with the same timestamp",
		goerr.V("kind", kind), goerr.V("stamp", stamp))
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func fileName(kind Kind, stamp string, seq int) string {
	return fmt.Sprintf("%s_%s_%04d.json", kind, stamp, seq)
}

// List returns the document paths of a kind, oldest first. Ordering is by
// name, which matches creation order because of the fixed-width stamp.
func (s *Store) List(kind Kind) ([]string, error) {
	dir := s.KindDir(kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, goerr.Wrap(err, "read artifact directory", goerr.V("dir", dir))
	}

	prefix := string(kind) + "_"
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || filepath.Ext(name) != ".json" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

// Latest returns the path of the most recent document of a kind.
func (s *Store) Latest(kind Kind) (string, error) {
	paths, err := s.List(kind)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", goerr.Wrap(ErrNotFound, "no documents", goerr.V("kind", kind), goerr.V("dir", s.KindDir(kind)))
	}
	return paths[len(paths)-1], nil
}

// ReadLatest decodes the most recent document of a kind into v.
func (s *Store) ReadLatest(kind Kind, v any) (string, error) {
	path, err := s.Latest(kind)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", goerr.Wrap(err, "read document", goerr.V("path", path))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return "", goerr.Wrap(ErrCorrupt, "decode document", goerr.V("path", path), goerr.V("cause", err.Error()))
	}
	return path, nil
}

// LatestSnapshot reads the most recent scan or plan snapshot. The file is
// treated as untrusted input and checked against the snapshot schema.
func (s *Store) LatestSnapshot(kind Kind) (*Snapshot, string, error) {
	path, err := s.Latest(kind)
	if err != nil {
		return nil, "", err
	}
	snap, err := ReadSnapshotFile(path)
	if err != nil {
		return nil, "", err
	}
	return snap, path, nil
}

// ReadSnapshotFile loads and schema-checks a snapshot document.
func ReadSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "read snapshot", goerr.V("path", path))
	}
	if err := CheckSnapshotJSON(data); err != nil {
		return nil, goerr.Wrap(err, "invalid snapshot", goerr.V("path", path))
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, goerr.Wrap(ErrCorrupt, "decode snapshot", goerr.V("path", path), goerr.V("cause", err.Error()))
	}
	return &snap, nil
}
