package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/m-mizutani/goerr/v2"

	"chbuild/internal/artifact"
)

// RunRecord is the last known state of a run, rewritten after every stage
// transition.
type RunRecord struct {
	ID          string      `json:"id"`
	Repo        string      `json:"repo"`
	Status      string      `json:"status"` // running, success, failure, cancelled
	Stages      []Stage     `json:"stages"`
	Summary     string      `json:"summary,omitempty"`
	Error       string      `json:"error,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
	StartedAt   string      `json:"startedAt"`
	CompletedAt string      `json:"completedAt,omitempty"`
	Outcome     OutcomeKind `json:"outcome,omitempty"`
}

// RunsDir returns where run records for a repository are kept.
func RunsDir(repoPath string) string {
	return filepath.Join(repoPath, artifact.BaseDir, "runs")
}

// SaveRun writes the record atomically: a temp file first, then a rename.
func SaveRun(dir string, rec *RunRecord) error {
	if rec.ID == "" {
		return goerr.New("run record has no id")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return goerr.Wrap(err, "create runs directory", goerr.V("dir", dir))
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "marshal run", goerr.V("id", rec.ID))
	}

	path := filepath.Join(dir, rec.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return goerr.Wrap(err, "write tmp", goerr.V("path", tmp))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return goerr.Wrap(err, "rename", goerr.V("path", path))
	}
	return nil
}

// LoadRun reads a run record by ID.
func LoadRun(dir, id string) (*RunRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, id+".json"))
	if err != nil {
		return nil, goerr.Wrap(err, "read run file", goerr.V("id", id))
	}

	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, goerr.Wrap(err, "unmarshal run", goerr.V("id", id))
	}
	return &rec, nil
}

// ListRuns returns all run records, newest first.
func ListRuns(dir string) ([]*RunRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*RunRecord{}, nil
		}
		return nil, goerr.Wrap(err, "read runs directory", goerr.V("dir", dir))
	}

	var runs []*RunRecord
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		id := entry.Name()[:len(entry.Name())-5]
		rec, err := LoadRun(dir, id)
		if err != nil {
			continue // skip corrupted files
		}
		runs = append(runs, rec)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt > runs[j].StartedAt })
	return runs, nil
}
