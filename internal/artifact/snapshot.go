package artifact

import (
	"github.com/m-mizutani/goerr/v2"
)

// Query is one database query found in (or rewritten for) the repository.
type Query struct {
	Description string `json:"description"`
	Code        string `json:"code"`
	Location    string `json:"location"`
}

// Snapshot is the persisted result of a scan or convert-plan stage.
//
// Snapshots built with NewSnapshot always satisfy TotalTables == len(Tables)
// and TotalQueries == len(Queries). Snapshots read back from disk are
// schema-checked but otherwise taken as written.
type Snapshot struct {
	Tables       []string `json:"tables"`
	TotalTables  int      `json:"total_tables"`
	TotalQueries int      `json:"total_queries"`
	Queries      []Query  `json:"queries"`
	Error        string   `json:"error,omitempty"`
}

// NewSnapshot builds a snapshot whose totals match its contents.
func NewSnapshot(tables []string, queries []Query) *Snapshot {
	s := &Snapshot{Tables: tables, Queries: queries}
	s.Normalize()
	return s
}

// Normalize recomputes the totals and replaces nil slices with empty ones so
// the document always serializes as arrays.
func (s *Snapshot) Normalize() {
	if s.Tables == nil {
		s.Tables = []string{}
	}
	if s.Queries == nil {
		s.Queries = []Query{}
	}
	s.TotalTables = len(s.Tables)
	s.TotalQueries = len(s.Queries)
}

// Validate reports whether the totals agree with the contents.
func (s *Snapshot) Validate() error {
	if s.TotalTables != len(s.Tables) {
		return goerr.Wrap(ErrInconsistent, "total_tables mismatch",
			goerr.V("total_tables", s.TotalTables), goerr.V("tables", len(s.Tables)))
	}
	if s.TotalQueries != len(s.Queries) {
		return goerr.Wrap(ErrInconsistent, "total_queries mismatch",
			goerr.V("total_queries", s.TotalQueries), goerr.V("queries", len(s.Queries)))
	}
	return nil
}

// MigrationRecord summarizes a write stage: which files were changed and
// which proposed changes were declined.
type MigrationRecord struct {
	Summary  string   `json:"summary"`
	Applied  []string `json:"applied"`
	Rejected []string `json:"rejected"`
	Warnings []string `json:"warnings,omitempty"`
}
