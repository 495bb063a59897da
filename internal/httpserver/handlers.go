package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"chbuild/internal/approval"
	"chbuild/internal/artifact"
	"chbuild/internal/config"
	"chbuild/internal/workflow"
)

// handleHealth handles GET /health
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	_, _, running := s.current()
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Running: running,
		Clients: s.hub.Clients(),
	})
}

// handleRuns handles GET /runs (list records) and POST /runs (start a run).
func (s *HTTPServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		runs, err := workflow.ListRuns(workflow.RunsDir(s.repo))
		if err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err))
			return
		}
		respondJSON(w, http.StatusOK, RunListResponse{Runs: runs})

	case http.MethodPost:
		jsonContentTypeMiddleware(s.handleStartRun)(w, r)

	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) handleStartRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	stages, err := s.StartRun(req)
	switch {
	case errors.Is(err, ErrRunActive), errors.Is(err, workflow.ErrRepoBusy):
		respondError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, config.ErrCredential):
		respondError(w, http.StatusPreconditionFailed, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, RunStartedResponse{Status: "started", Stages: stages})
}

// handleCurrentRun handles GET /runs/current
func (s *HTTPServer) handleCurrentRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	seq, _, running := s.current()
	resp := CurrentRunResponse{Running: running, Stages: []workflow.Stage{}}
	if seq != nil {
		resp.Stages = seq.Stages()
	}
	if !running {
		s.mu.Lock()
		resp.Outcome = s.last
		s.mu.Unlock()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleCancel handles POST /runs/current/cancel
func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	seq, _, running := s.current()
	if !running {
		respondError(w, http.StatusConflict, "no run in progress")
		return
	}
	seq.Cancel()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleListApprovals handles GET /approvals
func (s *HTTPServer) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	_, gate, _ := s.current()
	pending := []approval.Request{}
	if gate != nil {
		pending = append(pending, gate.Pending()...)
	}
	respondJSON(w, http.StatusOK, ApprovalListResponse{Approvals: pending})
}

// handleResolveApproval handles POST /approvals/{id}
func (s *HTTPServer) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/approvals/")
	if id == "" || strings.Contains(id, "/") {
		respondError(w, http.StatusBadRequest, "invalid path format (expected /approvals/{id})")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var req ApprovalResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	resp, err := approval.ParseResponse(req.Response)
	if err != nil {
		respondError(w, http.StatusBadRequest, "field 'response' must be yes, no or all")
		return
	}

	_, gate, _ := s.current()
	if gate == nil {
		respondError(w, http.StatusNotFound, "no run in progress")
		return
	}
	if err := gate.Resolve(id, resp); err != nil {
		switch {
		case errors.Is(err, approval.ErrUnknownRequest):
			respondError(w, http.StatusNotFound, "approval not found")
		case errors.Is(err, approval.ErrAlreadyResolved):
			respondError(w, http.StatusConflict, "approval already resolved")
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	resolved, _ := gate.Get(id)
	respondJSON(w, http.StatusOK, resolved)
}

// handleArtifact handles GET /artifacts/{kind}: the latest document of that
// kind, as stored.
func (s *HTTPServer) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	kind, ok := artifact.ParseKind(name)
	if !ok {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown artifact kind %q", name))
		return
	}

	path, err := artifact.NewStore(s.repo).Latest(kind)
	if errors.Is(err, artifact.ErrNotFound) {
		respondError(w, http.StatusNotFound, fmt.Sprintf("no %s documents yet", kind))
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Artifact-Path", artifact.NewStore(s.repo).Rel(path))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
