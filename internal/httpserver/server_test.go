package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-mizutani/goerr/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chbuild/internal/approval"
	"chbuild/internal/artifact"
	"chbuild/internal/config"
	"chbuild/internal/notify"
	"chbuild/internal/workflow"
)

// approvingStage asks the gate about one file and reports the answer.
func approvingStage(ctx context.Context, rc *workflow.RunContext) (workflow.Result, error) {
	ok, err := rc.Gate.Decide(ctx, approval.Change{Path: "src/db.ts", Kind: approval.KindCreate, Proposed: "x"}, nil)
	if err != nil {
		return workflow.Result{}, err
	}
	if ok {
		return workflow.Result{Detail: "approved"}, nil
	}
	return workflow.Result{Detail: "rejected"}, nil
}

func newTestServer(t *testing.T, tokens ...string) *HTTPServer {
	t.Helper()
	s := NewHTTPServer(Options{
		Repo:    t.TempDir(),
		Tokens:  tokens,
		Version: "test",
		Build: func(req RunRequest) ([]workflow.StageDef, error) {
			return []workflow.StageDef{{Name: "write", Label: "Write Updated Files", Run: approvingStage}}, nil
		},
		ApprovalTimeout: 5 * time.Second,
	})
	t.Cleanup(s.Close)
	return s
}

func do(t *testing.T, s *HTTPServer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func pendingApprovals(t *testing.T, s *HTTPServer) []approval.Request {
	w := do(t, s, http.MethodGet, "/approvals", nil)
	require.Equal(t, http.StatusOK, w.Code)
	return decode[ApprovalListResponse](t, w).Approvals
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.False(t, resp.Running)

	w = do(t, s, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		authHeader     string
		query          string
		expectedStatus int
	}{
		{"Valid token", "Bearer valid-token", "", http.StatusOK},
		{"Valid query token", "", "?token=valid-token", http.StatusOK},
		{"Invalid token", "Bearer invalid-token", "", http.StatusUnauthorized},
		{"Missing auth header", "", "", http.StatusUnauthorized},
		{"Invalid format", "InvalidFormat", "", http.StatusUnauthorized},
	}

	s := newTestServer(t, "valid-token")
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/runs"+tt.query, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()
			s.authMiddleware(testHandler)(w, req)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestNoTokensDisablesAuth(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/runs", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartRunRequiresJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestAutoApprovedRun(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/runs", RunRequest{AutoApprove: true})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	started := decode[RunStartedResponse](t, w)
	require.Len(t, started.Stages, 1)
	assert.Equal(t, "write", started.Stages[0].Name)

	s.Wait()

	w = do(t, s, http.MethodGet, "/runs/current", nil)
	cur := decode[CurrentRunResponse](t, w)
	assert.False(t, cur.Running)
	require.NotNil(t, cur.Outcome)
	assert.Equal(t, workflow.OutcomeSuccess, cur.Outcome.Kind)
	assert.Equal(t, "approved", cur.Stages[0].Detail)

	w = do(t, s, http.MethodGet, "/runs", nil)
	runs := decode[RunListResponse](t, w).Runs
	require.Len(t, runs, 1)
	assert.Equal(t, cur.Outcome.RunID, runs[0].ID)
}

func TestApprovalResolvedOverHTTP(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/runs", RunRequest{}).Code)

	var pending []approval.Request
	require.Eventually(t, func() bool {
		pending = pendingApprovals(t, s)
		return len(pending) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "src/db.ts", pending[0].TargetPath)

	w := do(t, s, http.MethodPost, "/runs", RunRequest{})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodPost, "/approvals/"+pending[0].ID, ApprovalResponseRequest{Response: "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s, http.MethodPost, "/approvals/unknown", ApprovalResponseRequest{Response: "no"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodPost, "/approvals/"+pending[0].ID, ApprovalResponseRequest{Response: "no"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, approval.StatusRejected, decode[approval.Request](t, w).Status)

	s.Wait()
	cur := decode[CurrentRunResponse](t, do(t, s, http.MethodGet, "/runs/current", nil))
	assert.Equal(t, "rejected", cur.Stages[0].Detail)
}

func TestInteractiveRunSkipsStageOverWebsocket(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/runs", RunRequest{Interactive: true}).Code)

	var question struct {
		Type     string             `json:"type"`
		Question *approval.Question `json:"question"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for question.Type != "question" {
		require.NoError(t, conn.ReadJSON(&question))
	}
	require.NotNil(t, question.Question)
	assert.Equal(t, "Run step 1: Write Updated Files?", question.Question.Prompt)
	assert.Empty(t, pendingApprovals(t, s))

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type": "stage_response", "question_id": question.Question.ID, "response": "skip",
	}))
	s.Wait()

	cur := decode[CurrentRunResponse](t, do(t, s, http.MethodGet, "/runs/current", nil))
	require.NotNil(t, cur.Outcome)
	assert.Equal(t, workflow.OutcomeSuccess, cur.Outcome.Kind)
	assert.Equal(t, workflow.StatusSkipped, cur.Stages[0].Status)
}

func TestCancelRun(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/runs/current/cancel", nil).Code)

	require.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/runs", RunRequest{}).Code)
	require.Eventually(t, func() bool { return len(pendingApprovals(t, s)) == 1 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/runs/current/cancel", nil).Code)
	s.Wait()

	cur := decode[CurrentRunResponse](t, do(t, s, http.MethodGet, "/runs/current", nil))
	require.NotNil(t, cur.Outcome)
	assert.Equal(t, workflow.OutcomeCancelled, cur.Outcome.Kind)
}

func TestArtifactEndpoint(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/artifacts/scanner", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/artifacts/plan", nil).Code)

	_, err := artifact.NewStore(s.repo).WriteSnapshot(artifact.KindPlan, artifact.NewSnapshot([]string{"users"}, nil))
	require.NoError(t, err)

	w := do(t, s, http.MethodGet, "/artifacts/plan", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("X-Artifact-Path"), ".chbuild/plans/plan_")
	snap := decode[artifact.Snapshot](t, w)
	assert.Equal(t, []string{"users"}, snap.Tables)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chbuild_")
}

type recordingNotifier struct {
	ch chan notify.Notification
}

func (r *recordingNotifier) Send(_ context.Context, n notify.Notification) error {
	r.ch <- n
	return nil
}

func (r *recordingNotifier) Name() string { return "recording" }

func TestRunNotifiesWhenFinished(t *testing.T) {
	rec := &recordingNotifier{ch: make(chan notify.Notification, 4)}
	s := NewHTTPServer(Options{
		Repo:     t.TempDir(),
		Version:  "test",
		Notifier: rec,
		Build: func(req RunRequest) ([]workflow.StageDef, error) {
			return []workflow.StageDef{{Name: "write", Label: "Write Updated Files", Run: approvingStage}}, nil
		},
	})
	t.Cleanup(s.Close)

	_, err := s.StartRun(RunRequest{AutoApprove: true})
	require.NoError(t, err)
	s.Wait()

	select {
	case n := <-rec.ch:
		assert.Equal(t, notify.KindFinished, n.Kind)
		assert.Equal(t, "success", n.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}
}

func TestStartRunRefusesLockedRepo(t *testing.T) {
	repo := t.TempDir()
	held, err := workflow.LockRepo(repo)
	require.NoError(t, err)
	t.Cleanup(func() { held.Unlock() })

	s := NewHTTPServer(Options{
		Repo:    repo,
		Version: "test",
		Build: func(req RunRequest) ([]workflow.StageDef, error) {
			return []workflow.StageDef{{Name: "write", Label: "Write Updated Files", Run: approvingStage}}, nil
		},
	})
	t.Cleanup(s.Close)

	_, err = s.StartRun(RunRequest{AutoApprove: true})
	assert.ErrorIs(t, err, workflow.ErrRepoBusy)

	require.NoError(t, held.Unlock())
	_, err = s.StartRun(RunRequest{AutoApprove: true})
	require.NoError(t, err)
	s.Wait()
}

func TestStartRunWithoutCredentials(t *testing.T) {
	s := NewHTTPServer(Options{
		Repo:    t.TempDir(),
		Version: "test",
		Build: func(req RunRequest) ([]workflow.StageDef, error) {
			return nil, goerr.Wrap(config.ErrCredential, "resolve credentials", goerr.V("provider", "anthropic"))
		},
	})
	t.Cleanup(s.Close)

	w := do(t, s, http.MethodPost, "/runs", RunRequest{AutoApprove: true})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Contains(t, w.Body.String(), "no API key")

	cur := decode[CurrentRunResponse](t, do(t, s, http.MethodGet, "/runs/current", nil))
	assert.False(t, cur.Running)
	assert.Empty(t, cur.Stages)
}

func TestRespondJSONLogsEncodeFailure(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	w := httptest.NewRecorder()
	respondJSON(w, http.StatusOK, map[string]any{"ch": make(chan int)})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, logs.String(), "failed to encode response")
	assert.Contains(t, logs.String(), "unsupported type")
}
