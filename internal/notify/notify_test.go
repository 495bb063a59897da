package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chbuild/internal/event"
)

// mockNotifier is a test helper.
type mockNotifier struct {
	name   string
	mu     sync.Mutex
	sent   []Notification
	sendFn func(Notification) error
}

func (m *mockNotifier) Send(_ context.Context, n Notification) error {
	m.mu.Lock()
	m.sent = append(m.sent, n)
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(n)
	}
	return nil
}

func (m *mockNotifier) Name() string { return m.name }

func (m *mockNotifier) received() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}

// webhookServer records the decoded JSON body of each request.
func webhookServer(t *testing.T, status int) (*httptest.Server, *map[string]any) {
	t.Helper()
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &received
}

func TestMultiNotifierSendsToAll(t *testing.T) {
	a := &mockNotifier{name: "a"}
	b := &mockNotifier{name: "b", sendFn: func(Notification) error { return errors.New("down") }}
	c := &mockNotifier{name: "c"}

	m := NewMultiNotifier(a, b, c)
	err := m.Send(context.Background(), Notification{Title: "t", Message: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b: down")
	assert.Len(t, a.received(), 1)
	assert.Len(t, c.received(), 1)
	assert.Equal(t, "multi(a,b,c)", m.Name())
	assert.Equal(t, 3, m.Len())
}

func TestWebhookFormats(t *testing.T) {
	n := Notification{Title: "chbuild run success", Message: "5 completed"}

	tests := []struct {
		format string
		extra  map[string]string
		check  func(t *testing.T, got map[string]any)
	}{
		{"slack", nil, func(t *testing.T, got map[string]any) {
			assert.Equal(t, "chbuild run success: 5 completed", got["text"])
		}},
		{"feishu", nil, func(t *testing.T, got map[string]any) {
			assert.Equal(t, "text", got["msg_type"])
			assert.Equal(t, "chbuild run success: 5 completed", got["content"].(map[string]any)["text"])
		}},
		{"dingtalk", nil, func(t *testing.T, got map[string]any) {
			assert.Equal(t, "text", got["msgtype"])
			assert.Equal(t, "chbuild run success: 5 completed", got["text"].(map[string]any)["content"])
		}},
		{"telegram", map[string]string{"chat_id": "123456"}, func(t *testing.T, got map[string]any) {
			assert.Equal(t, "123456", got["chat_id"])
			assert.Equal(t, "HTML", got["parse_mode"])
		}},
		{"custom", map[string]string{"template": `{"body": "{{.Title}} - {{.Message}}", "combined": "{{.Text}}"}`}, func(t *testing.T, got map[string]any) {
			assert.Equal(t, "chbuild run success - 5 completed", got["body"])
			assert.Equal(t, "chbuild run success: 5 completed", got["combined"])
		}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			srv, received := webhookServer(t, http.StatusOK)
			wh := NewWebhookNotifier(srv.URL, tt.format, tt.extra)
			require.NoError(t, wh.Send(context.Background(), n))
			tt.check(t, *received)
		})
	}
}

func TestWebhookErrors(t *testing.T) {
	srv, _ := webhookServer(t, http.StatusInternalServerError)
	wh := NewWebhookNotifier(srv.URL, "slack", nil)
	assert.Error(t, wh.Send(context.Background(), Notification{Title: "t"}))

	wh = NewWebhookNotifier("http://localhost", "custom", nil)
	assert.Error(t, wh.Send(context.Background(), Notification{Title: "t"}))

	wh = NewWebhookNotifier("http://localhost", "custom", map[string]string{"template": "not json {{.Title}}"})
	assert.Error(t, wh.Send(context.Background(), Notification{Title: "t"}))
}

func TestNewDesktopNotifier(t *testing.T) {
	n := NewDesktopNotifier(nil)
	require.NotNil(t, n)
	assert.NotEmpty(t, n.Name())
}

func TestWatchNotifiesApprovalsAndEnd(t *testing.T) {
	stream := event.NewStream()
	mock := &mockNotifier{name: "mock"}
	wait := Watch(stream, mock, "/repo", nil)

	_, _ = stream.Emit(event.TypeAgentStart, "Write Updated Files", event.StagePayload{Stage: "write", Status: "running"})
	_, _ = stream.Emit(event.TypeMessageCreated, "Approval required", event.ApprovalPayload{RequestID: "r1", Path: "src/db.ts", Kind: "update"})
	_, _ = stream.Emit(event.TypeMessageCreated, "Auto-approved", event.ApprovalPayload{Path: "src/x.ts", Kind: "create", Auto: true})
	_, _ = stream.Emit(event.TypeFinalResult, "done", event.ResultPayload{Outcome: "success", Summary: "5 completed"})
	_, _ = stream.Emit(event.TypeExecutionComplete, "", event.ResultPayload{Outcome: "success"})
	stream.Close()

	done := make(chan struct{})
	go func() { wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not finish")
	}

	got := mock.received()
	require.Len(t, got, 2)
	assert.Equal(t, KindApproval, got[0].Kind)
	assert.Equal(t, "src/db.ts", got[0].Path)
	assert.Equal(t, "/repo", got[0].Repo)
	assert.True(t, got[0].Sound)
	assert.Equal(t, KindFinished, got[1].Kind)
	assert.Equal(t, "success", got[1].Outcome)
	assert.Equal(t, "5 completed", got[1].Message)
}

func TestWatchNotifiesQuestions(t *testing.T) {
	stream := event.NewStream()
	mock := &mockNotifier{name: "mock"}
	wait := Watch(stream, mock, "/repo", nil)

	_, _ = stream.Emit(event.TypeMessageCreated, "Question: Run step 2?",
		event.QuestionPayload{QuestionID: "q1", Prompt: "Run step 2: Analyze Repository?", Choices: []string{"yes", "no"}})
	stream.Close()
	wait()

	got := mock.received()
	require.Len(t, got, 1)
	assert.Equal(t, KindQuestion, got[0].Kind)
	assert.Equal(t, "Run step 2: Analyze Repository?", got[0].Message)
	assert.True(t, got[0].Sound)
}

func TestWatchReportsCancellation(t *testing.T) {
	stream := event.NewStream()
	mock := &mockNotifier{name: "mock", sendFn: func(Notification) error { return errors.New("ignored") }}
	wait := Watch(stream, mock, "/repo", nil)

	_, _ = stream.Emit(event.TypeCancelled, "Run cancelled", event.ResultPayload{Outcome: "cancelled", Summary: "cancelled: 1 completed"})
	stream.Close()
	wait()

	got := mock.received()
	require.Len(t, got, 1)
	assert.Equal(t, "chbuild run cancelled", got[0].Title)
}
