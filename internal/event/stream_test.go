package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestParseType(t *testing.T) {
	assert.Equal(t, TypeToolStart, ParseType("tool_start"))
	assert.Equal(t, TypeExecutionComplete, ParseType("execution_complete"))
	assert.Equal(t, TypeRaw, ParseType("something_new"))
	assert.Equal(t, TypeRaw, ParseType(""))
}

func TestEmitPreservesOrder(t *testing.T) {
	s := NewStream()
	ch, unsubscribe := s.Subscribe(false)
	defer unsubscribe()

	for i := 0; i < 50; i++ {
		_, err := s.Emit(TypeToolStream, "", StreamPayload{Source: "grep", Chunk: "x"})
		require.NoError(t, err)
	}

	got := collect(t, ch, 50)
	require.Len(t, got, 50)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestUnknownTypeBecomesRaw(t *testing.T) {
	s := NewStream()
	ev, err := s.Emit(Type("mystery"), "hello", RawPayload{Name: "mystery"})
	require.NoError(t, err)
	assert.Equal(t, TypeRaw, ev.Type)
}

func TestOnlyCompletionAfterCancel(t *testing.T) {
	s := NewStream()
	_, err := s.Emit(TypeCancelled, "user cancelled", nil)
	require.NoError(t, err)
	assert.True(t, s.Cancelled())

	_, err = s.Emit(TypeAgentStart, "late stage", StagePayload{Stage: "scan"})
	assert.ErrorIs(t, err, ErrAfterCancel)

	_, err = s.Emit(TypeExecutionComplete, "", ResultPayload{Outcome: "cancelled"})
	require.NoError(t, err)

	types := []Type{}
	for _, ev := range s.History() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []Type{TypeCancelled, TypeExecutionComplete}, types)
}

func TestSlowSubscriberDoesNotBlockProducer(t *testing.T) {
	s := NewStream(WithQueueSize(4))
	_, unsubscribe := s.Subscribe(false) // never read
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_, _ = s.Emit(TypeTextOutput, "", TextPayload{Text: "chunk"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked on a slow subscriber")
	}
	assert.Greater(t, s.Dropped(), uint64(0))
	assert.Len(t, s.History(), 100)
}

func TestReplayDeliversHistory(t *testing.T) {
	s := NewStream()
	_, _ = s.Emit(TypeSetupStart, "starting", nil)
	_, _ = s.Emit(TypeAgentStart, "scan", StagePayload{Stage: "scan", Index: 1, Status: "running"})

	ch, unsubscribe := s.Subscribe(true)
	defer unsubscribe()
	_, _ = s.Emit(TypeCycleComplete, "scan", StagePayload{Stage: "scan", Index: 1, Status: "completed"})

	got := collect(t, ch, 3)
	require.Len(t, got, 3)
	assert.Equal(t, TypeSetupStart, got[0].Type)
	assert.Equal(t, TypeCycleComplete, got[2].Type)
}

func TestCloseDrainsThenClosesChannel(t *testing.T) {
	s := NewStream()
	ch, unsubscribe := s.Subscribe(false)
	defer unsubscribe()

	_, _ = s.Emit(TypeFinalResult, "", ResultPayload{Outcome: "success"})
	_, _ = s.Emit(TypeExecutionComplete, "", nil)
	s.Close()

	got := collect(t, ch, 3)
	assert.Len(t, got, 2)

	_, err := s.Emit(TypeError, "late", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEventJSON(t *testing.T) {
	ev := Event{Seq: 7, Type: TypeToolStart, Payload: ToolPayload{Tool: "read", Input: `{"path":"a.ts"}`}}
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"tool_start"`)
	assert.Contains(t, string(data), `"tool":"read"`)
}
