package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStage(t *testing.T) {
	tests := []struct {
		name   string
		stage  string
		status string
	}{
		{"completed stage", "scan", "completed"},
		{"failed stage", "write", "failed"},
		{"skipped stage", "setup", "skipped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(StageRuns.WithLabelValues(tt.stage, tt.status))
			RecordStage(tt.stage, tt.status, 250*time.Millisecond)
			after := testutil.ToFloat64(StageRuns.WithLabelValues(tt.stage, tt.status))
			assert.Equal(t, before+1, after)
		})
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	ToolCalls.WithLabelValues("grep", "ok").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chbuild_tool_calls_total")
}
