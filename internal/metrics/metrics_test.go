package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_New(t *testing.T) {
	m := New()
	assert.NotNil(t, m.BeatsTotal)
	assert.NotNil(t, m.BeatDuration)
	assert.NotNil(t, m.TasksAssessed)
	assert.NotNil(t, m.TasksExecuted)
	assert.NotNil(t, m.SessionsTotal)
	assert.NotNil(t, m.ErrorsTotal)
}

func TestMetrics_RecordBeat(t *testing.T) {
	m := New()
	m.RecordBeat("assess", 0.25)
	m.RecordBeat("execute", 0.5)

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `agentqueue_heartbeat_beats_total 2`)
	assert.Contains(t, body, `agentqueue_heartbeat_phase_duration_seconds_count{phase="execute"} 1`)
}

func TestMetrics_RecordTasksAssessedAndExecuted(t *testing.T) {
	m := New()
	m.RecordTasksAssessed(3)
	m.RecordTasksExecuted(2)

	body := getMetricsBody(t, m)
	assert.Contains(t, body, "agentqueue_tasks_assessed_total 3")
	assert.Contains(t, body, "agentqueue_tasks_executed_total 2")
}

func TestMetrics_SetTasksByStatus(t *testing.T) {
	m := New()
	m.SetTasksByStatus("pending", 5)

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `agentqueue_tasks_by_status{status="pending"} 5`)
}

func TestMetrics_RecordSession(t *testing.T) {
	m := New()
	m.RecordSession("ready_for_review", 12.0)
	m.RecordSession("failed", 3.0)

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `agentqueue_sessions_total{outcome="failed"} 1`)
	assert.Contains(t, body, `agentqueue_sessions_total{outcome="ready_for_review"} 1`)
}

func TestMetrics_RecordRateLimitHit(t *testing.T) {
	m := New()
	m.RecordRateLimitHit()

	body := getMetricsBody(t, m)
	assert.Contains(t, body, "agentqueue_rate_limit_hits_total 1")
}

func TestMetrics_RecordError(t *testing.T) {
	m := New()
	m.RecordError("scheduler", "session_spawn_failure")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `agentqueue_errors_total{module="scheduler",type="session_spawn_failure"} 1`)
}

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("/api/v1/tasks", "201", 0.01)

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `agentqueue_http_requests_total{route="/api/v1/tasks",status="201"} 1`)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	handler := m.Handler()
	assert.NotNil(t, handler)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func getMetricsBody(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	body, _ := io.ReadAll(rr.Body)
	return strings.TrimSpace(string(body))
}
