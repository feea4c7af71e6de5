// Package metrics provides Prometheus metrics for the agent-queue runtime.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the scheduler, heartbeat, and
// HTTP façade, registered on a private registry exposed via Handler.
type Metrics struct {
	BeatsTotal          prometheus.Counter
	BeatDuration        *prometheus.HistogramVec
	TasksAssessed       prometheus.Counter
	TasksExecuted       prometheus.Counter
	TasksByStatus       *prometheus.GaugeVec
	SessionsTotal       *prometheus.CounterVec
	SessionDuration     prometheus.Histogram
	RateLimitHits       prometheus.Counter
	ErrorsTotal         *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		BeatsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentqueue_heartbeat_beats_total",
				Help: "Total number of heartbeat beats run.",
			},
		),
		BeatDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentqueue_heartbeat_phase_duration_seconds",
				Help:    "Heartbeat beat duration by phase.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		TasksAssessed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentqueue_tasks_assessed_total",
				Help: "Total number of tasks assessed by AssessmentEngine.",
			},
		),
		TasksExecuted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentqueue_tasks_executed_total",
				Help: "Total number of task sessions spawned.",
			},
		),
		TasksByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentqueue_tasks_by_status",
				Help: "Current number of tasks in each status.",
			},
			[]string{"status"},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentqueue_sessions_total",
				Help: "Total number of agent sessions by terminal outcome.",
			},
			[]string{"outcome"},
		),
		SessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentqueue_session_duration_seconds",
				Help:    "Wall-clock duration of agent sessions.",
				Buckets: prometheus.ExponentialBuckets(5, 2, 12),
			},
		),
		RateLimitHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentqueue_rate_limit_hits_total",
				Help: "Total number of heartbeat beats skipped due to an active rate limit.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentqueue_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentqueue_http_requests_total",
				Help: "Total HTTP requests by route and status.",
			},
			[]string{"route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentqueue_http_request_duration_seconds",
				Help:    "HTTP request duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.BeatsTotal, m.BeatDuration, m.TasksAssessed, m.TasksExecuted,
		m.TasksByStatus, m.SessionsTotal, m.SessionDuration, m.RateLimitHits,
		m.ErrorsTotal, m.HTTPRequestsTotal, m.HTTPRequestDuration,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordBeat records one heartbeat beat's duration under the given phase.
func (m *Metrics) RecordBeat(phase string, seconds float64) {
	m.BeatsTotal.Inc()
	m.BeatDuration.WithLabelValues(phase).Observe(seconds)
}

// RecordTasksAssessed adds n to the assessed-tasks counter.
func (m *Metrics) RecordTasksAssessed(n int) {
	m.TasksAssessed.Add(float64(n))
}

// RecordTasksExecuted adds n to the executed-tasks counter.
func (m *Metrics) RecordTasksExecuted(n int) {
	m.TasksExecuted.Add(float64(n))
}

// SetTasksByStatus sets the current gauge value for a task status.
func (m *Metrics) SetTasksByStatus(status string, count int) {
	m.TasksByStatus.WithLabelValues(status).Set(float64(count))
}

// RecordSession records a terminal session outcome and its duration.
func (m *Metrics) RecordSession(outcome string, seconds float64) {
	m.SessionsTotal.WithLabelValues(outcome).Inc()
	m.SessionDuration.Observe(seconds)
}

// RecordRateLimitHit increments the rate-limit-skip counter.
func (m *Metrics) RecordRateLimitHit() {
	m.RateLimitHits.Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}

// RecordHTTPRequest records one HTTP request's route, status and duration.
func (m *Metrics) RecordHTTPRequest(route, status string, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(seconds)
}
