package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// Tracked concerns:
//   - Agent run lifecycle and active session counts
//   - LLM request performance, retries, and token consumption
//   - Tool execution patterns and latencies
//   - Event fan-out volume
//   - HTTP request latency and rate-limit rejections
type Metrics struct {
	// RunCounter counts agent runs by outcome.
	// Labels: outcome (complete|budget_exceeded|tool_limit_exceeded|error|cancelled)
	RunCounter *prometheus.CounterVec

	// ActiveSessions is a gauge tracking runs between admission and release.
	ActiveSessions prometheus.Gauge

	// LLMRequestDuration measures model API call latency in seconds.
	// Labels: model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model requests.
	// Labels: model, status (success|error|retry)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// EventCounter counts events published on the session bus.
	// Labels: type
	EventCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// RateLimitRejections counts requests refused by the rate limiter.
	// Labels: surface (http|ws)
	RateLimitRejections *prometheus.CounterVec

	// ApprovalCounter counts patch-approval outcomes.
	// Labels: outcome (approved|denied|timeout)
	ApprovalCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at startup; the families are served at /metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RunCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klaus_runs_total",
				Help: "Total number of agent runs by outcome",
			},
			[]string{"outcome"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "klaus_active_sessions",
				Help: "Current number of admitted agent runs",
			},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "klaus_llm_request_duration_seconds",
				Help:    "Duration of model API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klaus_llm_requests_total",
				Help: "Total number of model requests by model and status",
			},
			[]string{"model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klaus_llm_tokens_total",
				Help: "Total number of tokens used by model and type",
			},
			[]string{"model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klaus_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "klaus_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		EventCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klaus_events_total",
				Help: "Total number of events published to session subscribers",
			},
			[]string{"type"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "klaus_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klaus_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		RateLimitRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klaus_rate_limit_rejections_total",
				Help: "Total number of requests refused by the rate limiter",
			},
			[]string{"surface"},
		),

		ApprovalCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klaus_patch_approvals_total",
				Help: "Total number of patch-approval outcomes",
			},
			[]string{"outcome"},
		),
	}
}

// RecordRun records the outcome of an agent run.
func (m *Metrics) RecordRun(outcome string) {
	m.RunCounter.WithLabelValues(outcome).Inc()
}

// RunAdmitted increments the active session gauge.
func (m *Metrics) RunAdmitted() {
	m.ActiveSessions.Inc()
}

// RunReleased decrements the active session gauge.
func (m *Metrics) RunReleased() {
	m.ActiveSessions.Dec()
}

// RecordLLMRequest records metrics for a model API request.
func (m *Metrics) RecordLLMRequest(model, status string, durationSeconds float64, inputTokens, outputTokens int64) {
	m.LLMRequestCounter.WithLabelValues(model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordEvent counts an event published to the session bus.
func (m *Metrics) RecordEvent(eventType string) {
	m.EventCounter.WithLabelValues(eventType).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordRateLimitRejection counts a rate-limited request.
func (m *Metrics) RecordRateLimitRejection(surface string) {
	m.RateLimitRejections.WithLabelValues(surface).Inc()
}

// RecordApproval counts a patch-approval outcome.
func (m *Metrics) RecordApproval(outcome string) {
	m.ApprovalCounter.WithLabelValues(outcome).Inc()
}
