// Package observability provides Prometheus metrics and structured logging
// setup for the execution core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the core's Prometheus instruments: tool dispatch, model
// streaming, retry/circuit behavior, subprocess supervision, and
// conversation compaction.
type Metrics struct {
	// ToolInvocations counts dispatches.
	// Labels: tool, status (ok|tool_error|<error kind>)
	ToolInvocations *prometheus.CounterVec

	// ToolDuration measures dispatch wall time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// StreamRequests counts model API calls.
	// Labels: model, status (ok|error|cancelled)
	StreamRequests *prometheus.CounterVec

	// StreamDuration measures full-stream latency in seconds.
	// Labels: model
	StreamDuration *prometheus.HistogramVec

	// TokensUsed tracks reported usage.
	// Labels: model, type (input|output)
	TokensUsed *prometheus.CounterVec

	// RetryAttempts counts retried calls by error class.
	// Labels: endpoint, class
	RetryAttempts *prometheus.CounterVec

	// CircuitTransitions counts breaker state changes.
	// Labels: endpoint, to (open|half_open|closed)
	CircuitTransitions *prometheus.CounterVec

	// BackgroundTasks gauges the task table by status.
	// Labels: status (running|completed|failed|killed)
	BackgroundTasks *prometheus.GaugeVec

	// ShellSessions gauges the live shell session pool.
	ShellSessions prometheus.Gauge

	// Compactions counts microcompactor runs.
	// Labels: outcome (compacted|skipped)
	Compactions *prometheus.CounterVec

	// TokensReclaimed totals the token estimate removed by compaction.
	TokensReclaimed prometheus.Counter
}

// NewMetrics creates and registers all instruments with the default
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		ToolInvocations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacit_tool_invocations_total",
				Help: "Tool dispatches by tool and terminal status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tacit_tool_duration_seconds",
				Help:    "Tool dispatch wall time",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool"},
		),
		StreamRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacit_stream_requests_total",
				Help: "Model API streaming calls by model and status",
			},
			[]string{"model", "status"},
		),
		StreamDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tacit_stream_duration_seconds",
				Help:    "Latency from request to message_stop",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model"},
		),
		TokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacit_tokens_used_total",
				Help: "Token usage reported by the model API",
			},
			[]string{"model", "type"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacit_retry_attempts_total",
				Help: "Retried calls by endpoint and error class",
			},
			[]string{"endpoint", "class"},
		),
		CircuitTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacit_circuit_transitions_total",
				Help: "Circuit breaker state changes",
			},
			[]string{"endpoint", "to"},
		),
		BackgroundTasks: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tacit_background_tasks",
				Help: "Background task table size by status",
			},
			[]string{"status"},
		),
		ShellSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tacit_shell_sessions",
				Help: "Live persistent shell sessions",
			},
		),
		Compactions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacit_compactions_total",
				Help: "Microcompactor runs by outcome",
			},
			[]string{"outcome"},
		),
		TokensReclaimed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tacit_tokens_reclaimed_total",
				Help: "Token estimate removed by compaction",
			},
		),
	}
}
