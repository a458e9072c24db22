package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for taskcore.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Command metrics
	commandsExecuted *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	toolsNotFound    *prometheus.CounterVec

	// Poll metrics
	pollAttempts *prometheus.CounterVec
	pollResults  *prometheus.CounterVec
	pollDuration prometheus.Histogram

	// Connection metrics
	connectionsOpened *prometheus.CounterVec
	openConnections   prometheus.Gauge

	// Transform metrics
	transformsApplied *prometheus.CounterVec
	substitutions     *prometheus.CounterVec

	policyDenials *prometheus.CounterVec
	errorsByKind  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of task runs started",
			},
			[]string{"task"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of task runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of task runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of task runs in progress",
			},
		),

		commandsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_executed_total",
				Help:      "Total number of external commands executed",
			},
			[]string{"tool", "status"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of external commands in seconds",
				Buckets:   buckets,
			},
			[]string{"tool"},
		),
		toolsNotFound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_lookup_failures_total",
				Help:      "Total number of commands rejected because the tool was not on PATH",
			},
			[]string{"tool"},
		),

		pollAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_attempts_total",
				Help:      "Total number of readiness poll attempts",
			},
			[]string{"outcome"},
		),
		pollResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_results_total",
				Help:      "Total number of completed readiness polls",
			},
			[]string{"ready"},
		),
		pollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Wall-clock duration of readiness polls in seconds",
				Buckets:   buckets,
			},
		),

		connectionsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_opened_total",
				Help:      "Total number of endpoint connections opened",
			},
			[]string{"kind"},
		),
		openConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_connections",
				Help:      "Number of endpoint connections not yet closed",
			},
		),

		transformsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transforms_applied_total",
				Help:      "Total number of config documents transformed",
			},
			[]string{"format", "operation"},
		),
		substitutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "substitutions_total",
				Help:      "Total number of values substituted in config documents",
			},
			[]string{"format"},
		),

		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of commands denied by admission policy",
			},
			[]string{"policy"},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.commandsExecuted,
		m.commandDuration,
		m.toolsNotFound,
		m.pollAttempts,
		m.pollResults,
		m.pollDuration,
		m.connectionsOpened,
		m.openConnections,
		m.transformsApplied,
		m.substitutions,
		m.policyDenials,
		m.errorsByKind,
	)

	return m, nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(task string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(task).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordCommand records a finished command. status is "success" or "failure".
func (m *Metrics) RecordCommand(tool, status string, duration time.Duration) {
	if m.commandsExecuted == nil {
		return
	}
	m.commandsExecuted.WithLabelValues(tool, status).Inc()
	m.commandDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordToolNotFound records a command rejected before spawn.
func (m *Metrics) RecordToolNotFound(tool string) {
	if m.toolsNotFound == nil {
		return
	}
	m.toolsNotFound.WithLabelValues(tool).Inc()
}

// RecordPollAttempt records one poll request. outcome is "ready",
// "not_ready" or "unreachable".
func (m *Metrics) RecordPollAttempt(outcome string) {
	if m.pollAttempts == nil {
		return
	}
	m.pollAttempts.WithLabelValues(outcome).Inc()
}

// RecordPollResult records the end of a poll loop.
func (m *Metrics) RecordPollResult(ready bool, duration time.Duration) {
	if m.pollResults == nil {
		return
	}
	m.pollResults.WithLabelValues(strconv.FormatBool(ready)).Inc()
	m.pollDuration.Observe(duration.Seconds())
}

// RecordConnectionOpened records a successfully opened connection.
func (m *Metrics) RecordConnectionOpened(kind string) {
	if m.connectionsOpened == nil {
		return
	}
	m.connectionsOpened.WithLabelValues(kind).Inc()
	m.openConnections.Inc()
}

// RecordConnectionClosed records a released connection.
func (m *Metrics) RecordConnectionClosed() {
	if m.openConnections == nil {
		return
	}
	m.openConnections.Dec()
}

// RecordTransform records a transformed document.
func (m *Metrics) RecordTransform(format, operation string, substitutions int) {
	if m.transformsApplied == nil {
		return
	}
	m.transformsApplied.WithLabelValues(format, operation).Inc()
	if substitutions > 0 {
		m.substitutions.WithLabelValues(format).Add(float64(substitutions))
	}
}

// RecordPolicyDenial records a command denied by the named policy.
func (m *Metrics) RecordPolicyDenial(policy string) {
	if m.policyDenials == nil {
		return
	}
	m.policyDenials.WithLabelValues(policy).Inc()
}

// RecordError records an error by kind.
func (m *Metrics) RecordError(kind string) {
	if m.errorsByKind == nil || kind == "" {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics in the background when a listen address
// is configured.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server stopped")
		}
	}()

	return nil
}
