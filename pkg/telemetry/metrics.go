package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/trackrecon/trackrecon/pkg/engine"
)

// Metrics provides Prometheus metrics for reconciliation runs. A Metrics built
// from a disabled config records nothing; every method is nil-safe.
//
// Metrics implements engine.Observer and sheets.WriteObserver.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Query metrics
	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	queryAttempts *prometheus.HistogramVec
	queryRetries  *prometheus.CounterVec
	inFlight      *prometheus.GaugeVec

	// Decision metrics
	alerts      *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	normalized  *prometheus.CounterVec
	ruleReloads prometheus.Counter

	// Write metrics
	cellsStaged    prometheus.Counter
	rangesWritten  prometheus.Counter
	writeThrottled prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of reconciliation runs by final status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of reconciliation runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),

		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_total",
				Help:      "Total number of tracking queries by outcome",
			},
			[]string{"provider", "outcome"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_seconds",
				Help:      "Duration of tracking queries including retries",
				Buckets:   buckets,
			},
			[]string{"provider"},
		),
		queryAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_attempts",
				Help:      "Attempts spent per tracking query",
				Buckets:   []float64{1, 2, 3, 4, 5, 8},
			},
			[]string{"provider"},
		),
		queryRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_retries_total",
				Help:      "Total number of query retries",
			},
			[]string{"provider"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queries_in_flight",
				Help:      "Current number of queries in flight",
			},
			[]string{"provider"},
		),

		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Total number of alerts raised by rule",
			},
			[]string{"rule"},
		),
		skipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_skipped_total",
				Help:      "Total number of records skipped by reason",
			},
			[]string{"reason"},
		),
		normalized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "statuses_normalized_total",
				Help:      "Total number of carrier texts normalized by tier",
			},
			[]string{"via"},
		),
		ruleReloads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_reloads_total",
				Help:      "Total number of rule sets adopted mid-run",
			},
		),

		cellsStaged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cells_staged_total",
				Help:      "Total number of cell writes staged",
			},
		),
		rangesWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ranges_written_total",
				Help:      "Total number of ranges written to the sheet",
			},
		),
		writeThrottled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "write_throttled_total",
				Help:      "Total number of throttled batch writes",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class and code",
			},
			[]string{"class", "code"},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.queries,
		m.queryDuration,
		m.queryAttempts,
		m.queryRetries,
		m.inFlight,
		m.alerts,
		m.skipped,
		m.normalized,
		m.ruleReloads,
		m.cellsStaged,
		m.rangesWritten,
		m.writeThrottled,
		m.errorsByClass,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted marks a run as active.
func (m *Metrics) RecordRunStarted() {
	if m == nil || m.activeRuns == nil {
		return
	}
	m.activeRuns.Inc()
}

// RecordRunCompleted records a finished run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Query Metrics

// QueryCompleted records one finished query.
func (m *Metrics) QueryCompleted(provider string, outcome engine.Outcome, attempts int, duration time.Duration) {
	if m == nil || m.queries == nil {
		return
	}
	m.queries.WithLabelValues(provider, string(outcome)).Inc()
	m.queryDuration.WithLabelValues(provider).Observe(duration.Seconds())
	m.queryAttempts.WithLabelValues(provider).Observe(float64(attempts))
}

// QueryRetried records one retry.
func (m *Metrics) QueryRetried(provider string) {
	if m == nil || m.queryRetries == nil {
		return
	}
	m.queryRetries.WithLabelValues(provider).Inc()
}

// InFlight adjusts the in-flight gauge.
func (m *Metrics) InFlight(provider string, delta int) {
	if m == nil || m.inFlight == nil {
		return
	}
	m.inFlight.WithLabelValues(provider).Add(float64(delta))
}

// Decision Metrics

// RecordAlert counts an alert raised by the named rule.
func (m *Metrics) RecordAlert(rule string) {
	if m == nil || m.alerts == nil {
		return
	}
	m.alerts.WithLabelValues(rule).Inc()
}

// RecordSkipped counts a record left out of querying.
func (m *Metrics) RecordSkipped(reason string) {
	if m == nil || m.skipped == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

// RecordNormalized counts a carrier text resolved through the given tier.
func (m *Metrics) RecordNormalized(via string) {
	if m == nil || m.normalized == nil {
		return
	}
	m.normalized.WithLabelValues(via).Inc()
}

// RecordRuleReload counts a rule set adopted at a sub-batch boundary.
func (m *Metrics) RecordRuleReload() {
	if m == nil || m.ruleReloads == nil {
		return
	}
	m.ruleReloads.Inc()
}

// Write Metrics

// CellsStaged counts staged cell writes.
func (m *Metrics) CellsStaged(n int) {
	if m == nil || m.cellsStaged == nil {
		return
	}
	m.cellsStaged.Add(float64(n))
}

// RangesWritten counts ranges accepted by the backend.
func (m *Metrics) RangesWritten(n int) {
	if m == nil || m.rangesWritten == nil {
		return
	}
	m.rangesWritten.Add(float64(n))
}

// WriteThrottled counts a throttled batch write.
func (m *Metrics) WriteThrottled() {
	if m == nil || m.writeThrottled == nil {
		return
	}
	m.writeThrottled.Inc()
}

// Error Metrics

// RecordError records an error by its engine class and code. Errors outside
// the taxonomy are counted as class "unknown".
func (m *Metrics) RecordError(err error) {
	if m == nil || m.errorsByClass == nil || err == nil {
		return
	}
	class, code := "unknown", ""
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		class, code = string(ee.Class), ee.Code
	}
	m.errorsByClass.WithLabelValues(class, code).Inc()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if m == nil || !m.config.Enabled {
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
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	return nil
}
