package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for planq. planq is not a server, so the
// registry is written to a node-exporter textfile after each run instead of
// being scraped.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	phaseDuration *prometheus.HistogramVec
	lockWait      prometheus.Histogram
	lastRun       prometheus.Gauge

	// Queue metrics
	queueItems    *prometheus.GaugeVec
	expiredLeases prometheus.Gauge

	// Archive metrics
	archived     *prometheus.CounterVec
	indexEntries prometheus.Gauge
	heldBack     prometheus.Gauge

	// Gate metrics
	gateIssues *prometheus.GaugeVec

	// Document metrics
	repairs     *prometheus.CounterVec
	plansByRoot *prometheus.GaugeVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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
				Name:      "runs_total",
				Help:      "Total number of preflight runs by outcome",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of preflight runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of preflight phases in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),
		lockWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for the workspace lock",
				Buckets:   buckets,
			},
		),
		lastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the last finished run",
			},
		),

		queueItems: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_items",
				Help:      "Items in the hot queue by state",
			},
			[]string{"state"},
		),
		expiredLeases: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_expired_leases",
				Help:      "Active items whose lease has expired",
			},
		),

		archived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archived_total",
				Help:      "Records appended to the archive by kind",
			},
			[]string{"kind"},
		),
		indexEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "archive_index_entries",
				Help:      "Entries in the archive index",
			},
		),
		heldBack: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "archive_held_back_items",
				Help:      "Archivable items held back by archive-blocking gate issues",
			},
		),

		gateIssues: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gate_issues",
				Help:      "Quality-gate issues of the last run by rule and severity",
			},
			[]string{"rule", "severity"},
		),

		repairs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repairs_total",
				Help:      "Normalization repairs by document kind",
			},
			[]string{"document"},
		),
		plansByRoot: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plans",
				Help:      "Plan directories discovered by root",
			},
			[]string{"root"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Failed runs by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.phaseDuration,
		m.lockWait,
		m.lastRun,
		m.queueItems,
		m.expiredLeases,
		m.archived,
		m.indexEntries,
		m.heldBack,
		m.gateIssues,
		m.repairs,
		m.plansByRoot,
		m.errorsByCode,
	)

	return m, nil
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// Registry returns the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Run Metrics

// RecordRunCompleted records a finished run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration, finishedAt time.Time) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.lastRun.Set(float64(finishedAt.Unix()))
}

// RecordPhase records the duration of a preflight phase.
func (m *Metrics) RecordPhase(phase string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordLockWait records how long acquiring the workspace lock took.
func (m *Metrics) RecordLockWait(duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.lockWait.Observe(duration.Seconds())
}

// Queue Metrics

// SetQueueItems replaces the per-state item gauges.
func (m *Metrics) SetQueueItems(byState map[string]int, expiredLeases int) {
	if m.registry == nil {
		return
	}
	m.queueItems.Reset()
	for state, n := range byState {
		m.queueItems.WithLabelValues(state).Set(float64(n))
	}
	m.expiredLeases.Set(float64(expiredLeases))
}

// Archive Metrics

// RecordArchived counts records appended to the archive.
func (m *Metrics) RecordArchived(kind string, n int) {
	if m.registry == nil || n == 0 {
		return
	}
	m.archived.WithLabelValues(kind).Add(float64(n))
}

// SetArchiveState sets the index size and the held-back item count.
func (m *Metrics) SetArchiveState(indexEntries, heldBack int) {
	if m.registry == nil {
		return
	}
	m.indexEntries.Set(float64(indexEntries))
	m.heldBack.Set(float64(heldBack))
}

// Gate Metrics

// IssueCount is the number of issues for one rule and severity.
type IssueCount struct {
	Rule     string
	Severity string
	Count    int
}

// SetGateIssues replaces the gate issue gauges with the last run's counts.
func (m *Metrics) SetGateIssues(counts []IssueCount) {
	if m.registry == nil {
		return
	}
	m.gateIssues.Reset()
	for _, c := range counts {
		m.gateIssues.WithLabelValues(c.Rule, c.Severity).Add(float64(c.Count))
	}
}

// Document Metrics

// RecordRepairs counts normalization repairs for a document kind.
func (m *Metrics) RecordRepairs(document string, n int) {
	if m.registry == nil || n == 0 {
		return
	}
	m.repairs.WithLabelValues(document).Add(float64(n))
}

// SetPlans sets the number of plans discovered per root.
func (m *Metrics) SetPlans(byRoot map[string]int) {
	if m.registry == nil {
		return
	}
	m.plansByRoot.Reset()
	for root, n := range byRoot {
		m.plansByRoot.WithLabelValues(root).Set(float64(n))
	}
}

// Error Metrics

// RecordError counts a failed run by error code.
func (m *Metrics) RecordError(code string) {
	if m.registry == nil || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
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

// WriteTextfile writes the registry to the configured textfile in the
// node-exporter text format. The write is atomic. It does nothing when
// metrics are disabled or no textfile is configured.
func (m *Metrics) WriteTextfile() error {
	if m.registry == nil || m.config.Textfile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.config.Textfile), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(m.config.Textfile, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
