package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for Orchard.
type Metrics struct {
	config MetricsConfig

	// Job metrics
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	activeJobs    prometheus.Gauge

	// Lock metrics
	lockAcquisitions *prometheus.CounterVec
	lockConflicts    prometheus.Counter

	// Node operation metrics
	nodeOperations       *prometheus.CounterVec
	nodeOperationLatency *prometheus.HistogramVec

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

		jobsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_started_total",
				Help:      "Total number of orchestration jobs started",
			},
			[]string{"kind"},
		),
		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Total number of orchestration jobs completed",
			},
			[]string{"kind", "state"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of orchestration jobs in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "state"},
		),
		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Number of orchestration jobs currently running",
			},
		),

		lockAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_acquisitions_total",
				Help:      "Total number of lock acquisition attempts",
			},
			[]string{"outcome"},
		),
		lockConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_conflicts_total",
				Help:      "Total number of lock acquisitions rejected because another owner holds the lock",
			},
		),

		nodeOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_operations_total",
				Help:      "Total number of per-node remote operations",
			},
			[]string{"operation", "status"},
		),
		nodeOperationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_operation_duration_seconds",
				Help:      "Duration of per-node remote operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.jobsStarted,
		m.jobsCompleted,
		m.jobDuration,
		m.activeJobs,
		m.lockAcquisitions,
		m.lockConflicts,
		m.nodeOperations,
		m.nodeOperationLatency,
	)

	return m, nil
}

// Handler returns an HTTP handler exposing the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if !m.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordJobStarted records the start of an orchestration job.
func (m *Metrics) RecordJobStarted(kind string) {
	if !m.config.Enabled {
		return
	}
	m.jobsStarted.WithLabelValues(kind).Inc()
	m.activeJobs.Inc()
}

// RecordJobCompleted records a terminal job state and its duration.
func (m *Metrics) RecordJobCompleted(kind, state string, duration time.Duration) {
	if !m.config.Enabled {
		return
	}
	m.jobsCompleted.WithLabelValues(kind, state).Inc()
	m.jobDuration.WithLabelValues(kind, state).Observe(duration.Seconds())
	m.activeJobs.Dec()
}

// RecordLockAcquisition records a lock acquisition attempt.
// Outcome is one of "acquired", "reentrant", "conflict".
func (m *Metrics) RecordLockAcquisition(outcome string) {
	if !m.config.Enabled {
		return
	}
	m.lockAcquisitions.WithLabelValues(outcome).Inc()
	if outcome == "conflict" {
		m.lockConflicts.Inc()
	}
}

// RecordNodeOperation records the outcome of a single per-node operation.
func (m *Metrics) RecordNodeOperation(operation, status string, duration time.Duration) {
	if !m.config.Enabled {
		return
	}
	m.nodeOperations.WithLabelValues(operation, status).Inc()
	m.nodeOperationLatency.WithLabelValues(operation).Observe(duration.Seconds())
}
