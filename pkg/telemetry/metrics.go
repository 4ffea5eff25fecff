package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for reconciliation and CI runs.
// A disabled Metrics is a safe no-op.
type Metrics struct {
	config MetricsConfig

	reconcileRuns     *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	unitsApplied      *prometheus.CounterVec
	clusterMutations  prometheus.Counter
	blockedUnits      prometheus.Counter

	ciJobs        *prometheus.CounterVec
	ciJobDuration *prometheus.HistogramVec
	artifacts     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		reconcileRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "reconcile_runs_total",
				Help:      "Reconciliation runs by final status",
			},
			[]string{"status"},
		),
		reconcileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of reconciliation runs",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		unitsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "plan_units_applied_total",
				Help:      "Plan units applied by operation and status",
			},
			[]string{"operation", "status"},
		),
		clusterMutations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "cluster_mutations_total",
				Help:      "Mutating cluster calls issued",
			},
		),
		blockedUnits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "blocked_units_total",
				Help:      "Units blocked behind a failed dependency",
			},
		),
		ciJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "ci_jobs_total",
				Help:      "CI matrix jobs by stage and status",
			},
			[]string{"stage", "status"},
		),
		ciJobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "ci_job_duration_seconds",
				Help:      "Duration of CI matrix jobs",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			},
			[]string{"stage"},
		),
		artifacts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "ci_artifacts_total",
				Help:      "Artifacts captured and uploaded",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.reconcileRuns, m.reconcileDuration, m.unitsApplied,
		m.clusterMutations, m.blockedUnits,
		m.ciJobs, m.ciJobDuration, m.artifacts,
	)

	return m
}

// Handler returns an HTTP handler serving the registry, or nil when
// metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveReconcileRun records a completed reconciliation run.
func (m *Metrics) ObserveReconcileRun(status string, duration time.Duration, mutations, blocked int) {
	if m.registry == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(status).Inc()
	m.reconcileDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.clusterMutations.Add(float64(mutations))
	m.blockedUnits.Add(float64(blocked))
}

// ObserveUnitApplied records one applied plan unit.
func (m *Metrics) ObserveUnitApplied(operation, status string) {
	if m.registry == nil {
		return
	}
	m.unitsApplied.WithLabelValues(operation, status).Inc()
}

// ObserveCIJob records one finished CI matrix job.
func (m *Metrics) ObserveCIJob(stage, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.ciJobs.WithLabelValues(stage, status).Inc()
	m.ciJobDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveArtifacts records captured or uploaded artifacts.
func (m *Metrics) ObserveArtifacts(kind string, n int) {
	if m.registry == nil || n == 0 {
		return
	}
	m.artifacts.WithLabelValues(kind).Add(float64(n))
}
