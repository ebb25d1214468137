// Package metrics defines the Prometheus metrics exported by the batch engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the namespace for all docbatch metrics.
	Namespace = "docbatch"

	// Subsystem is the subsystem for engine metrics.
	Subsystem = "engine"
)

// Metrics holds all Prometheus metrics for the engine. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Item metrics
	ItemOutcomes       *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec

	// Job metrics
	JobTransitions *prometheus.CounterVec
	ActiveJobs     prometheus.Gauge

	// Worker pool metrics
	PoolSize    prometheus.Gauge
	WorkersBusy prometheus.Gauge

	// Store and export metrics
	StoreErrors  *prometheus.CounterVec
	StaleClaims  prometheus.Gauge
	ExportedRows *prometheus.CounterVec
}

// NewMetrics creates and registers all engine metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ItemOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "item_outcomes_total",
			Help:      "Analysis attempts by outcome",
		}, []string{"analysis_kind", "outcome"}),
		InvocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "invocation_duration_seconds",
			Help:      "Duration of analyzer invocations",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"analysis_kind"}),
		JobTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "job_transitions_total",
			Help:      "Job status transitions by target status",
		}, []string{"status"}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "active_jobs",
			Help:      "Jobs currently serviced by the worker pool",
		}),
		PoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "pool_size",
			Help:      "Configured number of workers",
		}),
		WorkersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "workers_busy",
			Help:      "Workers currently holding a claimed item",
		}),
		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "store_errors_total",
			Help:      "Store failures seen by workers, by operation",
		}, []string{"op"}),
		StaleClaims: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "stale_claims",
			Help:      "Items claimed longer than the staleness threshold at the last sweep",
		}),
		ExportedRows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "export",
			Name:      "rows_total",
			Help:      "Rows written by exports, by format",
		}, []string{"format"}),
	}
}

func (m *Metrics) ObserveInvocation(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ItemOutcomes.WithLabelValues(kind, outcome).Inc()
	m.InvocationDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) JobTransition(status string) {
	if m == nil {
		return
	}
	m.JobTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) SetActiveJobs(n int) {
	if m == nil {
		return
	}
	m.ActiveJobs.Set(float64(n))
}

func (m *Metrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.PoolSize.Set(float64(n))
}

func (m *Metrics) WorkerBusy(delta int) {
	if m == nil {
		return
	}
	m.WorkersBusy.Add(float64(delta))
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) SetStaleClaims(n int) {
	if m == nil {
		return
	}
	m.StaleClaims.Set(float64(n))
}

func (m *Metrics) ExportRows(format string, n int) {
	if m == nil {
		return
	}
	m.ExportedRows.WithLabelValues(format).Add(float64(n))
}
