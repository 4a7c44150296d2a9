package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all sync engine metrics
type Metrics struct {
	registry *prometheus.Registry

	// Reconciler
	ReconcileTotal    *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	CorruptEntries    prometheus.Counter

	// Connectivity and remote calls
	ProbeTotal     *prometheus.CounterVec
	RemoteRequests *prometheus.CounterVec
	RemoteLatency  *prometheus.HistogramVec
	VerifyTotal    *prometheus.CounterVec

	// Pending operation queue
	QueueSize      prometheus.Gauge
	QueueProcessed prometheus.Counter
	QueueFailed    *prometheus.CounterVec
	QueueDropped   *prometheus.CounterVec

	// Scheduler
	TaskRuns    *prometheus.CounterVec
	TaskSkipped *prometheus.CounterVec

	// Active patient state machine
	ActiveTransitions *prometheus.CounterVec

	// Local store
	StoreOperations *prometheus.CounterVec
	StoreLatency    *prometheus.HistogramVec
}

// New creates all metrics on a private registry so several engines can live
// in one process (tests, multi-account CLI runs).
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ReconcileTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "resolutions_total",
			Help:      "Profile resolutions by winning source",
		}, []string{"source"}),
		ReconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "resolution_duration_seconds",
			Help:      "Time spent resolving one profile",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		CorruptEntries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "corrupt_entries_total",
			Help:      "Cache entries deleted because they failed to parse",
		}),

		ProbeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "probes_total",
			Help:      "Connectivity probes by result",
		}, []string{"result"}),
		RemoteRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "requests_total",
			Help:      "Remote API requests",
		}, []string{"operation", "status"}),
		RemoteLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "request_duration_seconds",
			Help:      "Duration of remote API requests",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
		VerifyTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "verifications_total",
			Help:      "Link and existence verifications by verdict",
		}, []string{"check", "verdict"}),

		QueueSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending_operations",
			Help:      "Current number of pending operations",
		}),
		QueueProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "operations_processed_total",
			Help:      "Pending operations delivered to the server",
		}),
		QueueFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "operation_attempts_failed_total",
			Help:      "Failed delivery attempts by operation kind",
		}, []string{"kind"}),
		QueueDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "operations_dropped_total",
			Help:      "Operations dropped after an authoritative rejection",
		}, []string{"kind"}),

		TaskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_runs_total",
			Help:      "Scheduler task executions",
		}, []string{"task", "status"}),
		TaskSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_skipped_total",
			Help:      "Triggers skipped by their throttle guard",
		}, []string{"task"}),

		ActiveTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "active",
			Name:      "transitions_total",
			Help:      "Active patient state transitions",
		}, []string{"transition"}),

		StoreOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of local store operations",
		}, []string{"operation", "status"}),
		StoreLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of local store operations",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"operation"}),
	}
}

// Registry returns the registry to expose over promhttp.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
