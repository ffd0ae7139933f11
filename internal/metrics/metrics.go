// Package metrics defines the daemon's Prometheus collectors: staples
// issued/failed, queue depth, and scheduler backlog, registered against a
// private registry so tests can construct independent instances.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ocspd"

// Metrics holds every collector exposed on the admin surface's /metrics
// endpoint.
type Metrics struct {
	Registry *prometheus.Registry

	StaplesIssued   prometheus.Counter
	StaplesFailed   *prometheus.CounterVec // labelled by failure reason
	AcquireDuration prometheus.Histogram
	QueueDepth      *prometheus.GaugeVec // labelled by queue name
	SchedulerBacklog prometheus.Gauge
	RecordsTracked  prometheus.Gauge
}

// New builds a Metrics bound to a fresh, private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		StaplesIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "acquirer",
			Name:      "staples_issued_total",
			Help:      "Number of OCSP staples successfully acquired and persisted.",
		}),
		StaplesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "acquirer",
			Name:      "staples_failed_total",
			Help:      "Number of OCSP staple acquisition attempts that failed, by reason.",
		}, []string{"reason"}),
		AcquireDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "acquirer",
			Name:      "acquire_duration_seconds",
			Help:      "Time spent acquiring an OCSP staple for one record, across all URL attempts.",
			Buckets:   prometheus.DefBuckets,
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Number of tasks currently buffered in a named queue, awaiting a worker.",
		}, []string{"queue"}),
		SchedulerBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pending_tasks",
			Help:      "Number of tasks scheduled for the future but not yet promoted to a queue.",
		}),
		RecordsTracked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "tracked",
			Help:      "Number of certificate records currently known to the engine.",
		}),
	}
}
