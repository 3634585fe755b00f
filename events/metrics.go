package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink is an events.Sink backed by Prometheus collectors, the
// `metrics` component named in the domain stack: a worker/queue observer
// that rides on the same event stream as every other sink rather than
// opening a second data path into the Worker Core.
type MetricsSink struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	inFlight  prometheus.Gauge
	duration  *prometheus.HistogramVec
}

// NewMetricsSink registers its collectors against reg and returns the
// resulting sink. Pass prometheus.DefaultRegisterer for the global
// registry, or a fresh prometheus.NewRegistry() in tests.
func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	m := &MetricsSink{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asynctasq_tasks_started_total",
			Help: "Total number of tasks started by this worker.",
		}, []string{"task_name", "queue"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asynctasq_tasks_completed_total",
			Help: "Total number of tasks completed successfully.",
		}, []string{"task_name", "queue"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asynctasq_tasks_failed_total",
			Help: "Total number of task_failed events, labeled by error kind.",
		}, []string{"task_name", "queue", "error_kind"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asynctasq_in_flight",
			Help: "Number of envelopes currently being processed, from the last heartbeat.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asynctasq_task_duration_seconds",
			Help:    "Task execution duration in seconds, observed on every terminal event.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task_name", "queue"}),
	}
	reg.MustRegister(m.started, m.completed, m.failed, m.inFlight, m.duration)
	return m
}

// Publish updates the relevant collectors for e. Unknown event types are
// ignored; a metrics sink must never be the reason a task-lifecycle event
// fails to reach other sinks, so Publish never returns an error.
func (m *MetricsSink) Publish(e Event) {
	switch e.Type {
	case TypeTaskStarted:
		m.started.WithLabelValues(e.TaskName, e.Queue).Inc()
	case TypeTaskCompleted:
		m.completed.WithLabelValues(e.TaskName, e.Queue).Inc()
		m.duration.WithLabelValues(e.TaskName, e.Queue).Observe(float64(e.DurationMs) / 1000)
	case TypeTaskFailed:
		m.failed.WithLabelValues(e.TaskName, e.Queue, e.ErrorKind).Inc()
		if e.Terminal {
			m.duration.WithLabelValues(e.TaskName, e.Queue).Observe(float64(e.DurationMs) / 1000)
		}
	case TypeWorkerHeartbeat:
		m.inFlight.Set(float64(e.InFlight))
	}
}
