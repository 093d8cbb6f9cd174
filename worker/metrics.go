package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/badaitech/chaingraph-go/events"
)

// Metrics are the worker's Prometheus collectors, namespaced "chaingraph".
type Metrics struct {
	tasksClaimed   prometheus.Counter
	tasksCompleted *prometheus.CounterVec
	tasksRecovered prometheus.Counter
	runningTasks   prometheus.Gauge
	taskDuration   prometheus.Histogram
	eventsEmitted  *prometheus.CounterVec
}

// NewMetrics registers the worker collectors. A nil registry uses the default
// registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		tasksClaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chaingraph",
			Name:      "tasks_claimed_total",
			Help:      "Tasks claimed from the queue by this worker.",
		}),
		tasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chaingraph",
			Name:      "tasks_completed_total",
			Help:      "Tasks settled by this worker, labelled by outcome.",
		}, []string{"status"}),
		tasksRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chaingraph",
			Name:      "tasks_recovered_total",
			Help:      "Tasks taken over after another worker's claim expired.",
		}),
		runningTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chaingraph",
			Name:      "running_tasks",
			Help:      "Executions currently running on this worker.",
		}),
		taskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chaingraph",
			Name:      "task_duration_seconds",
			Help:      "End-to-end execution duration.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 2100},
		}),
		eventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chaingraph",
			Name:      "events_emitted_total",
			Help:      "Lifecycle events emitted by executions on this worker.",
		}, []string{"type"}),
	}
}

// Emitter returns an event emitter that counts emitted events by type,
// suitable for teeing next to the durable stream append.
func (m *Metrics) Emitter() events.Emitter {
	return events.EmitterFunc(func(ev events.Event) {
		m.eventsEmitted.WithLabelValues(string(ev.Type)).Inc()
	})
}
