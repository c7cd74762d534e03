// Package metrics exposes relay's task, queue and composition activity as
// Prometheus metrics, fed from the event bus, and serves them together
// with a health check and a read-only queue summary over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Iron-Ham/relay/internal/event"
)

// Metrics holds relay's collectors.
//
// Metrics:
//   - relay_tasks_created_total{kind}
//   - relay_task_transitions_total{from,to}
//   - relay_tasks_settled_total{kind,status}
//   - relay_dispatches_total{backend}
//   - relay_queue_ticks_total
//   - relay_queue_tick_duration_seconds
//   - relay_queue_running, relay_queue_pending
//   - relay_queue_swept_total, relay_queue_admitted_total
//   - relay_pipeline_steps_total{status}
//   - relay_compositions_finished_total{kind,result}
//   - relay_worker_reports_total
type Metrics struct {
	TasksCreated     *prometheus.CounterVec
	TaskTransitions  *prometheus.CounterVec
	TasksSettled     *prometheus.CounterVec
	Dispatches       *prometheus.CounterVec
	QueueTicks       prometheus.Counter
	QueueTickSeconds prometheus.Histogram
	QueueRunning     prometheus.Gauge
	QueuePending     prometheus.Gauge
	QueueSwept       prometheus.Counter
	QueueAdmitted    prometheus.Counter
	PipelineSteps    *prometheus.CounterVec
	Finished         *prometheus.CounterVec
	WorkerReports    prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses
// a fresh registry, so several instances can coexist in one process.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		TasksCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tasks_created_total",
			Help: "Tasks created, by kind.",
		}, []string{"kind"}),
		TaskTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_task_transitions_total",
			Help: "Task status changes, by source and target status.",
		}, []string{"from", "to"}),
		TasksSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tasks_settled_total",
			Help: "Tasks that reached a terminal status, by kind and status.",
		}, []string{"kind", "status"}),
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dispatches_total",
			Help: "Workers spawned, by backend.",
		}, []string{"backend"}),
		QueueTicks: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_queue_ticks_total",
			Help: "Queue passes run.",
		}),
		QueueTickSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_queue_tick_duration_seconds",
			Help:    "Duration of queue passes.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
		QueueRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_queue_running",
			Help: "Active and processing tasks after the last queue pass.",
		}),
		QueuePending: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_queue_pending",
			Help: "Pending tasks after the last queue pass.",
		}),
		QueueSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_queue_swept_total",
			Help: "Tasks examined by queue sweeps.",
		}),
		QueueAdmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_queue_admitted_total",
			Help: "Tasks admitted by queue passes.",
		}),
		PipelineSteps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_pipeline_steps_total",
			Help: "Pipeline step status changes, by new status.",
		}, []string{"status"}),
		Finished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_compositions_finished_total",
			Help: "Pipelines and worker pools that settled, by kind and result.",
		}, []string{"kind", "result"}),
		WorkerReports: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_worker_reports_total",
			Help: "Outcome markers written by workers.",
		}),
		gatherer: reg,
	}
}

// Gatherer returns the registry the collectors live in.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.gatherer }

// Subscribe feeds the collectors from bus and returns the subscription id.
func (m *Metrics) Subscribe(bus *event.Bus) string {
	return bus.SubscribeAll(m.Observe)
}

// Observe records one event.
func (m *Metrics) Observe(e event.Event) {
	switch ev := e.(type) {
	case event.TaskCreatedEvent:
		m.TasksCreated.WithLabelValues(ev.Kind).Inc()
	case event.TaskStatusChangedEvent:
		m.TaskTransitions.WithLabelValues(ev.From, ev.To).Inc()
	case event.TaskTerminalEvent:
		m.TasksSettled.WithLabelValues(ev.Kind, ev.Status).Inc()
	case event.TaskDispatchedEvent:
		m.Dispatches.WithLabelValues(ev.Backend).Inc()
	case event.QueueTickEvent:
		m.QueueTicks.Inc()
		m.QueueTickSeconds.Observe(ev.Duration.Seconds())
		m.QueueRunning.Set(float64(ev.Running))
		m.QueuePending.Set(float64(ev.Pending))
		m.QueueSwept.Add(float64(ev.Swept))
		m.QueueAdmitted.Add(float64(ev.Admitted))
	case event.PipelineStepChangedEvent:
		m.PipelineSteps.WithLabelValues(ev.Status).Inc()
	case event.PipelineFinishedEvent:
		m.Finished.WithLabelValues("pipeline", result(ev.Success)).Inc()
	case event.PoolFinishedEvent:
		m.Finished.WithLabelValues("pool", result(ev.Success)).Inc()
	case event.WorkerReportedEvent:
		m.WorkerReports.Inc()
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
