// Package obs is the agent's observability surface: a standalone
// Prometheus registry plus a /healthz + /metrics HTTP server, adapted
// from the corpus's agent sidecar pattern but without any
// controller-runtime/k8s dependency.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every Prometheus series the agent exposes.
type Metrics struct {
	registry *prometheus.Registry

	TaskRunDuration *prometheus.HistogramVec
	TaskRunTotal    *prometheus.CounterVec
	GitFetchTotal   *prometheus.CounterVec
	LastRunTimestamp *prometheus.GaugeVec
	TasksInFlight   prometheus.Gauge
}

// NewMetrics creates and registers every series on a standalone
// registry (the agent is not a controller-runtime manager, so it does
// not reuse the global default registry).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		TaskRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "kitops",
				Subsystem: "runner",
				Name:      "task_run_duration_seconds",
				Help:      "Duration of a task's action chain, from Started to its terminal event.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 300, 600},
			},
			[]string{"task"},
		),
		TaskRunTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kitops",
				Subsystem: "runner",
				Name:      "task_run_total",
				Help:      "Total task runs by terminal outcome.",
			},
			[]string{"task", "result"},
		),
		GitFetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kitops",
				Subsystem: "gitgw",
				Name:      "fetch_total",
				Help:      "Total git fetch-and-resolve operations by result.",
			},
			[]string{"task", "result"},
		),
		LastRunTimestamp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "kitops",
				Subsystem: "scheduler",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix timestamp of the most recent tick for a task.",
			},
			[]string{"task"},
		),
		TasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "kitops",
				Subsystem: "scheduler",
				Name:      "tasks_in_flight",
				Help:      "Number of task runs currently executing.",
			},
		),
	}
	reg.MustRegister(m.TaskRunDuration, m.TaskRunTotal, m.GitFetchTotal, m.LastRunTimestamp, m.TasksInFlight)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
