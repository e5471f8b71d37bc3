package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/promptarena/arena/pkg/models"
)

// Metrics holds the pipeline's Prometheus instruments.
type Metrics struct {
	TasksTotal   *prometheus.CounterVec
	RunsTotal    *prometheus.CounterVec
	PhaseSeconds *prometheus.HistogramVec
}

// NewMetrics creates and registers the pipeline instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_tasks_total",
			Help: "Tasks finished, by kind and terminal status",
		}, []string{"kind", "status"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_runs_total",
			Help: "Runs finished, by terminal status",
		}, []string{"status"}),
		PhaseSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arena_phase_duration_seconds",
			Help:    "Wall-clock duration of each executed phase",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"phase"}),
	}
	reg.MustRegister(m.TasksTotal, m.RunsTotal, m.PhaseSeconds)
	return m
}

// taskFinished records a terminal task status. Nil-tolerant so tests and
// metric-less deployments skip instrumentation.
func (m *Metrics) taskFinished(kind models.TaskKind, status models.TaskStatus) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(string(kind), string(status)).Inc()
}

// runFinished records a terminal run status.
func (m *Metrics) runFinished(status models.RunStatus) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(string(status)).Inc()
}

// phaseObserved records one executed phase's duration.
func (m *Metrics) phaseObserved(phase models.Phase, seconds float64) {
	if m == nil {
		return
	}
	m.PhaseSeconds.WithLabelValues(string(phase)).Observe(seconds)
}
