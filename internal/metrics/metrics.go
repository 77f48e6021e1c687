// Package metrics defines the Prometheus instruments exported by agentd.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Task outcome label values.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeEscalated = "escalated"
)

// Metrics holds every instrument on a dedicated registry, keeping the default
// global registry untouched.
type Metrics struct {
	registry *prometheus.Registry

	TasksEnqueued      prometheus.Counter
	TasksTotal         *prometheus.CounterVec
	QueueSize          prometheus.Gauge
	ActiveWorkers      prometheus.Gauge
	HealthScore        prometheus.Gauge
	CircuitState       *prometheus.GaugeVec
	RateWindowConsumed *prometheus.GaugeVec
	RateWindowResets   *prometheus.CounterVec
	Escalations        prometheus.Counter
	InvocationSeconds  *prometheus.HistogramVec
}

// New creates the instrument set.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		TasksEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentd_tasks_enqueued_total",
			Help: "Tasks accepted into the queue.",
		}),
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_tasks_total",
			Help: "Tasks that reached a final outcome.",
		}, []string{"outcome"}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentd_queue_size",
			Help: "Tasks currently waiting in QUEUED state.",
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentd_active_workers",
			Help: "Workers currently processing a task.",
		}),
		HealthScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentd_health_score",
			Help: "Composite health score in [0, 1].",
		}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentd_circuit_state",
			Help: "Circuit state per endpoint: 0 closed, 1 open, 2 half-open.",
		}, []string{"endpoint"}),
		RateWindowConsumed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentd_rate_window_consumed",
			Help: "Budget units consumed in the current window per endpoint.",
		}, []string{"endpoint"}),
		RateWindowResets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_rate_window_resets_total",
			Help: "Window rollovers per endpoint.",
		}, []string{"endpoint"}),
		Escalations: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentd_escalations_total",
			Help: "Tasks escalated for human resolution.",
		}),
		InvocationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentd_invocation_seconds",
			Help:    "Agent invocation latency per endpoint.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"endpoint"}),
	}
}

// SetCircuitState records a circuit status by name.
func (m *Metrics) SetCircuitState(endpoint, status string) {
	var v float64
	switch status {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitState.WithLabelValues(endpoint).Set(v)
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
