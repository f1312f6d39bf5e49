package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the config server on a
// standalone registry.
type Metrics struct {
	registry *prometheus.Registry

	EnvironmentRequests *prometheus.CounterVec
	ResolveDuration     prometheus.Histogram
	EncryptRequests     *prometheus.CounterVec
	MonitorEvents       prometheus.Counter
}

// NewMetrics creates and registers all server metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,

		EnvironmentRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gitconfig",
				Subsystem: "server",
				Name:      "environment_requests_total",
				Help:      "Total number of environment requests.",
			},
			[]string{"outcome"},
		),
		ResolveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "gitconfig",
				Subsystem: "server",
				Name:      "resolve_duration_seconds",
				Help:      "Duration of repository resolve operations in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),
		EncryptRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gitconfig",
				Subsystem: "server",
				Name:      "encrypt_requests_total",
				Help:      "Total number of encrypt and decrypt requests.",
			},
			[]string{"operation", "outcome"},
		),
		MonitorEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gitconfig",
				Subsystem: "server",
				Name:      "monitor_events_total",
				Help:      "Total number of accepted push notifications.",
			},
		),
	}

	reg.MustRegister(
		m.EnvironmentRequests,
		m.ResolveDuration,
		m.EncryptRequests,
		m.MonitorEvents,
	)

	return m
}

// Handler returns an http.Handler that serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
