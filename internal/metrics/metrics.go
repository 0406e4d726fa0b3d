// Package metrics provides Prometheus metrics for grlctl.
//
// Each Metrics value owns its registry so tests and repeated runs in one
// process never collide on registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestration metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Gateway
	RequestDuration *prometheus.HistogramVec

	// Orchestration
	ConnectAttempts  *prometheus.CounterVec
	StatusPolls      *prometheus.CounterVec
	PhaseTransitions *prometheus.CounterVec
	RunActive        prometheus.Gauge

	// Popups
	Popups *prometheus.CounterVec
}

// New creates a Metrics instance with a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grlctl_gateway_request_duration_seconds",
				Help:    "Vendor API request duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"endpoint", "outcome"},
		),
		ConnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grlctl_connect_attempts_total",
				Help: "Equipment connection attempts by result",
			},
			[]string{"result"},
		),
		StatusPolls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grlctl_status_polls_total",
				Help: "Test status polls by result",
			},
			[]string{"result"},
		),
		PhaseTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grlctl_phase_transitions_total",
				Help: "Orchestrator phase transitions",
			},
			[]string{"from", "to"},
		),
		RunActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "grlctl_run_active",
				Help: "1 while a test submission is executing",
			},
		),
		Popups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grlctl_popups_total",
				Help: "Popup dialogs recorded by kind",
			},
			[]string{"kind"},
		),
	}
}

// ObserveRequest records one gateway call. Safe on a nil receiver.
func (m *Metrics) ObserveRequest(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(endpoint, outcome).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
