// Package metrics exposes secret manager statistics to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/spounge-ai/polysecret/internal/domain"
	"github.com/spounge-ai/polysecret/internal/service"
)

const namespace = "polysecret"

// Metrics owns a private registry so several managers can live in one
// process, as they do in tests.
type Metrics struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	rotations  *prometheus.CounterVec
}

var _ service.Observer = (*Metrics)(nil)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "secrets",
			Name:      "operations_total",
			Help:      "The number of secret lifecycle calls by audit action and outcome.",
		}, []string{"action", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "secrets",
			Name:      "operation_duration_seconds",
			Help:      "Histogram of secret lifecycle call time in seconds.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"action"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rotation",
			Name:      "attempts_total",
			Help:      "The number of rotation attempts by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
	}
	m.registry.MustRegister(
		m.operations,
		m.duration,
		m.rotations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is the gatherer served on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveOperation(op domain.AuditAction, outcome string, elapsed time.Duration) {
	m.operations.WithLabelValues(string(op), outcome).Inc()
	m.duration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRotation(trigger, outcome string) {
	m.rotations.WithLabelValues(trigger, outcome).Inc()
}

// HealthSource produces the health report sampled on every scrape.
type HealthSource interface {
	GetHealthStatus(ctx context.Context) service.HealthStatus
}

// RegisterHealth adds gauges computed from src at collection time.
func (m *Metrics) RegisterHealth(src HealthSource) error {
	return m.registry.Register(newHealthCollector(src))
}
