package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/spounge-ai/polysecret/internal/service"
)

// healthCollector implements a Prometheus collector over the manager's
// health report. One report is computed per Collect call.
type healthCollector struct {
	src   HealthSource
	descs []healthDesc
}

type healthDesc struct {
	desc  *prometheus.Desc
	value func(service.HealthStatus) float64
}

var _ prometheus.Collector = (*healthCollector)(nil)

func newHealthCollector(src HealthSource) *healthCollector {
	gauge := func(name, help string, value func(service.HealthStatus) float64) healthDesc {
		return healthDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
			value: value,
		}
	}
	return &healthCollector{
		src: src,
		descs: []healthDesc{
			gauge("secrets", "The number of readable secrets.", func(h service.HealthStatus) float64 {
				return float64(h.TotalSecrets)
			}),
			gauge("secrets_overdue", "The number of secrets past their rotation interval.", func(h service.HealthStatus) float64 {
				return float64(h.OverdueRotations)
			}),
			gauge("secrets_corrupted", "The number of records set aside at load.", func(h service.HealthStatus) float64 {
				return float64(h.CorruptedSecrets)
			}),
			gauge("rotations_failing", "The number of secrets whose latest scheduled rotation failed.", func(h service.HealthStatus) float64 {
				return float64(len(h.FailingRotations))
			}),
			gauge("audit_entries", "The number of entries in the live audit log.", func(h service.HealthStatus) float64 {
				return float64(h.AuditLogSize)
			}),
			gauge("audit_write_failures", "The number of audit entries that could not be written.", func(h service.HealthStatus) float64 {
				return float64(h.AuditWriteFailures)
			}),
			gauge("healthy", "1 when no secret is overdue for rotation.", func(h service.HealthStatus) float64 {
				if h.Healthy {
					return 1
				}
				return 0
			}),
			gauge("ephemeral_key", "1 when the process runs on a generated master key.", func(h service.HealthStatus) float64 {
				if h.EphemeralKey {
					return 1
				}
				return 0
			}),
		},
	}
}

func (c *healthCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.desc
	}
}

func (c *healthCollector) Collect(ch chan<- prometheus.Metric) {
	h := c.src.GetHealthStatus(context.Background())
	for _, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, d.value(h))
	}
}
