package nfs4state

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// gauge is a plain atomic counter paired with a Prometheus gauge Desc,
// the same "counter that happens to also be const-metric-exported"
// shape pkg/placement.Collector and pkg/devices' fleet gauge use.
type gauge struct {
	v    atomic.Int64
	desc *prometheus.Desc
}

func newGauge(name, help string) gauge {
	return gauge{desc: prometheus.NewDesc(name, help, nil, nil)}
}

func (g *gauge) Inc() { g.v.Add(1) }
func (g *gauge) Dec() { g.v.Add(-1) }

// Metrics is nfs4state's Prometheus collector: active clients, sessions,
// opens, delegations, and layouts, the state-manager counterparts to
// pkg/devices' fleet-health gauge and pkg/placement's repair-queue-depth
// gauge.
type Metrics struct {
	clientsActive     gauge
	sessionsActive    gauge
	opensActive       gauge
	delegationsActive gauge
	layoutsActive     gauge
}

// NewMetrics constructs an unregistered Metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		clientsActive:     newGauge("flexfiled_nfs4_clients_active", "Number of NFSv4.1 client records, confirmed or not, currently known."),
		sessionsActive:    newGauge("flexfiled_nfs4_sessions_active", "Number of NFSv4.1 sessions currently open."),
		opensActive:       newGauge("flexfiled_nfs4_opens_active", "Number of outstanding OPEN state entries."),
		delegationsActive: newGauge("flexfiled_nfs4_delegations_active", "Number of outstanding delegations."),
		layoutsActive:     newGauge("flexfiled_nfs4_layouts_active", "Number of outstanding pNFS layouts."),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.clientsActive.desc
	ch <- m.sessionsActive.desc
	ch <- m.opensActive.desc
	ch <- m.delegationsActive.desc
	ch <- m.layoutsActive.desc
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(m.clientsActive.desc, prometheus.GaugeValue, float64(m.clientsActive.v.Load()))
	ch <- prometheus.MustNewConstMetric(m.sessionsActive.desc, prometheus.GaugeValue, float64(m.sessionsActive.v.Load()))
	ch <- prometheus.MustNewConstMetric(m.opensActive.desc, prometheus.GaugeValue, float64(m.opensActive.v.Load()))
	ch <- prometheus.MustNewConstMetric(m.delegationsActive.desc, prometheus.GaugeValue, float64(m.delegationsActive.v.Load()))
	ch <- prometheus.MustNewConstMetric(m.layoutsActive.desc, prometheus.GaugeValue, float64(m.layoutsActive.v.Load()))
}
