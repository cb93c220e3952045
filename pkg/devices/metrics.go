package devices

import "github.com/prometheus/client_golang/prometheus"

// Collector exports fleet health counts per HealthState as a Prometheus
// gauge vector.
type Collector struct {
	m      *Manager
	fleet  *prometheus.Desc
	devCnt *prometheus.Desc
}

func NewCollector(m *Manager) *Collector {
	return &Collector{
		m: m,
		fleet: prometheus.NewDesc(
			"flexfiled_device_health_count",
			"Number of devices currently in each health state.",
			[]string{"state"}, nil,
		),
		devCnt: prometheus.NewDesc(
			"flexfiled_device_total",
			"Total number of known devices.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.fleet
	ch <- c.devCnt
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()

	counts := map[HealthState]int{}
	for _, d := range c.m.byID {
		counts[d.snapshotHealth()]++
	}
	for _, st := range []HealthState{Unknown, Healthy, Missing, Dead, Restoring} {
		ch <- prometheus.MustNewConstMetric(c.fleet, prometheus.GaugeValue, float64(counts[st]), st.String())
	}
	ch <- prometheus.MustNewConstMetric(c.devCnt, prometheus.GaugeValue, float64(len(c.m.byID)))
}
