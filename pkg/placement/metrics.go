package placement

import "github.com/prometheus/client_golang/prometheus"

// Collector exports the resilver repair queue depth as a Prometheus
// gauge, mirroring pkg/devices' fleet-health Collector.
type Collector struct {
	m     *Manager
	depth *prometheus.Desc
}

func NewCollector(m *Manager) *Collector {
	return &Collector{
		m: m,
		depth: prometheus.NewDesc(
			"flexfiled_repair_queue_depth",
			"Number of pieces currently queued for resilver.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depth
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(c.m.RepairQueueDepth()))
}
