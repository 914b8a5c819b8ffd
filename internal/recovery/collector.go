package recovery

import "github.com/prometheus/client_golang/prometheus"

var allPhases = []Phase{PhaseActive, PhaseLost, PhaseRecovering, PhaseRestored, PhaseFailed}

// Collector exports the context state to Prometheus.
type Collector struct {
	m        *Manager
	phase    *prometheus.Desc
	losses   *prometheus.Desc
	restores *prometheus.Desc
	attempts *prometheus.Desc
}

// NewCollector returns a collector reading from m.
func NewCollector(m *Manager) *Collector {
	const ns, sub = "pointcloud", "context"
	return &Collector{
		m: m,
		phase: prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "phase"),
			"1 for the current rendering context phase, 0 otherwise.", []string{"phase"}, nil),
		losses: prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "losses"),
			"Context losses counted towards the recovery ceiling.", nil, nil),
		restores: prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "recoveries"),
			"Successful restorations since the last reset.", nil, nil),
		attempts: prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "auto_attempts"),
			"Automatic restore attempts since the last restoration.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.phase
	ch <- c.losses
	ch <- c.restores
	ch <- c.attempts
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.CurrentState()
	for _, p := range allPhases {
		v := 0.0
		if s.Phase == p {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.phase, prometheus.GaugeValue, v, p.String())
	}
	ch <- prometheus.MustNewConstMetric(c.losses, prometheus.GaugeValue, float64(s.LossCount))
	ch <- prometheus.MustNewConstMetric(c.restores, prometheus.GaugeValue, float64(s.RecoveryAttempts))
	ch <- prometheus.MustNewConstMetric(c.attempts, prometheus.GaugeValue, float64(s.AutoAttempts))
}
