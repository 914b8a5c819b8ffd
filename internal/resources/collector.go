package resources

import "github.com/prometheus/client_golang/prometheus"

// Collector exports tracker statistics to Prometheus.
type Collector struct {
	tracker *Tracker

	live           *prometheus.Desc
	bytes          *prometheus.Desc
	budget         *prometheus.Desc
	registered     *prometheus.Desc
	released       *prometheus.Desc
	refused        *prometheus.Desc
	doubleReleases *prometheus.Desc
	failures       *prometheus.Desc
}

// NewCollector returns a collector reading from t.
func NewCollector(t *Tracker) *Collector {
	const ns, sub = "pointcloud", "resources"
	return &Collector{
		tracker: t,
		live: prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "live"),
			"Live tracked resources by kind.", []string{"kind"}, nil),
		bytes: prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "estimated_bytes"),
			"Estimated bytes held by live resources.", nil, nil),
		budget: prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "budget_bytes"),
			"Configured memory budget, 0 when unlimited.", nil, nil),
		registered: prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "registered_total"),
			"Resources registered.", nil, nil),
		released: prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "released_total"),
			"Resources released.", nil, nil),
		refused: prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "refused_total"),
			"Registrations refused by the context gate or memory budget.", nil, nil),
		doubleReleases: prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "double_releases_total"),
			"Release calls on already released handles.", nil, nil),
		failures: prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "release_failures_total"),
			"Release callbacks that returned an error or panicked.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.live
	ch <- c.bytes
	ch <- c.budget
	ch <- c.registered
	ch <- c.released
	ch <- c.refused
	ch <- c.doubleReleases
	ch <- c.failures
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.tracker.Stats()
	for _, k := range Kinds {
		ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(s.Counts[k]), k.String())
	}
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(s.TotalEstimatedBytes))
	ch <- prometheus.MustNewConstMetric(c.budget, prometheus.GaugeValue, float64(s.MemoryBudget))
	ch <- prometheus.MustNewConstMetric(c.registered, prometheus.CounterValue, float64(s.Registered))
	ch <- prometheus.MustNewConstMetric(c.released, prometheus.CounterValue, float64(s.Released))
	ch <- prometheus.MustNewConstMetric(c.refused, prometheus.CounterValue, float64(s.Refused))
	ch <- prometheus.MustNewConstMetric(c.doubleReleases, prometheus.CounterValue, float64(s.DoubleReleases))
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(s.ReleaseFailures))
}
