package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	commandsDesc = prometheus.NewDesc(
		"pcstream_scheduler_commands",
		"Commands per host by state; pending and executing are gauges, the rest are cumulative.",
		[]string{"host", "state"}, nil,
	)
	cacheEntriesDesc = prometheus.NewDesc(
		"pcstream_scheduler_cache_entries",
		"Live entries in the scheduler result cache.",
		nil, nil,
	)
	cacheLookupsDesc = prometheus.NewDesc(
		"pcstream_scheduler_cache_lookups_total",
		"Result cache lookups by outcome.",
		[]string{"result"}, nil,
	)
)

// Collector exports the counters of a Scheduler to prometheus.
type Collector struct {
	s *Scheduler
}

// NewCollector returns a collector reading from s on every scrape.
func NewCollector(s *Scheduler) *Collector {
	return &Collector{s: s}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- commandsDesc
	ch <- cacheEntriesDesc
	ch <- cacheLookupsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, host := range c.s.Hosts() {
		counters := c.s.Counters(host)
		ch <- prometheus.MustNewConstMetric(commandsDesc, prometheus.GaugeValue, float64(counters.Pending), host, "pending")
		ch <- prometheus.MustNewConstMetric(commandsDesc, prometheus.GaugeValue, float64(counters.Executing), host, "executing")
		ch <- prometheus.MustNewConstMetric(commandsDesc, prometheus.CounterValue, float64(counters.Executed), host, "executed")
		ch <- prometheus.MustNewConstMetric(commandsDesc, prometheus.CounterValue, float64(counters.Failed), host, "failed")
		ch <- prometheus.MustNewConstMetric(commandsDesc, prometheus.CounterValue, float64(counters.Cancelled), host, "cancelled")
	}
	stats := c.s.Cache().Stats()
	ch <- prometheus.MustNewConstMetric(cacheEntriesDesc, prometheus.GaugeValue, float64(stats.Entries))
	ch <- prometheus.MustNewConstMetric(cacheLookupsDesc, prometheus.CounterValue, float64(stats.Hits), "hit")
	ch <- prometheus.MustNewConstMetric(cacheLookupsDesc, prometheus.CounterValue, float64(stats.Misses), "miss")
}
