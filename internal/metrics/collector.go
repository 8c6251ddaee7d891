package metrics

import (
	"github.com/harun/laneq/pkg/commandqueue"
	"github.com/prometheus/client_golang/prometheus"
)

// QueueCollector snapshots lane statistics on every scrape, so gauges never
// drift from the queue's own counters.
type QueueCollector struct {
	source commandqueue.StatsSource

	pending   *prometheus.Desc
	active    *prometheus.Desc
	maxConc   *prometheus.Desc
	minConc   *prometheus.Desc
	completed *prometheus.Desc
	running   *prometheus.Desc
}

// NewQueueCollector reads stats from source.
func NewQueueCollector(source commandqueue.StatsSource) *QueueCollector {
	lane := []string{"lane"}
	return &QueueCollector{
		source:    source,
		pending:   prometheus.NewDesc("laneq_lane_pending", "Commands waiting in the lane", lane, nil),
		active:    prometheus.NewDesc("laneq_lane_active", "Commands executing in the lane", lane, nil),
		maxConc:   prometheus.NewDesc("laneq_lane_max_concurrency", "Concurrency ceiling of the lane", lane, nil),
		minConc:   prometheus.NewDesc("laneq_lane_min_concurrency", "Advisory concurrency floor of the lane", lane, nil),
		completed: prometheus.NewDesc("laneq_lane_completed", "Commands the lane has finished since start", lane, nil),
		running:   prometheus.NewDesc("laneq_scheduler_running", "1 while the scheduler loop is running", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pending
	ch <- c.active
	ch <- c.maxConc
	ch <- c.minConc
	ch <- c.completed
	ch <- c.running
}

// Collect implements prometheus.Collector.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	for _, ls := range stats.PerLane {
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(ls.Pending), ls.LaneID)
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(ls.Active), ls.LaneID)
		ch <- prometheus.MustNewConstMetric(c.maxConc, prometheus.GaugeValue, float64(ls.MaxConcurrency), ls.LaneID)
		ch <- prometheus.MustNewConstMetric(c.minConc, prometheus.GaugeValue, float64(ls.MinConcurrency), ls.LaneID)
		ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(ls.Completed), ls.LaneID)
	}

	running := 0.0
	if stats.Scheduler == commandqueue.SchedulerRunning.String() {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, running)
}
