package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "laneq"

type moduleMetrics struct {
	pending      *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	taskWait     *prometheus.HistogramVec
	laneEvents   *prometheus.CounterVec
	lanesTotal   prometheus.Gauge
	sinkDropped  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			pending: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "pending",
					Help:      "Commands waiting in a lane's pending FIFO.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total submissions by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total finished commands by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Command execution duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			taskWait: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_wait_seconds",
					Help:      "Time between submission and dequeue in seconds by lane.",
					Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
				},
				[]string{"lane"},
			),
			laneEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_events_total",
					Help:      "Monitor events emitted by lane and event type.",
				},
				[]string{"lane", "event"},
			),
			lanesTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "lanes",
					Help:      "Number of registered lanes.",
				},
			),
			sinkDropped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "sink_dropped_total",
					Help:      "Events dropped by asynchronous sinks because their buffer was full.",
				},
				[]string{"sink"},
			),
		}

		prometheus.MustRegister(
			m.pending,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.taskWait,
			m.laneEvents,
			m.lanesTotal,
			m.sinkDropped,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordEnqueue counts a submission and updates the pending gauge.
func RecordEnqueue(lane string, pending int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.pending.WithLabelValues(lane).Set(float64(pending))
}

// RecordDequeue observes how long a command waited before it was admitted.
func RecordDequeue(lane string, wait time.Duration) {
	getMetrics().taskWait.WithLabelValues(lane).Observe(wait.Seconds())
}

// SetPending overrides the pending gauge, e.g. after a lane is drained.
func SetPending(lane string, pending int) {
	getMetrics().pending.WithLabelValues(lane).Set(float64(pending))
}

// RecordCompletion counts a finished command. status is one of
// success, error, panic or cancelled.
func RecordCompletion(lane, status string, duration time.Duration) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	if status != "cancelled" {
		m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	}
}

// RecordLaneEvent counts a monitor event.
func RecordLaneEvent(lane, event string) {
	getMetrics().laneEvents.WithLabelValues(lane, event).Inc()
}

// SetLaneCount reports the number of registered lanes.
func SetLaneCount(n int) {
	getMetrics().lanesTotal.Set(float64(n))
}

// RecordSinkDrop counts an event an asynchronous sink could not buffer.
func RecordSinkDrop(sink string) {
	getMetrics().sinkDropped.WithLabelValues(sink).Inc()
}
