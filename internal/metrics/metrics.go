package metrics

import (
	"net/http"
	"time"

	"github.com/harun/laneq/pkg/commandqueue"
	"github.com/harun/laneq/pkg/probe"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon-level Prometheus metrics. Queue internals and the
// Go runtime collectors live in the default registry; Handler serves both.
type Metrics struct {
	registry *prometheus.Registry

	// Probe metrics
	ProbeHealthy *prometheus.GaugeVec
	ProbeLatency *prometheus.HistogramVec

	// Config metrics
	ConfigReloadsTotal *prometheus.CounterVec

	// Event stream metrics
	StreamClients prometheus.Gauge
}

// NewMetrics creates and registers all metrics. When source is non-nil its
// per-lane figures are read at scrape time.
func NewMetrics(source commandqueue.StatsSource) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ProbeHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "laneq_probe_healthy",
				Help: "1 if the latest run of the probe passed, 0 otherwise",
			},
			[]string{"check"},
		),
		ProbeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "laneq_probe_latency_seconds",
				Help:    "Probe latency from submission to result in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"check"},
		),

		ConfigReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "laneq_config_reloads_total",
				Help: "Total number of config reloads by result",
			},
			[]string{"result"},
		),

		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "laneq_stream_clients",
				Help: "Number of connected event stream clients",
			},
		),
	}

	// Register all metrics
	m.registry.MustRegister(
		m.ProbeHealthy,
		m.ProbeLatency,
		m.ConfigReloadsTotal,
		m.StreamClients,
	)
	if source != nil {
		m.registry.MustRegister(NewQueueCollector(source))
	}

	return m
}

// RecordProbes updates probe gauges from a finished round.
func (m *Metrics) RecordProbes(results []probe.Result) {
	for _, r := range results {
		healthy := 0.0
		if r.Healthy {
			healthy = 1
		}
		m.ProbeHealthy.WithLabelValues(r.Name).Set(healthy)
		m.ProbeLatency.WithLabelValues(r.Name).Observe(r.Latency.Seconds())
	}
}

// RecordReload counts a config reload attempt.
func (m *Metrics) RecordReload(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ConfigReloadsTotal.WithLabelValues(result).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.Gatherers{m.registry, prometheus.DefaultGatherer},
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Timeout:           10 * time.Second,
		},
	)
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
