package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harun/laneq/pkg/commandqueue"
	"github.com/harun/laneq/pkg/probe"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	stats commandqueue.QueueStats
}

func (f *fakeSource) Stats() commandqueue.QueueStats { return f.stats }

func newFakeSource() *fakeSource {
	return &fakeSource{stats: commandqueue.QueueStats{
		Scheduler: commandqueue.SchedulerRunning.String(),
		PerLane: []commandqueue.LaneStats{
			{LaneID: "system", Pending: 0, Active: 1, MinConcurrency: 1, MaxConcurrency: 5, Completed: 7},
			{LaneID: "prompt", Pending: 4, Active: 2, MinConcurrency: 1, MaxConcurrency: 2, Completed: 3},
		},
	}}
}

func TestNewMetrics(t *testing.T) {
	m := NewMetrics(nil)

	require.NotNil(t, m)
	assert.NotNil(t, m.Registry())
	assert.NotNil(t, m.ProbeHealthy)
	assert.NotNil(t, m.ProbeLatency)
	assert.NotNil(t, m.ConfigReloadsTotal)
	assert.NotNil(t, m.StreamClients)
}

func TestQueueCollector(t *testing.T) {
	source := newFakeSource()
	collector := NewQueueCollector(source)

	// five series per lane plus the scheduler gauge
	assert.Equal(t, 11, testutil.CollectAndCount(collector))

	expected := `
# HELP laneq_lane_pending Commands waiting in the lane
# TYPE laneq_lane_pending gauge
laneq_lane_pending{lane="prompt"} 4
laneq_lane_pending{lane="system"} 0
# HELP laneq_scheduler_running 1 while the scheduler loop is running
# TYPE laneq_scheduler_running gauge
laneq_scheduler_running 1
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"laneq_lane_pending", "laneq_scheduler_running"))

	// figures follow the source on the next scrape
	source.stats.PerLane[1].Pending = 0
	source.stats.Scheduler = commandqueue.SchedulerStopped.String()
	expected = `
# HELP laneq_lane_pending Commands waiting in the lane
# TYPE laneq_lane_pending gauge
laneq_lane_pending{lane="prompt"} 0
laneq_lane_pending{lane="system"} 0
# HELP laneq_scheduler_running 1 while the scheduler loop is running
# TYPE laneq_scheduler_running gauge
laneq_scheduler_running 0
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"laneq_lane_pending", "laneq_scheduler_running"))
}

func TestRecordProbes(t *testing.T) {
	m := NewMetrics(nil)

	m.RecordProbes([]probe.Result{
		{Name: "queue", Healthy: true, Latency: 2 * time.Millisecond},
		{Name: "redis", Healthy: false, Latency: time.Second},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProbeHealthy.WithLabelValues("queue")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ProbeHealthy.WithLabelValues("redis")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.ProbeLatency))
}

func TestRecordReload(t *testing.T) {
	m := NewMetrics(nil)

	m.RecordReload(nil)
	m.RecordReload(nil)
	m.RecordReload(errors.New("bad yaml"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConfigReloadsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConfigReloadsTotal.WithLabelValues("error")))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics(newFakeSource())
	m.StreamClients.Set(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `laneq_lane_active{lane="prompt"} 2`)
	assert.Contains(t, text, `laneq_lane_max_concurrency{lane="system"} 5`)
	assert.Contains(t, text, "laneq_stream_clients 3")
	// runtime metrics come from the default registry
	assert.Contains(t, text, "go_goroutines")
}

func TestMetricsIsolation(t *testing.T) {
	m1 := NewMetrics(nil)
	m2 := NewMetrics(nil)

	m1.StreamClients.Set(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(m1.StreamClients))
	assert.Equal(t, 0.0, testutil.ToFloat64(m2.StreamClients))
}
