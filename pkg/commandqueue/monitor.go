package commandqueue

import (
	"context"
	"sync"
	"time"

	"github.com/harun/laneq/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultMonitorInterval is how often the monitor samples lane stats.
const DefaultMonitorInterval = 10 * time.Second

// DefaultStarvationTicks is the number of consecutive ticks a lane must run
// below its minimum concurrency before lane.starved fires.
const DefaultStarvationTicks = 3

// Thresholds tune the monitor's pressure and starvation rules. Zero
// PendingWarning or ActiveWarning disables that rule.
type Thresholds struct {
	PendingWarning  int `json:"pending_warning" mapstructure:"pending_warning"`
	ActiveWarning   int `json:"active_warning" mapstructure:"active_warning"`
	StarvationTicks int `json:"starvation_ticks" mapstructure:"starvation_ticks"`
}

func (t Thresholds) normalized() Thresholds {
	if t.StarvationTicks <= 0 {
		t.StarvationTicks = DefaultStarvationTicks
	}
	return t
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	Thresholds Thresholds
	Logger     *zerolog.Logger
}

type laneWatch struct {
	busy         bool
	starvedTicks int
	starved      bool
}

// Monitor samples lane stats periodically and emits pressure, idle and
// starvation events. It never mutates lanes.
type Monitor struct {
	source StatsSource
	sink   EventSink
	logger zerolog.Logger

	mu         sync.Mutex
	thresholds Thresholds
	watches    map[string]*laneWatch

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor reading from source. sink may be nil.
func NewMonitor(source StatsSource, sink EventSink, opts MonitorOptions) *Monitor {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Monitor{
		source:     source,
		sink:       sink,
		logger:     logger.With().Str("component", "monitor").Logger(),
		thresholds: opts.Thresholds.normalized(),
		watches:    make(map[string]*laneWatch),
	}
}

// SetThresholds replaces the thresholds; the next tick uses them.
func (m *Monitor) SetThresholds(t Thresholds) {
	m.mu.Lock()
	m.thresholds = t.normalized()
	m.mu.Unlock()

	m.logger.Info().
		Int("pendingWarning", t.PendingWarning).
		Int("activeWarning", t.ActiveWarning).
		Msg("Monitor thresholds updated")
}

// Thresholds returns the current thresholds.
func (m *Monitor) Thresholds() Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholds
}

// Stats returns the underlying queue stats.
func (m *Monitor) Stats() QueueStats {
	return m.source.Stats()
}

// Start runs Check every interval until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check()
			}
		}
	}(m.done)

	m.logger.Info().Dur("interval", interval).Msg("Monitor started")
	return nil
}

// Stop halts the ticker and waits for an in-progress check.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info().Msg("Monitor stopped")
}

// Check performs one tick and returns the events it emitted.
func (m *Monitor) Check() []Event {
	stats := m.source.Stats()

	m.mu.Lock()
	th := m.thresholds
	var events []Event
	for _, ls := range stats.PerLane {
		ls := ls
		w, ok := m.watches[ls.LaneID]
		if !ok {
			w = &laneWatch{}
			m.watches[ls.LaneID] = w
		}

		if pressured(ls, th) {
			events = append(events, Event{Type: EventLanePressure, LaneID: ls.LaneID, Stats: &ls, Timestamp: stats.Timestamp})
		}

		idle := ls.Idle()
		if idle && w.busy {
			events = append(events, Event{Type: EventLaneIdle, LaneID: ls.LaneID, Stats: &ls, Timestamp: stats.Timestamp})
		}
		w.busy = !idle

		if ls.Pending > 0 && ls.Active < ls.MinConcurrency {
			w.starvedTicks++
			if w.starvedTicks >= th.StarvationTicks && !w.starved {
				w.starved = true
				events = append(events, Event{
					Type:      EventLaneStarved,
					LaneID:    ls.LaneID,
					Stats:     &ls,
					Timestamp: stats.Timestamp,
					Data:      map[string]interface{}{"ticks": w.starvedTicks},
				})
			}
		} else {
			w.starvedTicks = 0
			w.starved = false
		}
	}
	m.mu.Unlock()

	for _, ev := range events {
		observability.RecordLaneEvent(ev.LaneID, string(ev.Type))
		if m.sink != nil {
			m.sink.Emit(ev)
		}
	}
	return events
}

func pressured(ls LaneStats, th Thresholds) bool {
	if ls.Saturated() {
		return true
	}
	if th.PendingWarning > 0 && ls.Pending > th.PendingWarning {
		return true
	}
	return th.ActiveWarning > 0 && ls.Active >= th.ActiveWarning
}
