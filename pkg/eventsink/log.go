// Package eventsink provides destinations for command queue events: the
// process log, Redis pub/sub, WebSocket subscribers, and a buffered adapter
// that keeps slow destinations off the scheduler's path.
package eventsink

import (
	"github.com/harun/laneq/pkg/commandqueue"
	"github.com/rs/zerolog"
)

// Named is implemented by sinks that label their own metrics.
type Named interface {
	Name() string
}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs through logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "events").Logger()}
}

// Name returns "log".
func (s *LogSink) Name() string { return "log" }

// Emit logs pressure and starvation at warn, lane lifecycle at info and
// per-command events at debug.
func (s *LogSink) Emit(event commandqueue.Event) {
	var e *zerolog.Event
	switch event.Type {
	case commandqueue.EventLanePressure, commandqueue.EventLaneStarved:
		e = s.logger.Warn()
	case commandqueue.EventLaneIdle, commandqueue.EventLaneCreated:
		e = s.logger.Info()
	default:
		e = s.logger.Debug()
	}

	e = e.Str("event", string(event.Type)).Str("lane", event.LaneID)
	if event.CommandID != "" {
		e = e.Str("commandId", event.CommandID)
	}
	if event.Stats != nil {
		e = e.Int("pending", event.Stats.Pending).
			Int("active", event.Stats.Active).
			Int("max", event.Stats.MaxConcurrency)
	}
	if len(event.Data) > 0 {
		e = e.Fields(event.Data)
	}
	e.Msg("Queue event")
}

func sinkName(sink commandqueue.EventSink) string {
	if n, ok := sink.(Named); ok {
		return n.Name()
	}
	return "custom"
}
