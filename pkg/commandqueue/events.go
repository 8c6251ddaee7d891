package commandqueue

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType names a queue or monitor event.
type EventType string

const (
	EventEnqueued     EventType = "command.enqueued"
	EventCompleted    EventType = "command.completed"
	EventLaneCreated  EventType = "lane.created"
	EventLanePressure EventType = "lane.pressure"
	EventLaneIdle     EventType = "lane.idle"
	EventLaneStarved  EventType = "lane.starved"
)

// Event is emitted to handlers and sinks. Stats is set for lane-level events
// that carry load figures.
type Event struct {
	Type      EventType
	LaneID    string
	CommandID string
	Stats     *LaneStats
	Data      map[string]interface{}
	Timestamp time.Time
}

// MarshalJSON flattens the event into the wire shape consumed by external
// collectors, e.g. lane.pressure {lane_id, pending, active, max}.
func (e Event) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"type":      e.Type,
		"lane_id":   e.LaneID,
		"timestamp": e.Timestamp.UnixMilli(),
	}
	if e.CommandID != "" {
		out["command_id"] = e.CommandID
	}
	switch e.Type {
	case EventLanePressure:
		if e.Stats != nil {
			out["pending"] = e.Stats.Pending
			out["active"] = e.Stats.Active
			out["max"] = e.Stats.MaxConcurrency
		}
	case EventLaneStarved:
		if e.Stats != nil {
			out["pending"] = e.Stats.Pending
			out["active"] = e.Stats.Active
			out["min"] = e.Stats.MinConcurrency
		}
	}
	for k, v := range e.Data {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	return json.Marshal(out)
}

// EventSink receives events. Implementations must not block for long; wrap
// slow sinks with an asynchronous adapter.
type EventSink interface {
	Emit(event Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(event Event)

// Emit calls f(event).
func (f SinkFunc) Emit(event Event) { f(event) }

// MultiSink fans an event out to every sink in order.
type MultiSink []EventSink

// Emit forwards event to each non-nil sink.
func (m MultiSink) Emit(event Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(event)
		}
	}
}

// EventHandler handles in-process queue events.
type EventHandler func(event Event)

type eventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
	sink     EventSink
}

func newEventBus(sink EventSink) *eventBus {
	return &eventBus{
		handlers: make(map[EventType][]EventHandler),
		sink:     sink,
	}
}

func (b *eventBus) on(eventType EventType, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

func (b *eventBus) off(eventType EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, eventType)
}

// emit delivers synchronously to handlers, then to the sink.
func (b *eventBus) emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
	if b.sink != nil {
		b.sink.Emit(event)
	}
}
