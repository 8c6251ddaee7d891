package eventsink

import (
	"sync"
	"sync/atomic"

	"github.com/harun/laneq/internal/observability"
	"github.com/harun/laneq/pkg/commandqueue"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

// DefaultBuffer is the queue length used when NewAsync gets a non-positive size.
const DefaultBuffer = 256

// Async decouples a sink from the emitter. Emit never blocks: when the
// buffer is full the event is dropped and counted.
type Async struct {
	sink   commandqueue.EventSink
	name   string
	logger zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	events  chan commandqueue.Event
	done    chan struct{}
	dropped atomic.Uint64
}

// NewAsync wraps sink with a buffered delivery goroutine.
func NewAsync(sink commandqueue.EventSink, buffer int, logger zerolog.Logger) *Async {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	name := sinkName(sink)
	a := &Async{
		sink:   sink,
		name:   name,
		logger: logger.With().Str("component", "eventsink").Str("sink", name).Logger(),
		events: make(chan commandqueue.Event, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Name returns the wrapped sink's name.
func (a *Async) Name() string { return a.name }

// Emit queues event for delivery.
func (a *Async) Emit(event commandqueue.Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return
	}
	select {
	case a.events <- event:
	default:
		a.dropped.Add(1)
		observability.RecordSinkDrop(a.name)
		a.logger.Debug().Str("event", string(event.Type)).Str("lane", event.LaneID).Msg("Event dropped, buffer full")
	}
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits until the buffer is delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.events)
	a.mu.Unlock()

	<-a.done
}

func (a *Async) run() {
	defer close(a.done)

	for event := range a.events {
		var pc panics.Catcher
		pc.Try(func() { a.sink.Emit(event) })
		if r := pc.Recovered(); r != nil {
			a.logger.Error().
				Err(r.AsError()).
				Str("event", string(event.Type)).
				Msg("Event sink panicked")
		}
	}
}
