package commandqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/laneq/internal/observability"
	"github.com/harun/laneq/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/codes"
)

// DefaultSchedulerInterval is the fallback polling period. Submissions and
// completions also wake the scheduler directly.
const DefaultSchedulerInterval = 10 * time.Millisecond

// SchedulerState is the scheduler lifecycle state.
type SchedulerState int32

const (
	SchedulerStopped SchedulerState = iota
	SchedulerRunning
	SchedulerStopping
)

func (s SchedulerState) String() string {
	switch s {
	case SchedulerStopped:
		return "stopped"
	case SchedulerRunning:
		return "running"
	case SchedulerStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// laneSnapshotter yields lanes in scheduling order.
type laneSnapshotter interface {
	snapshot() []*Lane
}

// Scheduler moves commands from lane FIFOs into execution goroutines in
// strict priority order. Only the loop goroutine dequeues.
type Scheduler struct {
	lanes    laneSnapshotter
	events   *eventBus
	interval time.Duration
	logger   zerolog.Logger

	state    atomic.Int32
	wake     chan struct{}
	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	inflight sync.WaitGroup
}

func newScheduler(lanes laneSnapshotter, events *eventBus, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultSchedulerInterval
	}
	return &Scheduler{
		lanes:    lanes,
		events:   events,
		interval: interval,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		wake:     make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() SchedulerState {
	return SchedulerState(s.state.Load())
}

// Notify wakes the loop without waiting for the next tick.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CompareAndSwap(int32(SchedulerStopped), int32(SchedulerRunning)) {
		return ErrAlreadyStarted
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(s.stopCh, s.doneCh)

	s.logger.Info().Dur("interval", s.interval).Msg("Scheduler started")
	return nil
}

// stop halts dequeuing, runs drain while nothing new can be dispatched, and
// then waits for in-flight executions until ctx is done.
func (s *Scheduler) stop(ctx context.Context, drain func()) error {
	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(SchedulerRunning), int32(SchedulerStopping)) {
		s.mu.Unlock()
		return ErrNotStarted
	}
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done

	if drain != nil {
		drain()
	}

	waited := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(waited)
	}()

	var err error
	select {
	case <-waited:
		s.logger.Info().Msg("All in-flight commands completed")
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn().Err(err).Msg("Timed out waiting for in-flight commands")
	}

	s.state.Store(int32(SchedulerStopped))
	s.logger.Info().Msg("Scheduler stopped")
	return err
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.cycle(stop)

		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// cycle drains admissible work across lanes. Each pass walks lanes in
// priority order and empties a lane's admissible head before looking at the
// next one; passes repeat until one dispatches nothing.
func (s *Scheduler) cycle(stop <-chan struct{}) int {
	lanes := s.lanes.snapshot()
	total := 0

	for {
		dispatched := 0
		for _, lane := range lanes {
			for {
				select {
				case <-stop:
					return total + dispatched
				default:
				}

				p := lane.tryDequeue()
				if p == nil {
					break
				}
				s.dispatch(lane, p)
				dispatched++
			}
		}
		total += dispatched
		if dispatched == 0 {
			return total
		}
	}
}

func (s *Scheduler) dispatch(lane *Lane, p *pendingCommand) {
	wait := time.Since(p.submittedAt)
	observability.RecordDequeue(lane.id, wait)

	s.logger.Debug().
		Str("lane", lane.id).
		Str("commandId", p.id).
		Dur("wait", wait).
		Msg("Command dequeued")

	s.inflight.Add(1)
	go s.execute(lane, p)
}

// execute runs one command. The slot is released and the future resolved on
// every path, including panics and runtime.Goexit.
func (s *Scheduler) execute(lane *Lane, p *pendingCommand) {
	defer s.inflight.Done()
	defer s.Notify()
	defer p.future.resolve(Result{Err: &PanickedError{Value: "execution goroutine exited"}})
	defer p.slot.release()

	ctx, span := tracing.StartSpan(p.ctx, "commandqueue.execute", tracing.CommandAttributes(p.ctx)...)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	start := time.Now()
	value, status, err := invoke(ctx, p.command)
	duration := time.Since(start)

	p.slot.release()
	p.future.resolve(Result{Value: value, Err: err})

	switch status {
	case "success":
		logger.Debug().Dur("duration", duration).Msg("Command completed")
	case "panic":
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var stack []byte
		if pe, ok := err.(*PanickedError); ok {
			stack = pe.Stack
		}
		logger.Error().Err(err).Bytes("stack", stack).Dur("duration", duration).Msg("Command panicked")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Err(err).Dur("duration", duration).Msg("Command failed")
	}

	observability.RecordCompletion(lane.id, status, duration)

	s.events.emit(Event{
		Type:      EventCompleted,
		LaneID:    lane.id,
		CommandID: p.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
			"status":   status,
		},
	})
}

// invoke calls Execute and classifies the outcome as success, error or panic.
func invoke(ctx context.Context, cmd Command) (interface{}, string, error) {
	var (
		value interface{}
		err   error
		pc    panics.Catcher
	)
	pc.Try(func() {
		value, err = cmd.Execute(ctx)
	})
	if r := pc.Recovered(); r != nil {
		return nil, "panic", &PanickedError{Value: r.Value, Stack: r.Stack}
	}
	if err != nil {
		return value, "error", &ExecutionFailedError{Err: err}
	}
	return value, "success", nil
}
