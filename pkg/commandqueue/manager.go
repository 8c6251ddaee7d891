package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/laneq/internal/observability"
	"github.com/harun/laneq/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
)

var errNilCommand = errors.New("nil command")

// Manager is the single entry point for lane registration and submission.
// It owns the lane registry; the scheduler and monitors only read it.
type Manager struct {
	mu        sync.RWMutex
	lanes     map[string]*Lane
	ordered   []*Lane // scheduling order, replaced wholesale on insert
	nextOrder int
	closed    bool
	rules     []DynamicLaneRule

	scheduler *Scheduler
	events    *eventBus
	dedup     *dedupCache
	logger    zerolog.Logger
	seq       atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// Start launches the scheduler.
func (m *Manager) Start() error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return m.scheduler.start()
}

// Shutdown stops dequeuing, resolves every pending command with
// Cancelled("shutdown") and waits for in-flight commands until ctx is done.
// The manager cannot be restarted afterwards.
//
// Before Start, Shutdown returns ErrNotStarted and changes nothing: commands
// already submitted stay pending and run once Start is called.
func (m *Manager) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	err := m.scheduler.stop(ctx, m.drainAll)
	if errors.Is(err, ErrNotStarted) {
		return err
	}

	m.dedup.Stop()
	m.cancel()

	m.logger.Info().Msg("Command queue shut down")
	return err
}

// drainAll closes every lane and cancels what they still hold.
func (m *Manager) drainAll() {
	m.mu.Lock()
	m.closed = true
	lanes := m.ordered
	m.mu.Unlock()

	for _, lane := range lanes {
		drained := lane.close()
		for _, p := range drained {
			p.future.resolve(Result{Err: &CancelledError{Reason: shutdownReason}})
			observability.RecordCompletion(lane.id, "cancelled", 0)
		}
		observability.SetPending(lane.id, 0)

		if len(drained) > 0 {
			m.logger.Info().Str("lane", lane.id).Int("cancelled", len(drained)).Msg("Pending commands cancelled")
			observability.RecordLaneAudit(m.ctx, "lane_drained", lane.id, map[string]interface{}{
				"cancelled": len(drained),
			})
		}
	}
}

// Submit enqueues cmd on laneID and returns its Future. Submission errors,
// such as an unknown lane, are delivered through the Future.
func (m *Manager) Submit(ctx context.Context, laneID string, cmd Command) *Future {
	return m.SubmitWithOptions(ctx, laneID, cmd, nil)
}

// Enqueue submits cmd and waits for its result.
func (m *Manager) Enqueue(ctx context.Context, laneID string, cmd Command) (interface{}, error) {
	return m.Submit(ctx, laneID, cmd).Wait(ctx)
}

// SubmitWithOptions is Submit with per-submission options.
func (m *Manager) SubmitWithOptions(ctx context.Context, laneID string, cmd Command, options *SubmitOptions) *Future {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := SubmitOptions{}
	if options != nil {
		opts = *options
	}
	ctx, span := tracing.StartSpan(ctx, "commandqueue.submit", tracing.AttrLane.String(laneID))
	defer span.End()

	if cmd == nil {
		return resolvedFuture(nil, errNilCommand)
	}

	lane, err := m.resolveLane(ctx, laneID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrClosed) {
			return resolvedFuture(nil, &CancelledError{Reason: shutdownReason})
		}
		return resolvedFuture(nil, err)
	}

	future := newFuture()
	if opts.RequestID != "" {
		if existing, loaded := m.dedup.GetOrSet(opts.RequestID, future); loaded {
			m.logger.Debug().Str("lane", laneID).Str("requestId", opts.RequestID).Msg("Duplicate submission joined")
			return existing
		}
	}

	id := fmt.Sprintf("%s-%d", laneID, m.seq.Add(1))
	// The command keeps the submitter's values but not its cancellation:
	// giving up on the Future does not abort a dequeued command.
	execCtx := tracing.WithCommandID(tracing.WithLaneID(context.WithoutCancel(ctx), laneID), id)
	if opts.RequestID != "" {
		execCtx = tracing.WithRequestID(execCtx, opts.RequestID)
	}

	p := &pendingCommand{
		id:          id,
		laneID:      laneID,
		command:     cmd,
		ctx:         execCtx,
		submittedAt: time.Now(),
		options:     opts,
		future:      future,
	}

	pending, ok := lane.enqueue(p)
	if !ok {
		if opts.RequestID != "" {
			m.dedup.Forget(opts.RequestID, future)
		}
		future.resolve(Result{Err: &CancelledError{Reason: shutdownReason}})
		observability.RecordCompletion(laneID, "cancelled", 0)
		return future
	}

	lg := tracing.LoggerFromContext(execCtx, m.logger)
	lg.Debug().
		Int("pending", pending).
		Msg("Command enqueued")
	observability.RecordEnqueue(laneID, pending)

	m.events.emit(Event{
		Type:      EventEnqueued,
		LaneID:    laneID,
		CommandID: id,
		Data: map[string]interface{}{
			"pending": pending,
		},
	})

	if opts.WarnAfter > 0 {
		go m.warnIfWaiting(lane, p)
	}

	m.scheduler.Notify()
	return future
}

// resolveLane returns the lane for id, creating it from a dynamic rule on
// first use. Creation re-checks under the write lock so racing submitters
// share one lane.
func (m *Manager) resolveLane(ctx context.Context, laneID string) (*Lane, error) {
	m.mu.RLock()
	lane, ok := m.lanes[laneID]
	m.mu.RUnlock()
	if ok {
		return lane, nil
	}

	rule, ok := m.matchRule(laneID)
	if !ok {
		return nil, &UnknownLaneError{LaneID: laneID}
	}

	m.mu.Lock()
	if lane, ok := m.lanes[laneID]; ok {
		m.mu.Unlock()
		return lane, nil
	}
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	lane = m.insertLaneLocked(laneID, rule.Priority, rule.Config, true)
	count := len(m.lanes)
	m.mu.Unlock()

	m.logger.Info().
		Str("lane", laneID).
		Str("rule", rule.Prefix).
		Uint8("priority", uint8(rule.Priority)).
		Int("maxConcurrency", rule.Config.MaxConcurrency).
		Msg("Dynamic lane created")
	observability.SetLaneCount(count)
	observability.RecordLaneAudit(ctx, "lane_created", laneID, map[string]interface{}{
		"rule":            rule.Prefix,
		"priority":        int(rule.Priority),
		"max_concurrency": rule.Config.MaxConcurrency,
	})
	m.events.emit(Event{
		Type:   EventLaneCreated,
		LaneID: laneID,
		Data: map[string]interface{}{
			"rule": rule.Prefix,
		},
	})

	return lane, nil
}

// matchRule picks the longest matching prefix. Rules are fixed at build time.
func (m *Manager) matchRule(laneID string) (DynamicLaneRule, bool) {
	var best DynamicLaneRule
	found := false
	for _, rule := range m.rules {
		if rule.matches(laneID) && (!found || len(rule.Prefix) > len(best.Prefix)) {
			best = rule
			found = true
		}
	}
	return best, found
}

// insertLaneLocked adds a lane; m.mu must be held for writing (or the
// manager not yet shared).
func (m *Manager) insertLaneLocked(id string, priority Priority, cfg LaneConfig, dynamic bool) *Lane {
	lane := newLane(id, priority, m.nextOrder, cfg, dynamic)
	m.nextOrder++
	m.lanes[id] = lane

	ordered := make([]*Lane, 0, len(m.ordered)+1)
	ordered = append(ordered, m.ordered...)
	ordered = append(ordered, lane)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].less(ordered[j]) })
	m.ordered = ordered
	return lane
}

// snapshot returns lanes in scheduling order. The slice must not be modified.
func (m *Manager) snapshot() []*Lane {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ordered
}

// warnIfWaiting logs once if the command is still pending after WarnAfter.
func (m *Manager) warnIfWaiting(lane *Lane, p *pendingCommand) {
	timer := time.NewTimer(p.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		position := lane.position(p.id)
		if position < 0 {
			return
		}
		wait := time.Since(p.submittedAt)
		lg := tracing.LoggerFromContext(p.ctx, m.logger)
		lg.Warn().
			Dur("wait", wait).
			Int("position", position).
			Msg("Command waiting longer than expected")
		if p.options.OnWait != nil {
			p.options.OnWait(wait, position)
		}
	case <-p.future.Done():
	case <-m.ctx.Done():
	}
}

// Lane returns the lane registered under id.
func (m *Manager) Lane(id string) (*Lane, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lane, ok := m.lanes[id]
	return lane, ok
}

// Lanes returns all lanes in scheduling order.
func (m *Manager) Lanes() []*Lane {
	return append([]*Lane(nil), m.snapshot()...)
}

// DynamicRules returns the prefix rules in registration order.
func (m *Manager) DynamicRules() []DynamicLaneRule {
	return append([]DynamicLaneRule(nil), m.rules...)
}

// State returns the scheduler state.
func (m *Manager) State() SchedulerState {
	return m.scheduler.State()
}

// Stats returns aggregate statistics. It only reads lane state.
func (m *Manager) Stats() QueueStats {
	return aggregate(m.snapshot(), m.scheduler.State())
}

// On registers an in-process handler for an event type.
func (m *Manager) On(eventType EventType, handler EventHandler) {
	m.events.on(eventType, handler)
}

// Off removes all handlers for an event type.
func (m *Manager) Off(eventType EventType) {
	m.events.off(eventType)
}
