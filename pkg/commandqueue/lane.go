package commandqueue

import (
	"fmt"
	"sync"
)

// Priority orders lanes. Lower values are serviced first.
type Priority uint8

// LaneConfig bounds a lane's concurrency.
//
// MaxConcurrency is the hard ceiling enforced on dequeue. MinConcurrency is
// advisory: the monitor uses it to detect lanes that hold work but run below
// their expected floor.
type LaneConfig struct {
	MinConcurrency int `json:"min_concurrency" mapstructure:"min_concurrency"`
	MaxConcurrency int `json:"max_concurrency" mapstructure:"max_concurrency"`
}

// Validate checks 1 <= MinConcurrency <= MaxConcurrency.
func (c LaneConfig) Validate() error {
	if c.MinConcurrency < 1 {
		return &InvalidConfigError{Reason: fmt.Sprintf("min_concurrency must be >= 1, got %d", c.MinConcurrency)}
	}
	if c.MaxConcurrency < c.MinConcurrency {
		return &InvalidConfigError{Reason: fmt.Sprintf("max_concurrency (%d) must be >= min_concurrency (%d)", c.MaxConcurrency, c.MinConcurrency)}
	}
	return nil
}

// Lane is an isolated FIFO admission channel with a concurrency ceiling.
// All mutable state sits behind mu; lanes never share a lock.
type Lane struct {
	id       string
	priority Priority
	order    int
	config   LaneConfig
	dynamic  bool

	mu        sync.Mutex
	pending   []*pendingCommand
	active    int
	closed    bool
	enqueued  uint64
	completed uint64
}

func newLane(id string, priority Priority, order int, cfg LaneConfig, dynamic bool) *Lane {
	return &Lane{
		id:       id,
		priority: priority,
		order:    order,
		config:   cfg,
		dynamic:  dynamic,
		pending:  make([]*pendingCommand, 0),
	}
}

// ID returns the lane id.
func (l *Lane) ID() string { return l.id }

// Priority returns the lane priority.
func (l *Lane) Priority() Priority { return l.priority }

// Config returns the lane concurrency config.
func (l *Lane) Config() LaneConfig { return l.config }

// Dynamic reports whether the lane was created lazily from a prefix rule.
func (l *Lane) Dynamic() bool { return l.dynamic }

// enqueue appends p to the tail. It returns the new pending length, or
// false when the lane has been closed by shutdown.
func (l *Lane) enqueue(p *pendingCommand) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return len(l.pending), false
	}
	l.pending = append(l.pending, p)
	l.enqueued++
	return len(l.pending), true
}

// tryDequeue pops the head if the lane has pending work and spare capacity.
// The check and the increment happen under one lock so concurrent callers
// can never push active past MaxConcurrency.
func (l *Lane) tryDequeue() *pendingCommand {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || len(l.pending) == 0 || l.active >= l.config.MaxConcurrency {
		return nil
	}

	p := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	l.active++
	p.slot = &slot{lane: l}
	return p
}

// complete returns one unit of capacity. Only slot.release calls it.
func (l *Lane) complete() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active > 0 {
		l.active--
	}
	l.completed++
}

// close marks the lane closed and hands back everything still pending.
func (l *Lane) close() []*pendingCommand {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	drained := l.pending
	l.pending = make([]*pendingCommand, 0)
	return drained
}

// position returns the index of a pending command, or -1 once it has left
// the queue.
func (l *Lane) position(commandID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, p := range l.pending {
		if p.id == commandID {
			return i
		}
	}
	return -1
}

// Stats returns a consistent snapshot of the lane.
func (l *Lane) Stats() LaneStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return LaneStats{
		LaneID:         l.id,
		Priority:       l.priority,
		Pending:        len(l.pending),
		Active:         l.active,
		MaxConcurrency: l.config.MaxConcurrency,
		MinConcurrency: l.config.MinConcurrency,
		Dynamic:        l.dynamic,
		Enqueued:       l.enqueued,
		Completed:      l.completed,
	}
}

// less orders lanes by priority, then registration order.
func (l *Lane) less(other *Lane) bool {
	if l.priority != other.priority {
		return l.priority < other.priority
	}
	return l.order < other.order
}
