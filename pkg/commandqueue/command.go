package commandqueue

import (
	"context"
	"sync"
	"time"
)

// Command is a unit of asynchronous work submitted to a lane.
// The queue calls Execute at most once per submission and imposes no timeout.
type Command interface {
	Execute(ctx context.Context) (interface{}, error)
}

// CommandFunc adapts a plain function to Command.
type CommandFunc func(ctx context.Context) (interface{}, error)

// Execute calls f(ctx).
func (f CommandFunc) Execute(ctx context.Context) (interface{}, error) {
	return f(ctx)
}

// Identified is implemented by commands that carry an operation id.
// Cancel commands address running operations by this id.
type Identified interface {
	OperationID() string
}

// Result is the outcome delivered through a Future.
type Result struct {
	Value interface{}
	Err   error
}

// Future is the submitter's handle on a command's eventual result.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolvedFuture returns a Future that is already complete.
func resolvedFuture(value interface{}, err error) *Future {
	f := newFuture()
	f.resolve(Result{Value: value, Err: err})
	return f
}

func (f *Future) resolve(r Result) bool {
	resolved := false
	f.once.Do(func() {
		f.result = r
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the command completes or ctx is done. Giving up on the
// wait does not stop a command that is already running.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.result.Value, f.result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the result without blocking. ok is false while pending.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}

// SubmitOptions tunes a single submission.
type SubmitOptions struct {
	// RequestID makes the submission idempotent: a second submission with the
	// same id inside the dedup window returns the first Future.
	RequestID string
	// WarnAfter logs a warning and calls OnWait if the command is still
	// pending after this long.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, position int)
}

// pendingCommand is owned by its lane until dequeued.
type pendingCommand struct {
	id          string
	laneID      string
	command     Command
	ctx         context.Context
	submittedAt time.Time
	options     SubmitOptions
	future      *Future
	slot        *slot
}

// slot is the capacity guard handed out by a successful dequeue. release
// returns the unit to the lane exactly once no matter how many exit paths
// call it.
type slot struct {
	lane *Lane
	once sync.Once
}

func (s *slot) release() {
	if s == nil {
		return
	}
	s.once.Do(s.lane.complete)
}
