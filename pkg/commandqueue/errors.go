package commandqueue

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below match them through errors.Is.
var (
	ErrUnknownLane       = errors.New("unknown lane")
	ErrAlreadyRegistered = errors.New("lane already registered")
	ErrInvalidConfig     = errors.New("invalid lane config")
	ErrNotStarted        = errors.New("scheduler not started")
	ErrAlreadyStarted    = errors.New("scheduler already started")
	ErrClosed            = errors.New("queue closed")
	ErrCancelled         = errors.New("command cancelled")
	ErrExecutionFailed   = errors.New("command execution failed")
	ErrPanicked          = errors.New("command panicked")
	ErrOperationNotFound = errors.New("operation not found")
)

// UnknownLaneError is returned when a submission targets a lane that is
// neither registered nor creatable from a dynamic lane rule.
type UnknownLaneError struct {
	LaneID string
}

func (e *UnknownLaneError) Error() string {
	return fmt.Sprintf("unknown lane %q", e.LaneID)
}

func (e *UnknownLaneError) Is(target error) bool { return target == ErrUnknownLane }

// AlreadyRegisteredError is returned by the builder for duplicate lane ids.
type AlreadyRegisteredError struct {
	LaneID string
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("lane %q already registered", e.LaneID)
}

func (e *AlreadyRegisteredError) Is(target error) bool { return target == ErrAlreadyRegistered }

// InvalidConfigError reports a lane config violating 1 <= min <= max.
type InvalidConfigError struct {
	LaneID string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	if e.LaneID == "" {
		return "invalid lane config: " + e.Reason
	}
	return fmt.Sprintf("invalid config for lane %q: %s", e.LaneID, e.Reason)
}

func (e *InvalidConfigError) Is(target error) bool { return target == ErrInvalidConfig }

// CancelledError resolves commands that were never dequeued.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return "command cancelled: " + e.Reason
}

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

// ExecutionFailedError wraps the error returned by Command.Execute.
// errors.Is and errors.As see through it to the original error.
type ExecutionFailedError struct {
	Err error
}

func (e *ExecutionFailedError) Error() string {
	return e.Err.Error()
}

func (e *ExecutionFailedError) Unwrap() error { return e.Err }

func (e *ExecutionFailedError) Is(target error) bool { return target == ErrExecutionFailed }

// PanickedError is delivered when Execute panics.
type PanickedError struct {
	Value interface{}
	Stack []byte
}

func (e *PanickedError) Error() string {
	return fmt.Sprintf("command panicked: %v", e.Value)
}

func (e *PanickedError) Is(target error) bool { return target == ErrPanicked }

// IsCancelled reports whether err is a cancellation with the given reason.
// An empty reason matches any cancellation.
func IsCancelled(err error, reason string) bool {
	var ce *CancelledError
	if !errors.As(err, &ce) {
		return false
	}
	return reason == "" || ce.Reason == reason
}

const shutdownReason = "shutdown"
