package commandqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/laneq/internal/observability"
)

const cancelRequestedReason = "cancel requested"

// CancelRegistry tracks running operations so a cancel command on another
// lane can interrupt them. The queue itself never aborts a command.
type CancelRegistry struct {
	mu   sync.Mutex
	next uint64
	ops  map[string]map[uint64]context.CancelCauseFunc
}

// NewCancelRegistry returns an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{ops: make(map[string]map[uint64]context.CancelCauseFunc)}
}

// Track wraps cmd so that, while it executes, Cancel(opID) cancels its context.
func (r *CancelRegistry) Track(opID string, cmd Command) Command {
	return &trackedCommand{registry: r, opID: opID, cmd: cmd}
}

// Cancel cancels every running execution tracked under opID.
func (r *CancelRegistry) Cancel(opID string) bool {
	r.mu.Lock()
	running := r.ops[opID]
	cancels := make([]context.CancelCauseFunc, 0, len(running))
	for _, cancel := range running {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel(&CancelledError{Reason: cancelRequestedReason})
	}
	return len(cancels) > 0
}

// Active lists operation ids currently executing.
func (r *CancelRegistry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.ops))
	for id := range r.ops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *CancelRegistry) register(opID string, cancel context.CancelCauseFunc) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	token := r.next
	if r.ops[opID] == nil {
		r.ops[opID] = make(map[uint64]context.CancelCauseFunc)
	}
	r.ops[opID][token] = cancel
	return token
}

func (r *CancelRegistry) unregister(opID string, token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.ops[opID], token)
	if len(r.ops[opID]) == 0 {
		delete(r.ops, opID)
	}
}

type trackedCommand struct {
	registry *CancelRegistry
	opID     string
	cmd      Command
}

func (t *trackedCommand) OperationID() string { return t.opID }

func (t *trackedCommand) Execute(ctx context.Context) (interface{}, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	token := t.registry.register(t.opID, cancel)
	defer func() {
		t.registry.unregister(t.opID, token)
		cancel(nil)
	}()
	return t.cmd.Execute(ctx)
}

// NewCancelCommand returns a command, meant for the control lane, that
// cancels the running operation targetOpID. It fails with
// ErrOperationNotFound when nothing under that id is executing.
func NewCancelCommand(registry *CancelRegistry, targetOpID string) Command {
	return CommandFunc(func(ctx context.Context) (interface{}, error) {
		if !registry.Cancel(targetOpID) {
			observability.RecordControlAudit(ctx, "cancel", targetOpID, "not_found", nil)
			return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, targetOpID)
		}
		observability.RecordControlAudit(ctx, "cancel", targetOpID, "cancelled", nil)
		return targetOpID, nil
	})
}
