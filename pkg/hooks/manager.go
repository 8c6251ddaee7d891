// Package hooks runs operator shell scripts when the queue reports lane
// events such as pressure or starvation.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/laneq/pkg/commandqueue"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// DefaultTimeout bounds a hook that sets no timeout of its own.
const DefaultTimeout = 30 * time.Second

// Hook binds a shell script to an event type.
type Hook struct {
	ID      string        `json:"id" mapstructure:"id"`
	Event   string        `json:"event" mapstructure:"event"`
	Script  string        `json:"script" mapstructure:"script"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	Enabled bool          `json:"enabled" mapstructure:"enabled"`
}

// Config configures a hook Manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	Logger  zerolog.Logger
}

// Manager executes configured hooks for queue events.
type Manager struct {
	enabled bool
	logger  zerolog.Logger

	mu           sync.RWMutex
	hooksByEvent map[string][]Hook

	running conc.WaitGroup
}

// NewManager validates the hooks and returns a manager.
func NewManager(cfg Config) (*Manager, error) {
	manager := &Manager{
		enabled:      cfg.Enabled,
		logger:       cfg.Logger.With().Str("component", "hooks").Logger(),
		hooksByEvent: make(map[string][]Hook),
	}

	if !cfg.Enabled {
		return manager, nil
	}

	for _, hook := range cfg.Hooks {
		if !hook.Enabled {
			continue
		}
		event := strings.TrimSpace(hook.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		manager.hooksByEvent[event] = append(manager.hooksByEvent[event], hook)
	}

	return manager, nil
}

// Events lists the event types that have at least one hook.
func (m *Manager) Events() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]string, 0, len(m.hooksByEvent))
	for event := range m.hooksByEvent {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

// Trigger runs every hook registered for event and joins their errors.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) error {
	if m == nil || !m.enabled {
		return nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return fmt.Errorf("event is required")
	}

	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooksByEvent[event]...)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return nil
	}

	var errs []error
	for _, hook := range hooks {
		if err := m.executeHook(ctx, event, hook, data); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Sink adapts the manager to a queue event sink. Hooks run in the
// background so the emitter never waits on a script.
func (m *Manager) Sink() commandqueue.EventSink {
	return commandqueue.SinkFunc(func(event commandqueue.Event) {
		if m == nil || !m.enabled {
			return
		}
		m.mu.RLock()
		_, ok := m.hooksByEvent[string(event.Type)]
		m.mu.RUnlock()
		if !ok {
			return
		}

		data := eventData(event)
		m.running.Go(func() {
			if err := m.Trigger(context.Background(), string(event.Type), data); err != nil {
				m.logger.Warn().Err(err).Str("event", string(event.Type)).Str("lane", event.LaneID).Msg("Hook failed")
			}
		})
	})
}

// Wait blocks until hooks started through Sink have finished.
func (m *Manager) Wait() {
	m.running.Wait()
}

// eventData flattens an event to the same keys its JSON form carries.
func eventData(event commandqueue.Event) map[string]interface{} {
	raw, err := json.Marshal(event)
	if err != nil {
		return map[string]interface{}{"lane_id": event.LaneID}
	}
	data := make(map[string]interface{})
	if err := json.Unmarshal(raw, &data); err != nil {
		return map[string]interface{}{"lane_id": event.LaneID}
	}
	delete(data, "type")
	return data
}

func (m *Manager) executeHook(ctx context.Context, event string, hook Hook, data map[string]interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}
	id := strings.TrimSpace(hook.ID)
	if id == "" {
		id = event
	}
	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = hookEnv(id, event, data)

	start := time.Now()
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("hook %s timed out after %s", id, timeout)
	case err != nil && output != "":
		return fmt.Errorf("hook %s failed: %w: %s", id, err, output)
	case err != nil:
		return fmt.Errorf("hook %s failed: %w", id, err)
	}

	m.logger.Debug().
		Str("event", event).
		Str("hook_id", id).
		Dur("duration", time.Since(start)).
		Str("output", output).
		Msg("Hook executed")
	return nil
}

// hookEnv extends the daemon environment with the hook id, the event type
// and one LANEQ_HOOK_DATA_<KEY> variable per event field, in key order.
func hookEnv(id, event string, data map[string]interface{}) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	env = append(env, "LANEQ_HOOK_ID="+id, "LANEQ_HOOK_EVENT="+event)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("LANEQ_HOOK_DATA_%s=%v", normalizeEnvKey(k), data[k]))
	}
	return env
}

// normalizeEnvKey upper-cases key and replaces anything outside [A-Z0-9]
// with an underscore, so "skill:web" becomes SKILL_WEB.
func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToUpper(key))
}
