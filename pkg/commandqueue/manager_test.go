package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/laneq/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, configure func(b *Builder)) *Manager {
	t.Helper()
	b := NewBuilder().
		WithLogger(zerolog.Nop()).
		WithSchedulerInterval(time.Millisecond)
	if configure != nil {
		configure(b)
	}
	m, err := b.Build()
	require.NoError(t, err)
	return m
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
}

func valueCommand(v interface{}) Command {
	return CommandFunc(func(ctx context.Context) (interface{}, error) {
		return v, nil
	})
}

func waitFor(t *testing.T, f *Future) (interface{}, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func TestBuilder_DefaultLanes(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })

	lanes := m.Lanes()
	ids := make([]string, 0, len(lanes))
	for _, lane := range lanes {
		ids = append(ids, lane.ID())
	}
	assert.Equal(t, []string{"system", "control", "query", "session", "skill", "prompt"}, ids)

	query, ok := m.Lane(LaneQuery)
	require.True(t, ok)
	assert.Equal(t, Priority(2), query.Priority())
	assert.Equal(t, LaneConfig{MinConcurrency: 1, MaxConcurrency: 10}, query.Config())

	prompt, ok := m.Lane(LanePrompt)
	require.True(t, ok)
	assert.Equal(t, 2, prompt.Config().MaxConcurrency)
}

func TestBuilder_Errors(t *testing.T) {
	cfg := LaneConfig{MinConcurrency: 1, MaxConcurrency: 1}

	_, err := NewBuilder().WithLane("a", cfg, 0).WithLane("a", cfg, 1).Build()
	assert.True(t, errors.Is(err, ErrAlreadyRegistered))

	_, err = NewBuilder().WithLane("bad", LaneConfig{MinConcurrency: 2, MaxConcurrency: 1}, 0).Build()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	var ice *InvalidConfigError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, "bad", ice.LaneID)

	_, err = NewBuilder().WithDefaultLanes().WithLane(LaneSystem, cfg, 0).WithLane("", cfg, 0).Build()
	assert.True(t, errors.Is(err, ErrAlreadyRegistered))
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	_, err = NewBuilder().WithDynamicLanes("x:", cfg, 1).WithDynamicLanes("x:", cfg, 1).Build()
	assert.True(t, errors.Is(err, ErrAlreadyRegistered))
}

func TestBuilder_TiesBrokenByRegistrationOrder(t *testing.T) {
	cfg := LaneConfig{MinConcurrency: 1, MaxConcurrency: 1}
	m := newTestManager(t, func(b *Builder) {
		b.WithLane("late", cfg, 2).
			WithLane("b", cfg, 1).
			WithLane("a", cfg, 1).
			WithLane("first", cfg, 0)
	})

	var ids []string
	for _, lane := range m.Lanes() {
		ids = append(ids, lane.ID())
	}
	assert.Equal(t, []string{"first", "b", "a", "late"}, ids)
}

func TestManager_EnqueueReturnsResult(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })
	startManager(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := m.Enqueue(ctx, LaneQuery, valueCommand("ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestManager_CommandErrorPassesThrough(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })
	startManager(t, m)

	boom := errors.New("boom")
	_, err := waitFor(t, m.Submit(context.Background(), LaneSession, CommandFunc(func(ctx context.Context) (interface{}, error) {
		return nil, boom
	})))

	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.True(t, errors.Is(err, ErrExecutionFailed))
	assert.Equal(t, "boom", err.Error())
}

func TestManager_UnknownLane(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })

	f := m.Submit(context.Background(), "nope", valueCommand(1))
	res, done := f.Result()
	require.True(t, done)

	var ule *UnknownLaneError
	require.True(t, errors.As(res.Err, &ule))
	assert.Equal(t, "nope", ule.LaneID)
	assert.True(t, errors.Is(res.Err, ErrUnknownLane))

	_, exists := m.Lane("nope")
	assert.False(t, exists)

	// The bare prefix is not a lane id.
	res, _ = m.Submit(context.Background(), SkillLanePrefix, valueCommand(1)).Result()
	assert.True(t, errors.Is(res.Err, ErrUnknownLane))
}

func TestManager_NilCommand(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })

	res, done := m.Submit(context.Background(), LaneQuery, nil).Result()
	require.True(t, done)
	assert.Error(t, res.Err)
	assert.Equal(t, 0, m.Stats().TotalPending)
}

func TestManager_DynamicLaneCreatedOnce(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })

	var created atomic.Int32
	m.On(EventLaneCreated, func(e Event) {
		created.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Submit(context.Background(), "skill:web", valueCommand(nil))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Len(t, m.Lanes(), 7)

	lane, ok := m.Lane("skill:web")
	require.True(t, ok)
	assert.True(t, lane.Dynamic())
	assert.Equal(t, Priority(4), lane.Priority())
	assert.Equal(t, 50, lane.Stats().Pending)
}

func TestManager_LongestPrefixRuleWins(t *testing.T) {
	m := newTestManager(t, func(b *Builder) {
		b.WithDynamicLanes("tool:", LaneConfig{MinConcurrency: 1, MaxConcurrency: 2}, 3).
			WithDynamicLanes("tool:fs:", LaneConfig{MinConcurrency: 1, MaxConcurrency: 7}, 1)
	})

	m.Submit(context.Background(), "tool:fs:read", valueCommand(nil))
	m.Submit(context.Background(), "tool:web", valueCommand(nil))

	fs, ok := m.Lane("tool:fs:read")
	require.True(t, ok)
	assert.Equal(t, 7, fs.Config().MaxConcurrency)

	web, ok := m.Lane("tool:web")
	require.True(t, ok)
	assert.Equal(t, 2, web.Config().MaxConcurrency)

	assert.Equal(t, "tool:fs:read", m.Lanes()[0].ID())

	rules := m.DynamicRules()
	require.Len(t, rules, 2)
	assert.Equal(t, "tool:", rules[0].Prefix)
	assert.Equal(t, "tool:fs:", rules[1].Prefix)
}

func TestManager_Lifecycle(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })

	assert.ErrorIs(t, m.Shutdown(context.Background()), ErrNotStarted)
	assert.Equal(t, SchedulerStopped, m.State())

	require.NoError(t, m.Start())
	assert.Equal(t, SchedulerRunning, m.State())
	assert.ErrorIs(t, m.Start(), ErrAlreadyStarted)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, SchedulerStopped, m.State())
	assert.ErrorIs(t, m.Shutdown(context.Background()), ErrNotStarted)
	assert.ErrorIs(t, m.Start(), ErrClosed)

	res, done := m.Submit(context.Background(), LaneQuery, valueCommand(1)).Result()
	require.True(t, done)
	assert.True(t, IsCancelled(res.Err, "shutdown"))

	res, done = m.Submit(context.Background(), "skill:late", valueCommand(1)).Result()
	require.True(t, done)
	assert.True(t, IsCancelled(res.Err, "shutdown"))
	_, exists := m.Lane("skill:late")
	assert.False(t, exists)
}

func TestManager_ShutdownTimesOutOnInflight(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })
	require.NoError(t, m.Start())

	started := make(chan struct{})
	release := make(chan struct{})
	f := m.Submit(context.Background(), LaneSession, CommandFunc(func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return "late", nil
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	result, err := waitFor(t, f)
	require.NoError(t, err)
	assert.Equal(t, "late", result)
}

func TestManager_ShutdownBeforeStartKeepsPending(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })

	f := m.Submit(context.Background(), LaneQuery, valueCommand("later"))
	assert.ErrorIs(t, m.Shutdown(context.Background()), ErrNotStarted)
	_, done := f.Result()
	assert.False(t, done)

	startManager(t, m)
	result, err := waitFor(t, f)
	require.NoError(t, err)
	assert.Equal(t, "later", result)
}

func TestManager_DeduplicatesRequestID(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })

	var runs atomic.Int32
	cmd := CommandFunc(func(ctx context.Context) (interface{}, error) {
		return runs.Add(1), nil
	})

	opts := &SubmitOptions{RequestID: "req-1"}
	first := m.SubmitWithOptions(context.Background(), LaneQuery, cmd, opts)
	second := m.SubmitWithOptions(context.Background(), LaneQuery, cmd, opts)
	assert.Same(t, first, second)

	// A request id carried by the context is not a dedup key.
	ctx := tracing.WithRequestID(context.Background(), "req-1")
	third := m.Submit(ctx, LaneQuery, cmd)
	assert.NotSame(t, first, third)

	startManager(t, m)
	result, err := waitFor(t, first)
	require.NoError(t, err)
	assert.Contains(t, []interface{}{int32(1), int32(2)}, result)
	_, err = waitFor(t, third)
	require.NoError(t, err)
	assert.Equal(t, int32(2), runs.Load())

	lane, _ := m.Lane(LaneQuery)
	assert.Equal(t, uint64(2), lane.Stats().Enqueued)
}

func TestManager_NestedSubmitWithRequestIDRunsChild(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })
	startManager(t, m)

	var childRuns atomic.Int32
	parent := CommandFunc(func(ctx context.Context) (interface{}, error) {
		assert.Equal(t, "req-parent", tracing.GetRequestID(ctx))
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return m.Enqueue(waitCtx, LaneQuery, CommandFunc(func(context.Context) (interface{}, error) {
			return childRuns.Add(1), nil
		}))
	})

	result, err := waitFor(t, m.SubmitWithOptions(context.Background(), LaneSession, parent, &SubmitOptions{RequestID: "req-parent"}))
	require.NoError(t, err)
	assert.Equal(t, int32(1), result)
	assert.Equal(t, int32(1), childRuns.Load())
}

func TestManager_WarnAfterReportsPosition(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })

	type waitReport struct {
		wait     time.Duration
		position int
	}
	reports := make(chan waitReport, 2)
	onWait := func(wait time.Duration, position int) {
		reports <- waitReport{wait, position}
	}

	m.SubmitWithOptions(context.Background(), LanePrompt, valueCommand(1), &SubmitOptions{WarnAfter: 5 * time.Millisecond, OnWait: onWait})
	m.SubmitWithOptions(context.Background(), LanePrompt, valueCommand(2), &SubmitOptions{WarnAfter: 5 * time.Millisecond, OnWait: onWait})

	positions := map[int]bool{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-reports:
			assert.GreaterOrEqual(t, r.wait, 5*time.Millisecond)
			positions[r.position] = true
		case <-time.After(2 * time.Second):
			t.Fatal("OnWait not called")
		}
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, positions)
}

func TestManager_NoWarningOnceDequeued(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })
	startManager(t, m)

	var called atomic.Bool
	f := m.SubmitWithOptions(context.Background(), LaneQuery, valueCommand(1), &SubmitOptions{
		WarnAfter: 50 * time.Millisecond,
		OnWait:    func(time.Duration, int) { called.Store(true) },
	})
	_, err := waitFor(t, f)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, called.Load())
}

func TestManager_EventHandlers(t *testing.T) {
	var sunk []EventType
	var mu sync.Mutex
	sink := SinkFunc(func(e Event) {
		mu.Lock()
		sunk = append(sunk, e.Type)
		mu.Unlock()
	})

	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes().WithEventSink(sink) })

	completed := make(chan Event, 4)
	m.On(EventCompleted, func(e Event) { completed <- e })

	startManager(t, m)
	_, err := waitFor(t, m.Submit(context.Background(), LaneSystem, valueCommand("pong")))
	require.NoError(t, err)

	select {
	case e := <-completed:
		assert.Equal(t, LaneSystem, e.LaneID)
		assert.Equal(t, true, e.Data["success"])
		assert.Equal(t, "success", e.Data["status"])
		assert.NotEmpty(t, e.CommandID)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("completed event not delivered")
	}

	m.Off(EventCompleted)
	_, err = waitFor(t, m.Submit(context.Background(), LaneSystem, valueCommand("pong")))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, et := range sunk {
			if et == EventCompleted {
				n++
			}
		}
		return n == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, completed, 0)

	mu.Lock()
	assert.Contains(t, sunk, EventEnqueued)
	mu.Unlock()
}

func TestManager_StatsBeforeStart(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })

	for i := 0; i < 3; i++ {
		m.Submit(context.Background(), LaneQuery, valueCommand(i))
	}
	m.Submit(context.Background(), LanePrompt, valueCommand(0))

	stats := m.Stats()
	assert.Equal(t, 4, stats.TotalPending)
	assert.Equal(t, 0, stats.TotalActive)
	assert.Equal(t, "stopped", stats.Scheduler)
	require.Len(t, stats.PerLane, 6)

	query, ok := stats.Lane(LaneQuery)
	require.True(t, ok)
	assert.Equal(t, 3, query.Pending)
	assert.Equal(t, 10, query.MaxConcurrency)
}
