package commandqueue

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer collects log lines written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) messages(msg string) []map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]interface{}
	scanner := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for scanner.Scan() {
		var entry map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry["message"] == msg {
			out = append(out, entry)
		}
	}
	return out
}

// concurrencyTracker records the peak number of simultaneous executions.
type concurrencyTracker struct {
	current atomic.Int32
	peak    atomic.Int32
}

func (c *concurrencyTracker) enter() {
	n := c.current.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (c *concurrencyTracker) exit() { c.current.Add(-1) }

func blockingCommand(started chan<- string, release <-chan struct{}, name string) Command {
	return CommandFunc(func(ctx context.Context) (interface{}, error) {
		if started != nil {
			started <- name
		}
		<-release
		return name, nil
	})
}

func TestScheduler_StateString(t *testing.T) {
	assert.Equal(t, "stopped", SchedulerStopped.String())
	assert.Equal(t, "running", SchedulerRunning.String())
	assert.Equal(t, "stopping", SchedulerStopping.String())
	assert.Equal(t, "unknown", SchedulerState(42).String())
}

func TestScheduler_CycleDispatchesByPriority(t *testing.T) {
	logs := &syncBuffer{}
	cfg := LaneConfig{MinConcurrency: 1, MaxConcurrency: 2}
	m := newTestManager(t, func(b *Builder) {
		b.WithLogger(zerolog.New(logs).Level(zerolog.DebugLevel)).
			WithLane("low", cfg, 5).
			WithLane("high", cfg, 0)
	})

	release := make(chan struct{})
	var futures []*Future
	for i := 0; i < 3; i++ {
		futures = append(futures, m.Submit(context.Background(), "low", blockingCommand(nil, release, "low")))
	}
	for i := 0; i < 3; i++ {
		futures = append(futures, m.Submit(context.Background(), "high", blockingCommand(nil, release, "high")))
	}

	dispatched := m.scheduler.cycle(make(chan struct{}))
	assert.Equal(t, 4, dispatched)

	var order []string
	for _, entry := range logs.messages("Command dequeued") {
		order = append(order, entry["lane"].(string))
	}
	assert.Equal(t, []string{"high", "high", "low", "low"}, order)

	stats := m.Stats()
	high, _ := stats.Lane("high")
	low, _ := stats.Lane("low")
	assert.Equal(t, 2, high.Active)
	assert.Equal(t, 1, high.Pending)
	assert.Equal(t, 2, low.Active)
	assert.Equal(t, 1, low.Pending)

	close(release)
	for _, f := range futures[:2] {
		_, err := waitFor(t, f)
		require.NoError(t, err)
	}
}

func TestScheduler_FIFOWithinLane(t *testing.T) {
	m := newTestManager(t, func(b *Builder) {
		b.WithLane("serial", LaneConfig{MinConcurrency: 1, MaxConcurrency: 1}, 0)
	})

	var mu sync.Mutex
	var order []int
	var futures []*Future
	for i := 0; i < 20; i++ {
		i := i
		futures = append(futures, m.Submit(context.Background(), "serial", CommandFunc(func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		})))
	}

	startManager(t, m)
	for i, f := range futures {
		result, err := waitFor(t, f)
		require.NoError(t, err)
		assert.Equal(t, i, result)
	}

	mu.Lock()
	defer mu.Unlock()
	expected := make([]int, 20)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
}

func TestScheduler_ConcurrencyCeiling(t *testing.T) {
	m := newTestManager(t, func(b *Builder) {
		b.WithLane("bounded", LaneConfig{MinConcurrency: 1, MaxConcurrency: 2}, 0)
	})
	startManager(t, m)

	tracker := &concurrencyTracker{}
	var futures []*Future
	for i := 0; i < 30; i++ {
		futures = append(futures, m.Submit(context.Background(), "bounded", CommandFunc(func(ctx context.Context) (interface{}, error) {
			tracker.enter()
			defer tracker.exit()
			time.Sleep(2 * time.Millisecond)
			return nil, nil
		})))
	}

	for _, f := range futures {
		_, err := waitFor(t, f)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, tracker.peak.Load(), int32(2))
	assert.Equal(t, int32(2), tracker.peak.Load())
}

func TestScheduler_AtMostOnceExecution(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })
	startManager(t, m)

	lanes := []string{LaneSystem, LaneControl, LaneQuery, LaneSession, LaneSkill, LanePrompt, "skill:dyn"}
	var counts sync.Map
	var wg sync.WaitGroup
	var futures sync.Map

	for i := 0; i < 140; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("cmd-%d", i)
			counter := new(atomic.Int32)
			counts.Store(key, counter)
			f := m.Submit(context.Background(), lanes[i%len(lanes)], CommandFunc(func(ctx context.Context) (interface{}, error) {
				counter.Add(1)
				return nil, nil
			}))
			futures.Store(key, f)
		}(i)
	}
	wg.Wait()

	futures.Range(func(_, v interface{}) bool {
		_, err := waitFor(t, v.(*Future))
		require.NoError(t, err)
		return true
	})
	counts.Range(func(k, v interface{}) bool {
		assert.Equal(t, int32(1), v.(*atomic.Int32).Load(), "command %s", k)
		return true
	})
}

func TestScheduler_NoCapacityLeaks(t *testing.T) {
	m := newTestManager(t, func(b *Builder) {
		b.WithLane("single", LaneConfig{MinConcurrency: 1, MaxConcurrency: 1}, 0)
	})
	startManager(t, m)

	ctx := context.Background()

	_, err := waitFor(t, m.Submit(ctx, "single", valueCommand("ok")))
	require.NoError(t, err)

	_, err = waitFor(t, m.Submit(ctx, "single", CommandFunc(func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("failed")
	})))
	require.Error(t, err)

	_, err = waitFor(t, m.Submit(ctx, "single", CommandFunc(func(ctx context.Context) (interface{}, error) {
		panic("kaboom")
	})))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPanicked))
	var pe *PanickedError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	result, err := waitFor(t, m.Submit(ctx, "single", valueCommand("after panic")))
	require.NoError(t, err)
	assert.Equal(t, "after panic", result)

	lane, _ := m.Lane("single")
	stats := lane.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, uint64(4), stats.Completed)
}

// Scenario A: a system health check overtakes queued prompt work.
func TestScheduler_ScenarioHealthCheckOvertakesPrompts(t *testing.T) {
	m := newTestManager(t, func(b *Builder) {
		b.WithLane(LaneSystem, LaneConfig{MinConcurrency: 1, MaxConcurrency: 5}, 0).
			WithLane(LanePrompt, LaneConfig{MinConcurrency: 1, MaxConcurrency: 2}, 5)
	})
	startManager(t, m)

	ctx := context.Background()
	slow := CommandFunc(func(ctx context.Context) (interface{}, error) {
		time.Sleep(100 * time.Millisecond)
		return "generated", nil
	})

	var prompts []*Future
	for i := 0; i < 3; i++ {
		prompts = append(prompts, m.Submit(ctx, LanePrompt, slow))
	}

	time.Sleep(10 * time.Millisecond)
	submitted := time.Now()
	health := m.Submit(ctx, LaneSystem, valueCommand("healthy"))

	result, err := waitFor(t, health)
	elapsed := time.Since(submitted)
	require.NoError(t, err)
	assert.Equal(t, "healthy", result)
	assert.Less(t, elapsed, 60*time.Millisecond)

	_, thirdDone := prompts[2].Result()
	assert.False(t, thirdDone, "third prompt must still be running or pending")

	for _, f := range prompts {
		_, err := waitFor(t, f)
		require.NoError(t, err)
	}
}

// Scenario B: a lane with max 3 runs exactly three of five blocked commands.
func TestScheduler_ScenarioControlLaneCeiling(t *testing.T) {
	m := newTestManager(t, func(b *Builder) {
		b.WithLane(LaneControl, LaneConfig{MinConcurrency: 1, MaxConcurrency: 3}, 1)
	})
	startManager(t, m)

	started := make(chan string, 5)
	release := make(chan struct{})
	var futures []*Future
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := m.Submit(context.Background(), LaneControl, blockingCommand(started, release, fmt.Sprintf("c%d", i)))
			mu.Lock()
			futures = append(futures, f)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		ls, _ := m.Stats().Lane(LaneControl)
		return ls.Active == 3 && ls.Pending == 2
	}, 2*time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, started, 3)

	close(release)
	for _, f := range futures {
		_, err := waitFor(t, f)
		require.NoError(t, err)
	}

	ls, _ := m.Stats().Lane(LaneControl)
	assert.Equal(t, 0, ls.Active)
	assert.Equal(t, 0, ls.Pending)
	assert.Equal(t, uint64(5), ls.Completed)
}

// Scenario C: an unregistered skill:* lane is created with skill defaults.
func TestScheduler_ScenarioDynamicSkillLane(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })
	startManager(t, m)

	result, err := waitFor(t, m.Submit(context.Background(), "skill:custom", valueCommand("done")))
	require.NoError(t, err)
	assert.Equal(t, "done", result)

	ls, ok := m.Stats().Lane("skill:custom")
	require.True(t, ok)
	assert.Equal(t, Priority(4), ls.Priority)
	assert.Equal(t, 1, ls.MinConcurrency)
	assert.Equal(t, 3, ls.MaxConcurrency)
	assert.True(t, ls.Dynamic)
	assert.Equal(t, uint64(1), ls.Completed)
}

// Scenario D: shutdown lets the running command finish and cancels the rest.
func TestScheduler_ScenarioGracefulShutdown(t *testing.T) {
	m := newTestManager(t, func(b *Builder) {
		b.WithLane(LaneSession, LaneConfig{MinConcurrency: 1, MaxConcurrency: 1}, 3)
	})
	require.NoError(t, m.Start())

	started := make(chan string, 1)
	release := make(chan struct{})
	running := m.Submit(context.Background(), LaneSession, blockingCommand(started, release, "running"))
	<-started

	pendingA := m.Submit(context.Background(), LaneSession, valueCommand("a"))
	pendingB := m.Submit(context.Background(), LaneSession, valueCommand("b"))

	shutdownErr := make(chan error, 1)
	go func() {
		shutdownErr <- m.Shutdown(context.Background())
	}()

	for _, f := range []*Future{pendingA, pendingB} {
		_, err := waitFor(t, f)
		assert.True(t, IsCancelled(err, "shutdown"), "got %v", err)
		assert.True(t, errors.Is(err, ErrCancelled))
	}

	select {
	case <-shutdownErr:
		t.Fatal("shutdown returned while a command was still executing")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	result, err := waitFor(t, running)
	require.NoError(t, err)
	assert.Equal(t, "running", result)

	select {
	case err := <-shutdownErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
	assert.Equal(t, SchedulerStopped, m.State())
}

func TestScheduler_CommandReceivesSubmitterContext(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })
	startManager(t, m)

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "carried")

	result, err := waitFor(t, m.Submit(ctx, LaneQuery, CommandFunc(func(ctx context.Context) (interface{}, error) {
		return ctx.Value(key{}), nil
	})))
	require.NoError(t, err)
	assert.Equal(t, "carried", result)
}

func TestScheduler_CommandIgnoresSubmitterCancellation(t *testing.T) {
	m := newTestManager(t, func(b *Builder) { b.WithDefaultLanes() })
	startManager(t, m)

	outcome := make(chan string, 1)
	cmd := CommandFunc(func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(150 * time.Millisecond):
			outcome <- "finished"
			return "done", nil
		case <-ctx.Done():
			outcome <- "aborted: " + context.Cause(ctx).Error()
			return nil, ctx.Err()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.Enqueue(ctx, LaneQuery, cmd)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case got := <-outcome:
		assert.Equal(t, "finished", got)
	case <-time.After(2 * time.Second):
		t.Fatal("command did not finish")
	}
}

func TestScheduler_LogsSingleComponentField(t *testing.T) {
	logs := &syncBuffer{}
	m := newTestManager(t, func(b *Builder) {
		b.WithLogger(zerolog.New(logs)).WithDefaultLanes()
	})
	startManager(t, m)

	logs.mu.Lock()
	raw := logs.buf.String()
	logs.mu.Unlock()

	var line string
	for _, l := range strings.Split(raw, "\n") {
		if strings.Contains(l, "Scheduler started") {
			line = l
		}
	}
	require.NotEmpty(t, line)
	assert.Equal(t, 1, strings.Count(line, `"component":`))
	assert.Contains(t, line, `"component":"scheduler"`)
}
