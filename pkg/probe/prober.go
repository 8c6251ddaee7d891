// Package probe runs periodic health checks as commands on the system lane,
// so a check's latency includes the time the queue took to admit it.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/laneq/pkg/commandqueue"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultSchedule runs every check twice a minute.
const DefaultSchedule = "@every 30s"

// DefaultTimeout bounds one check from submission to result.
const DefaultTimeout = 5 * time.Second

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Check is a named health check.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result is the latest outcome of a check.
type Result struct {
	Name      string        `json:"name" yaml:"name"`
	Healthy   bool          `json:"healthy" yaml:"healthy"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
	Latency   time.Duration `json:"latency" yaml:"latency"`
	CheckedAt time.Time     `json:"checked_at" yaml:"checked_at"`
}

// Submitter is the part of the queue manager the prober needs.
type Submitter interface {
	Submit(ctx context.Context, laneID string, cmd commandqueue.Command) *commandqueue.Future
}

// Options configures a Prober.
type Options struct {
	Schedule string
	Timeout  time.Duration
	Lane     string
	Logger   *zerolog.Logger

	// OnResults, if set, receives every scheduled round's results.
	OnResults func([]Result)
}

// Prober schedules checks with a cron expression and keeps their latest results.
type Prober struct {
	submitter Submitter
	schedule  string
	timeout   time.Duration
	lane      string
	onResults func([]Result)
	logger    zerolog.Logger

	mu      sync.RWMutex
	checks  []Check
	results map[string]Result

	cron *cron.Cron
}

// NewProber validates the schedule and returns an idle prober.
func NewProber(submitter Submitter, opts Options) (*Prober, error) {
	if submitter == nil {
		return nil, errors.New("probe submitter is required")
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if _, err := parser.Parse(opts.Schedule); err != nil {
		return nil, fmt.Errorf("invalid probe schedule %q: %w", opts.Schedule, err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Lane == "" {
		opts.Lane = commandqueue.LaneSystem
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Prober{
		submitter: submitter,
		schedule:  opts.Schedule,
		timeout:   opts.Timeout,
		lane:      opts.Lane,
		onResults: opts.OnResults,
		logger:    logger.With().Str("component", "probe").Logger(),
		results:   make(map[string]Result),
	}, nil
}

// Register adds a check. Names must be unique.
func (p *Prober) Register(check Check) error {
	if check.Name == "" || check.Run == nil {
		return errors.New("probe check needs a name and a run function")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.checks {
		if existing.Name == check.Name {
			return fmt.Errorf("probe check %q already registered", check.Name)
		}
	}
	p.checks = append(p.checks, check)
	return nil
}

// Start begins running checks on the schedule.
func (p *Prober) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return errors.New("prober already started")
	}

	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(p.schedule, func() {
		results := p.RunOnce(context.Background())
		if p.onResults != nil {
			p.onResults(results)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule probes: %w", err)
	}
	c.Start()
	p.cron = c

	p.logger.Info().Str("schedule", p.schedule).Int("checks", len(p.checks)).Msg("Prober started")
	return nil
}

// Stop halts the schedule and waits for a running round until ctx is done.
func (p *Prober) Stop(ctx context.Context) error {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		p.logger.Info().Msg("Prober stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce submits every check to the lane concurrently and records results.
func (p *Prober) RunOnce(ctx context.Context) []Result {
	p.mu.RLock()
	checks := append([]Check(nil), p.checks...)
	p.mu.RUnlock()

	type pending struct {
		check     Check
		future    *commandqueue.Future
		submitted time.Time
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	inflight := make([]pending, 0, len(checks))
	for _, check := range checks {
		check := check
		inflight = append(inflight, pending{
			check:     check,
			submitted: time.Now(),
			// The queue does not pass the submitter's deadline on to the
			// command, so the check bounds its own run.
			future: p.submitter.Submit(ctx, p.lane, commandqueue.CommandFunc(func(ctx context.Context) (interface{}, error) {
				runCtx, cancel := context.WithTimeout(ctx, p.timeout)
				defer cancel()
				return nil, check.Run(runCtx)
			})),
		})
	}

	results := make([]Result, 0, len(inflight))
	for _, pc := range inflight {
		_, err := pc.future.Wait(ctx)
		result := Result{
			Name:      pc.check.Name,
			Healthy:   err == nil,
			Latency:   time.Since(pc.submitted),
			CheckedAt: time.Now(),
		}
		if err != nil {
			result.Error = err.Error()
			p.logger.Warn().Err(err).Str("check", pc.check.Name).Dur("latency", result.Latency).Msg("Probe failed")
		} else {
			p.logger.Debug().Str("check", pc.check.Name).Dur("latency", result.Latency).Msg("Probe passed")
		}
		results = append(results, result)
	}

	p.mu.Lock()
	for _, r := range results {
		p.results[r.Name] = r
	}
	p.mu.Unlock()

	return results
}

// Results returns the latest result of each check, sorted by name.
func (p *Prober) Results() []Result {
	p.mu.RLock()
	defer p.mu.RUnlock()

	results := make([]Result, 0, len(p.results))
	for _, r := range p.results {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// Healthy reports whether every recorded result passed.
func (p *Prober) Healthy() bool {
	for _, r := range p.Results() {
		if !r.Healthy {
			return false
		}
	}
	return true
}

// StateReporter exposes the scheduler state of a queue manager.
type StateReporter interface {
	State() commandqueue.SchedulerState
}

// QueueCheck fails unless the queue's scheduler is running.
func QueueCheck(queue StateReporter) Check {
	return Check{
		Name: "queue",
		Run: func(ctx context.Context) error {
			if state := queue.State(); state != commandqueue.SchedulerRunning {
				return fmt.Errorf("scheduler is %s", state)
			}
			return nil
		},
	}
}
