package commandqueue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/harun/laneq/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Canonical lane ids used by the agent runtime.
const (
	LaneSystem  = "system"
	LaneControl = "control"
	LaneQuery   = "query"
	LaneSession = "session"
	LaneSkill   = "skill"
	LanePrompt  = "prompt"

	// SkillLanePrefix marks per-skill lanes created on first use.
	SkillLanePrefix = "skill:"
)

// LaneDefinition describes a lane to register.
type LaneDefinition struct {
	ID       string
	Priority Priority
	Config   LaneConfig
	Purpose  string
}

var defaultLanes = []LaneDefinition{
	{ID: LaneSystem, Priority: 0, Config: LaneConfig{MinConcurrency: 1, MaxConcurrency: 5}, Purpose: "health/diagnostics"},
	{ID: LaneControl, Priority: 1, Config: LaneConfig{MinConcurrency: 1, MaxConcurrency: 3}, Purpose: "cancel/clear/compact"},
	{ID: LaneQuery, Priority: 2, Config: LaneConfig{MinConcurrency: 1, MaxConcurrency: 10}, Purpose: "read-only status queries"},
	{ID: LaneSession, Priority: 3, Config: LaneConfig{MinConcurrency: 1, MaxConcurrency: 5}, Purpose: "session lifecycle"},
	{ID: LaneSkill, Priority: 4, Config: LaneConfig{MinConcurrency: 1, MaxConcurrency: 3}, Purpose: "skill activation"},
	{ID: LanePrompt, Priority: 5, Config: LaneConfig{MinConcurrency: 1, MaxConcurrency: 2}, Purpose: "expensive generation"},
}

var defaultSkillRule = DynamicLaneRule{
	Prefix:   SkillLanePrefix,
	Priority: 4,
	Config:   LaneConfig{MinConcurrency: 1, MaxConcurrency: 3},
}

// DefaultLanes returns the six canonical lanes.
func DefaultLanes() []LaneDefinition {
	return append([]LaneDefinition(nil), defaultLanes...)
}

// DynamicLaneRule creates lanes lazily for ids starting with Prefix.
type DynamicLaneRule struct {
	Prefix   string
	Priority Priority
	Config   LaneConfig
}

func (r DynamicLaneRule) matches(laneID string) bool {
	return len(laneID) > len(r.Prefix) && strings.HasPrefix(laneID, r.Prefix)
}

// Builder collects lane registrations. Errors are accumulated and reported
// together by Build.
type Builder struct {
	lanes    []LaneDefinition
	seen     map[string]bool
	rules    []DynamicLaneRule
	interval time.Duration
	dedupTTL time.Duration
	logger   *zerolog.Logger
	sink     EventSink
	errs     []error
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{seen: make(map[string]bool)}
}

// WithLane registers a static lane. Registering the same id twice is an error.
func (b *Builder) WithLane(id string, cfg LaneConfig, priority Priority) *Builder {
	if strings.TrimSpace(id) == "" {
		b.errs = append(b.errs, &InvalidConfigError{Reason: "lane id is required"})
		return b
	}
	if b.seen[id] {
		b.errs = append(b.errs, &AlreadyRegisteredError{LaneID: id})
		return b
	}
	if err := cfg.Validate(); err != nil {
		var ice *InvalidConfigError
		if errors.As(err, &ice) {
			ice.LaneID = id
		}
		b.errs = append(b.errs, err)
		return b
	}

	b.seen[id] = true
	b.lanes = append(b.lanes, LaneDefinition{ID: id, Priority: priority, Config: cfg})
	return b
}

// WithDefaultLanes seeds system, control, query, session, skill and prompt,
// plus the skill: dynamic lane rule.
func (b *Builder) WithDefaultLanes() *Builder {
	for _, def := range defaultLanes {
		b.WithLane(def.ID, def.Config, def.Priority)
	}
	return b.WithDynamicLanes(defaultSkillRule.Prefix, defaultSkillRule.Config, defaultSkillRule.Priority)
}

// WithDynamicLanes makes ids beginning with prefix creatable on first submit.
func (b *Builder) WithDynamicLanes(prefix string, cfg LaneConfig, priority Priority) *Builder {
	if prefix == "" {
		b.errs = append(b.errs, &InvalidConfigError{Reason: "dynamic lane prefix is required"})
		return b
	}
	for _, rule := range b.rules {
		if rule.Prefix == prefix {
			b.errs = append(b.errs, &AlreadyRegisteredError{LaneID: prefix})
			return b
		}
	}
	if err := cfg.Validate(); err != nil {
		var ice *InvalidConfigError
		if errors.As(err, &ice) {
			ice.LaneID = prefix + "*"
		}
		b.errs = append(b.errs, err)
		return b
	}
	b.rules = append(b.rules, DynamicLaneRule{Prefix: prefix, Priority: priority, Config: cfg})
	return b
}

// WithSchedulerInterval sets the scheduler's fallback polling interval.
func (b *Builder) WithSchedulerInterval(d time.Duration) *Builder {
	b.interval = d
	return b
}

// WithDedupTTL sets how long resolved request ids stay deduplicated.
func (b *Builder) WithDedupTTL(d time.Duration) *Builder {
	b.dedupTTL = d
	return b
}

// WithLogger sets the logger. The global zerolog logger is used otherwise.
func (b *Builder) WithLogger(logger zerolog.Logger) *Builder {
	b.logger = &logger
	return b
}

// WithEventSink forwards queue events (enqueued, completed, lane created) to sink.
func (b *Builder) WithEventSink(sink EventSink) *Builder {
	b.sink = sink
	return b
}

// Build validates the registrations and returns a stopped Manager.
func (b *Builder) Build() (*Manager, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	observability.EnsureRegistered()

	logger := log.Logger
	if b.logger != nil {
		logger = *b.logger
	}
	base := logger
	logger = logger.With().Str("component", "commandqueue").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		lanes:  make(map[string]*Lane, len(b.lanes)),
		rules:  append([]DynamicLaneRule(nil), b.rules...),
		events: newEventBus(b.sink),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	m.dedup = newDedupCache(ctx, b.dedupTTL)
	m.scheduler = newScheduler(m, m.events, b.interval, base)

	for _, def := range b.lanes {
		m.insertLaneLocked(def.ID, def.Priority, def.Config, false)
		logger.Debug().
			Str("lane", def.ID).
			Uint8("priority", uint8(def.Priority)).
			Int("maxConcurrency", def.Config.MaxConcurrency).
			Msg("Lane registered")
	}
	observability.SetLaneCount(len(m.lanes))

	return m, nil
}
