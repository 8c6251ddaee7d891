package config

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/harun/laneq/internal/logger"
	"github.com/harun/laneq/pkg/commandqueue"
	"github.com/harun/laneq/pkg/eventsink"
	"github.com/harun/laneq/pkg/hooks"
)

// Config represents the laneq daemon configuration
type Config struct {
	// Data directory for the PID file, audit log and default log file
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Lanes
	UseDefaultLanes bool                `json:"use_default_lanes" mapstructure:"use_default_lanes"`
	Lanes           []LaneConfig        `json:"lanes" mapstructure:"lanes"`
	DynamicLanes    []DynamicLaneConfig `json:"dynamic_lanes" mapstructure:"dynamic_lanes"`

	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`
	Monitor   MonitorConfig   `json:"monitor" mapstructure:"monitor"`
	Dedup     DedupConfig     `json:"dedup" mapstructure:"dedup"`
	Probes    ProbesConfig    `json:"probes" mapstructure:"probes"`
	Hooks     HooksConfig     `json:"hooks" mapstructure:"hooks"`
	Events    EventsConfig    `json:"events" mapstructure:"events"`
	Server    ServerConfig    `json:"server" mapstructure:"server"`
	Tracing   TracingConfig   `json:"tracing" mapstructure:"tracing"`
	Logging   logger.Config   `json:"logging" mapstructure:"logging"`
}

// LaneConfig registers a static lane
type LaneConfig struct {
	ID             string `json:"id" mapstructure:"id"`
	Priority       int    `json:"priority" mapstructure:"priority"`
	MinConcurrency int    `json:"min_concurrency" mapstructure:"min_concurrency"`
	MaxConcurrency int    `json:"max_concurrency" mapstructure:"max_concurrency"`
}

// DynamicLaneConfig creates lanes on first use for ids starting with Prefix
type DynamicLaneConfig struct {
	Prefix         string `json:"prefix" mapstructure:"prefix"`
	Priority       int    `json:"priority" mapstructure:"priority"`
	MinConcurrency int    `json:"min_concurrency" mapstructure:"min_concurrency"`
	MaxConcurrency int    `json:"max_concurrency" mapstructure:"max_concurrency"`
}

// SchedulerConfig tunes the dispatch loop
type SchedulerConfig struct {
	IntervalMs int `json:"interval_ms" mapstructure:"interval_ms"`
}

// MonitorConfig tunes the lane monitor
type MonitorConfig struct {
	Enabled         bool `json:"enabled" mapstructure:"enabled"`
	IntervalMs      int  `json:"interval_ms" mapstructure:"interval_ms"`
	PendingWarning  int  `json:"pending_warning" mapstructure:"pending_warning"`
	ActiveWarning   int  `json:"active_warning" mapstructure:"active_warning"`
	StarvationTicks int  `json:"starvation_ticks" mapstructure:"starvation_ticks"`
}

// DedupConfig controls request-id deduplication
type DedupConfig struct {
	TTLSeconds int `json:"ttl_seconds" mapstructure:"ttl_seconds"`
}

// ProbesConfig controls scheduled health probes
type ProbesConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Schedule  string `json:"schedule" mapstructure:"schedule"`
	TimeoutMs int    `json:"timeout_ms" mapstructure:"timeout_ms"`
}

// HooksConfig holds shell hooks bound to lane events
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Entries []hooks.Hook `json:"entries" mapstructure:"entries"`
}

// EventsConfig selects event sinks
type EventsConfig struct {
	Buffer    int         `json:"buffer" mapstructure:"buffer"`
	Log       bool        `json:"log" mapstructure:"log"`
	WebSocket bool        `json:"websocket" mapstructure:"websocket"`
	Redis     RedisConfig `json:"redis" mapstructure:"redis"`
}

// RedisConfig configures the Redis pub/sub sink
type RedisConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Address  string `json:"address" mapstructure:"address"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
	Channel  string `json:"channel" mapstructure:"channel"`
}

// ServerConfig configures the health/metrics HTTP server
type ServerConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
}

// TracingConfig configures OpenTelemetry
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		UseDefaultLanes: true,
		Lanes:           []LaneConfig{},
		DynamicLanes:    []DynamicLaneConfig{},
		Scheduler: SchedulerConfig{
			IntervalMs: int(commandqueue.DefaultSchedulerInterval / time.Millisecond),
		},
		Monitor: MonitorConfig{
			Enabled:         true,
			IntervalMs:      int(commandqueue.DefaultMonitorInterval / time.Millisecond),
			PendingWarning:  50,
			ActiveWarning:   0,
			StarvationTicks: commandqueue.DefaultStarvationTicks,
		},
		Dedup: DedupConfig{
			TTLSeconds: 300,
		},
		Probes: ProbesConfig{
			Enabled:   true,
			Schedule:  "@every 30s",
			TimeoutMs: 5000,
		},
		Hooks: HooksConfig{
			Enabled: false,
			Entries: []hooks.Hook{},
		},
		Events: EventsConfig{
			Buffer:    eventsink.DefaultBuffer,
			Log:       true,
			WebSocket: true,
			Redis: RedisConfig{
				Enabled: false,
				Address: "localhost:6379",
				Channel: eventsink.DefaultRedisChannel,
			},
		},
		Server: ServerConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9460",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "laneq",
			SampleRatio: 1.0,
		},
		Logging: logger.DefaultConfig(),
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}

// ApplyLanes registers the configured lanes and dynamic lane rules on b.
// Default lanes come first so their registration order wins priority ties.
func (c *Config) ApplyLanes(b *commandqueue.Builder) *commandqueue.Builder {
	if c.UseDefaultLanes {
		b.WithDefaultLanes()
	}
	for _, lane := range c.Lanes {
		b.WithLane(lane.ID, commandqueue.LaneConfig{
			MinConcurrency: lane.MinConcurrency,
			MaxConcurrency: lane.MaxConcurrency,
		}, commandqueue.Priority(lane.Priority))
	}
	for _, rule := range c.DynamicLanes {
		b.WithDynamicLanes(rule.Prefix, commandqueue.LaneConfig{
			MinConcurrency: rule.MinConcurrency,
			MaxConcurrency: rule.MaxConcurrency,
		}, commandqueue.Priority(rule.Priority))
	}
	return b
}

// Thresholds converts the monitor settings.
func (m MonitorConfig) Thresholds() commandqueue.Thresholds {
	return commandqueue.Thresholds{
		PendingWarning:  m.PendingWarning,
		ActiveWarning:   m.ActiveWarning,
		StarvationTicks: m.StarvationTicks,
	}
}

// Interval returns the monitor tick interval.
func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalMs) * time.Millisecond
}

// Interval returns the scheduler polling interval.
func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// TTL returns the dedup window.
func (d DedupConfig) TTL() time.Duration {
	return time.Duration(d.TTLSeconds) * time.Second
}

// Timeout returns the per-round probe timeout.
func (p ProbesConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}
