package config

import (
	"fmt"
	"math"
	"net"
	"strings"

	"github.com/harun/laneq/pkg/commandqueue"
	"github.com/robfig/cron/v3"
	"github.com/xeipuuv/gojsonschema"
)

// laneSchema describes one static or dynamic lane entry. Cross-field rules
// (min <= max) are checked in Go after the schema passes.
var laneSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"id":              map[string]interface{}{"type": "string", "minLength": 1},
		"prefix":          map[string]interface{}{"type": "string", "minLength": 1},
		"priority":        map[string]interface{}{"type": "integer", "minimum": 0, "maximum": math.MaxUint8},
		"min_concurrency": map[string]interface{}{"type": "integer", "minimum": 1},
		"max_concurrency": map[string]interface{}{"type": "integer", "minimum": 1},
	},
	"required": []interface{}{"priority", "min_concurrency", "max_concurrency"},
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validator validates configuration values
type Validator struct {
	lane *gojsonschema.Schema
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(laneSchema))
	if err != nil {
		// laneSchema is static; a failure here is a programming error
		panic(fmt.Sprintf("invalid lane schema: %v", err))
	}
	return &Validator{lane: schema}
}

// ValidateLane checks a static lane entry.
func (v *Validator) ValidateLane(lane LaneConfig) error {
	if err := v.validateSchema(map[string]interface{}{
		"id":              lane.ID,
		"priority":        lane.Priority,
		"min_concurrency": lane.MinConcurrency,
		"max_concurrency": lane.MaxConcurrency,
	}); err != nil {
		return err
	}
	if lane.ID == "" {
		return fmt.Errorf("lane id is required")
	}
	return commandqueue.LaneConfig{
		MinConcurrency: lane.MinConcurrency,
		MaxConcurrency: lane.MaxConcurrency,
	}.Validate()
}

// ValidateDynamicLane checks a dynamic lane rule.
func (v *Validator) ValidateDynamicLane(rule DynamicLaneConfig) error {
	if err := v.validateSchema(map[string]interface{}{
		"prefix":          rule.Prefix,
		"priority":        rule.Priority,
		"min_concurrency": rule.MinConcurrency,
		"max_concurrency": rule.MaxConcurrency,
	}); err != nil {
		return err
	}
	if rule.Prefix == "" {
		return fmt.Errorf("dynamic lane prefix is required")
	}
	return commandqueue.LaneConfig{
		MinConcurrency: rule.MinConcurrency,
		MaxConcurrency: rule.MaxConcurrency,
	}.Validate()
}

func (v *Validator) validateSchema(doc map[string]interface{}) error {
	result, err := v.lane.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("lane schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}
	var msgs []string
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid lane: %s", strings.Join(msgs, "; "))
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateListen validates a host:port listen address
func (v *Validator) ValidateListen(addr string) error {
	if addr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

// ValidateSchedule validates a cron expression or descriptor such as "@every 30s"
func (v *Validator) ValidateSchedule(schedule string) error {
	if _, err := cronParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid probe schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	// Lanes
	seen := make(map[string]bool)
	if cfg.UseDefaultLanes {
		for _, def := range commandqueue.DefaultLanes() {
			seen[def.ID] = true
		}
	}
	for i, lane := range cfg.Lanes {
		if err := v.ValidateLane(lane); err != nil {
			errors = append(errors, fmt.Errorf("lane %d (%s): %w", i, lane.ID, err))
			continue
		}
		if seen[lane.ID] {
			errors = append(errors, fmt.Errorf("lane %d (%s): already registered", i, lane.ID))
		}
		seen[lane.ID] = true
	}

	prefixes := make(map[string]bool)
	if cfg.UseDefaultLanes {
		prefixes[commandqueue.SkillLanePrefix] = true
	}
	for i, rule := range cfg.DynamicLanes {
		if err := v.ValidateDynamicLane(rule); err != nil {
			errors = append(errors, fmt.Errorf("dynamic lane %d (%s): %w", i, rule.Prefix, err))
			continue
		}
		if prefixes[rule.Prefix] {
			errors = append(errors, fmt.Errorf("dynamic lane %d (%s): duplicate prefix", i, rule.Prefix))
		}
		prefixes[rule.Prefix] = true
	}

	if cfg.Scheduler.IntervalMs <= 0 {
		errors = append(errors, fmt.Errorf("scheduler.interval_ms must be > 0"))
	}
	if cfg.Dedup.TTLSeconds < 0 {
		errors = append(errors, fmt.Errorf("dedup.ttl_seconds must be >= 0"))
	}

	// Monitor
	if cfg.Monitor.Enabled && cfg.Monitor.IntervalMs <= 0 {
		errors = append(errors, fmt.Errorf("monitor.interval_ms must be > 0"))
	}
	if cfg.Monitor.PendingWarning < 0 || cfg.Monitor.ActiveWarning < 0 {
		errors = append(errors, fmt.Errorf("monitor warnings must be >= 0"))
	}
	if cfg.Monitor.StarvationTicks < 0 {
		errors = append(errors, fmt.Errorf("monitor.starvation_ticks must be >= 0"))
	}

	// Probes
	if cfg.Probes.Enabled {
		if err := v.ValidateSchedule(cfg.Probes.Schedule); err != nil {
			errors = append(errors, err)
		}
		if cfg.Probes.TimeoutMs < 0 {
			errors = append(errors, fmt.Errorf("probes.timeout_ms must be >= 0"))
		}
	}

	if cfg.Hooks.Enabled {
		for i, hook := range cfg.Hooks.Entries {
			if !hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.Event) == "" {
				errors = append(errors, fmt.Errorf("hook %d: event is required", i))
			}
			if strings.TrimSpace(hook.Script) == "" {
				errors = append(errors, fmt.Errorf("hook %d: script is required", i))
			}
		}
	}

	// Events
	if cfg.Events.Buffer < 0 {
		errors = append(errors, fmt.Errorf("events.buffer must be >= 0"))
	}
	if cfg.Events.Redis.Enabled && strings.TrimSpace(cfg.Events.Redis.Address) == "" {
		errors = append(errors, fmt.Errorf("events.redis.address is required when redis is enabled"))
	}

	if cfg.Server.Enabled {
		if err := v.ValidateListen(cfg.Server.Listen); err != nil {
			errors = append(errors, err)
		}
	}

	if cfg.Tracing.Enabled && (cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1) {
		errors = append(errors, fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %f", cfg.Tracing.SampleRatio))
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
