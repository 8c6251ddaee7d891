package daemon

import (
	"strings"

	"github.com/harun/laneq/internal/config"
	"github.com/harun/laneq/pkg/commandqueue"
	"github.com/harun/laneq/pkg/eventsink"
	"github.com/harun/laneq/pkg/hooks"
	"github.com/rs/zerolog"
)

func newHookManager(cfg config.HooksConfig, logger zerolog.Logger) (*hooks.Manager, error) {
	hookDefs := make([]hooks.Hook, 0, len(cfg.Entries))
	for _, entry := range cfg.Entries {
		hookDefs = append(hookDefs, hooks.Hook{
			ID:      strings.TrimSpace(entry.ID),
			Event:   strings.TrimSpace(entry.Event),
			Script:  strings.TrimSpace(entry.Script),
			Timeout: entry.Timeout,
			Enabled: entry.Enabled,
		})
	}

	return hooks.NewManager(hooks.Config{
		Enabled: cfg.Enabled,
		Hooks:   hookDefs,
		Logger:  logger,
	})
}

// buildSinks assembles the event fan-out shared by the queue and monitor.
// Sinks that do I/O are wrapped in Async so emitters never block on them.
func (d *Daemon) buildSinks() (commandqueue.EventSink, error) {
	cfg := d.config.Events
	zl := d.logger.GetZerolog()

	var sinks commandqueue.MultiSink
	if cfg.Log {
		sinks = append(sinks, eventsink.NewLogSink(zl))
	}

	if d.hookManager != nil && len(d.hookManager.Events()) > 0 {
		sinks = append(sinks, d.hookManager.Sink())
	}

	if cfg.WebSocket {
		d.broadcaster = eventsink.NewBroadcaster(zl)
		sinks = append(sinks, d.async(d.broadcaster))
	}

	if cfg.Redis.Enabled {
		redisSink, err := eventsink.NewRedisSink(eventsink.RedisOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		}, zl)
		if err != nil {
			return nil, err
		}
		d.redisSink = redisSink
		sinks = append(sinks, d.async(redisSink))
		d.logger.Info().Str("address", cfg.Redis.Address).Str("channel", cfg.Redis.Channel).Msg("Redis event sink connected")
	}

	return sinks, nil
}

func (d *Daemon) async(sink commandqueue.EventSink) *eventsink.Async {
	a := eventsink.NewAsync(sink, d.config.Events.Buffer, d.logger.GetZerolog())
	d.asyncSinks = append(d.asyncSinks, a)
	return a
}

// closeSinks flushes async sinks before closing what they deliver to.
func (d *Daemon) closeSinks() {
	for _, a := range d.asyncSinks {
		a.Close()
	}
	if d.broadcaster != nil {
		d.broadcaster.Close()
	}
	if d.redisSink != nil {
		if err := d.redisSink.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close redis sink")
		}
	}
	if d.hookManager != nil {
		d.hookManager.Wait()
	}
}
