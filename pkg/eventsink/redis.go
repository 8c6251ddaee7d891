package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/laneq/pkg/commandqueue"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "laneq:events"

// RedisOptions describes the Redis connection for the pub/sub sink.
type RedisOptions struct {
	Address        string
	Password       string
	DB             int
	Channel        string
	PublishTimeout time.Duration
}

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisSink publishes each event as JSON on a Redis channel so collectors
// outside the process can subscribe.
type RedisSink struct {
	client  publisher
	channel string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(opts RedisOptions, logger zerolog.Logger) (*RedisSink, error) {
	if opts.Address == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisSink(client, opts.Channel, opts.PublishTimeout, logger), nil
}

func newRedisSink(client publisher, channel string, timeout time.Duration, logger zerolog.Logger) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisSink{
		client:  client,
		channel: channel,
		timeout: timeout,
		logger:  logger.With().Str("component", "eventsink").Str("sink", "redis").Logger(),
	}
}

// Name returns "redis".
func (s *RedisSink) Name() string { return "redis" }

// Emit publishes event. Failures are logged, never returned to the queue.
func (s *RedisSink) Emit(event commandqueue.Event) {
	if err := s.Publish(context.Background(), event); err != nil {
		s.logger.Warn().Err(err).Str("event", string(event.Type)).Str("lane", event.LaneID).Msg("Failed to publish event")
	}
}

// Publish encodes and publishes a single event.
func (s *RedisSink) Publish(ctx context.Context, event commandqueue.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
