package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harun/conductor/pkg/events"
)

// RedisConfig configures the Redis sink
type RedisConfig struct {
	Addr      string        `json:"addr" mapstructure:"addr"`
	Password  string        `json:"password,omitempty" mapstructure:"password"`
	DB        int           `json:"db" mapstructure:"db"`
	KeyPrefix string        `json:"key_prefix" mapstructure:"key_prefix"`
	Channel   string        `json:"channel" mapstructure:"channel"`
	StateTTL  time.Duration `json:"state_ttl" mapstructure:"state_ttl"`
}

// DefaultRedisConfig returns the defaults
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "conductor:",
		Channel:   "conductor:events",
		StateTTL:  24 * time.Hour,
	}
}

// RedisSink publishes every event on a channel and keeps the latest state of
// each session and pipeline run in a hash that expires after StateTTL.
type RedisSink struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisSink connects to Redis and verifies the connection
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	defaults := DefaultRedisConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaults.KeyPrefix
	}
	if cfg.Channel == "" {
		cfg.Channel = defaults.Channel
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = defaults.StateTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisSink{client: client, cfg: cfg}, nil
}

// Name implements Sink
func (s *RedisSink) Name() string { return "redis" }

// SessionKey returns the hash key holding a session's state
func (s *RedisSink) SessionKey(id string) string {
	return s.cfg.KeyPrefix + "session:" + id
}

// PipelineKey returns the hash key holding a pipeline run's state
func (s *RedisSink) PipelineKey(id string) string {
	return s.cfg.KeyPrefix + "pipeline:" + id
}

// Handle implements Sink
func (s *RedisSink) Handle(ctx context.Context, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, s.cfg.Channel, data)

		switch {
		case evt.Type.IsSession() && evt.Type != events.SessionOutput:
			key := s.SessionKey(evt.SessionID)
			pipe.HSet(ctx, key,
				"status", strings.TrimPrefix(string(evt.Type), "status:"),
				"agentRef", evt.AgentRef,
				"error", evt.Error,
				"updatedAt", evt.Timestamp.UTC().Format(time.RFC3339Nano),
			)
			pipe.Expire(ctx, key, s.cfg.StateTTL)
		case evt.Type.IsPipeline():
			key := s.PipelineKey(evt.PipelineRunID)
			fields := []interface{}{
				"lastEvent", string(evt.Type),
				"pipelineId", evt.PipelineID,
				"updatedAt", evt.Timestamp.UTC().Format(time.RFC3339Nano),
			}
			if evt.StepIndex != nil {
				fields = append(fields, "stepIndex", *evt.StepIndex)
			}
			if evt.Error != "" {
				fields = append(fields, "error", evt.Error)
			}
			pipe.HSet(ctx, key, fields...)
			pipe.Expire(ctx, key, s.cfg.StateTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis sink: %w", err)
	}
	return nil
}

// SessionState returns the stored hash for a session
func (s *RedisSink) SessionState(ctx context.Context, id string) (map[string]string, error) {
	state, err := s.client.HGetAll(ctx, s.SessionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(state) == 0 {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return state, nil
}

// Close implements Sink
func (s *RedisSink) Close() error {
	return s.client.Close()
}
