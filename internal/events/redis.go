package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisSink.
type RedisConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379").
	Addr string
	// Password for Redis authentication (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Key is the list key events are pushed to. Default: "tokenguard:events".
	Key string
	// MaxLen caps the list length; older events are trimmed. Default: 10000.
	MaxLen int64
}

func (c *RedisConfig) defaults() {
	if c.Key == "" {
		c.Key = "tokenguard:events"
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 10000
	}
}

// RedisSink pushes events onto a capped Redis list (newest at the head).
type RedisSink struct {
	client  *redis.Client
	key     string
	maxLen  int64
	onError func(error)
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(ctx context.Context, cfg RedisConfig, onError func(error)) (*RedisSink, error) {
	cfg.defaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("events: connect to redis: %w", err)
	}

	return &RedisSink{client: client, key: cfg.Key, maxLen: cfg.MaxLen, onError: onError}, nil
}

// Emit implements Emitter.
func (s *RedisSink) Emit(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	if err := s.Push(ctx, e); err != nil && s.onError != nil {
		s.onError(err)
	}
}

// Push appends one event and trims the list in a single pipeline.
func (s *RedisSink) Push(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	pipe.LTrim(ctx, s.key, 0, s.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("events: push %s: %w", e.Name, err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *RedisSink) Recent(ctx context.Context, limit int64) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, s.key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("events: lrange: %w", err)
	}
	out := make([]Event, 0, len(raw))
	for _, r := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("events: unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close closes the Redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
