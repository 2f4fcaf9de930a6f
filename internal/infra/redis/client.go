// Package redis mirrors orchestrator events into a capped Redis stream so
// external dashboards and worker fleets can observe recovery activity
// without joining the in-process bus.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/loginflow/internal/bus"
	"github.com/vietddude/loginflow/internal/core/domain"
)

// Config holds Redis connection and stream configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

// Client wraps the Redis connection used for the event mirror.
type Client struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	log    *slog.Logger
}

// NewClient creates a Redis client and verifies the connection.
func NewClient(cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	stream := cfg.Stream
	if stream == "" {
		stream = "loginflow:events"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &Client{rdb: rdb, stream: stream, maxLen: maxLen, log: log}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Mirror copies every bus event into the Redis stream until ctx is
// cancelled. Mirror failures are logged and dropped; the stream is an
// observability surface, never a source of truth.
func (c *Client) Mirror(ctx context.Context, b *bus.Bus) {
	events, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := c.append(ctx, evt); err != nil {
				c.log.Warn("event mirror append failed", "type", evt.Type, "error", err)
			}
		}
	}
}

func (c *Client) append(ctx context.Context, evt domain.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		MaxLen: c.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":    string(evt.Type),
			"payload": payload,
		},
	}).Err()
}

// Health checks the Redis connection.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
