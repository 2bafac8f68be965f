package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Client wraps a Redis connection used for streams, retry buffers, and the
// dedupe seen-set.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewClient connects to the broker at url (redis:// form) and pings it.
func NewClient(ctx context.Context, log *slog.Logger, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Client{rdb: rdb, logger: log.With(slog.String("service", "stream"))}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.rdb.Close() }

// Redis exposes the raw client for specialised callers (dedupe, heartbeat).
func (c *Client) Redis() *redis.Client { return c.rdb }
