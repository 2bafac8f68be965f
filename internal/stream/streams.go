package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conversehq/converse/internal/metrics"
)

const (
	fieldKey  = "key"
	fieldData = "data"

	// MaxLen bounds every stream; oldest entries are trimmed approximately.
	MaxLen = 100_000
)

// Message is one record read from a stream.
type Message struct {
	ID   string
	Key  string
	Data []byte
}

// Handler processes a single stream record. A nil return acknowledges the
// record; an error leaves it pending for redelivery. Returning ErrAsync
// hands ack responsibility to the handler, which must call Consumer.Ack
// before the visibility timeout or the record is redelivered.
type Handler func(ctx context.Context, msg Message) error

// ErrAsync marks a record as being processed asynchronously.
var ErrAsync = errors.New("record processed asynchronously")

// Publish appends a JSON payload to a stream with an ordering key.
func (c *Client) Publish(ctx context.Context, stream, key string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal stream payload: %w", err)
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: MaxLen,
		Approx: true,
		Values: map[string]any{fieldKey: key, fieldData: string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// DeadLetter moves a record to the stream's dead-letter partition for
// operator review.
func (c *Client) DeadLetter(ctx context.Context, stream string, msg Message, cause error) error {
	entry := map[string]any{
		fieldKey:  msg.Key,
		fieldData: string(msg.Data),
		"error":   cause.Error(),
		"at":      time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream + ":dead",
		MaxLen: MaxLen,
		Approx: true,
		Values: entry,
	}).Err(); err != nil {
		return fmt.Errorf("dead letter %s: %w", stream, err)
	}
	metrics.DeadLettered.WithLabelValues(stream).Inc()
	return nil
}

// ConsumerConfig tunes a stream consumer group reader.
type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string
	// BlockTime is how long a read blocks waiting for records.
	BlockTime time.Duration
	// BatchSize caps records fetched per read.
	BatchSize int64
	// MinIdle is the visibility timeout: pending records idle at least this
	// long are reclaimed from dead consumers.
	MinIdle time.Duration
}

func (cfg *ConsumerConfig) defaults() {
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = 5 * time.Minute
	}
}

// Consumer reads a stream through a consumer group with explicit acks and
// reclaim of abandoned pending entries.
type Consumer struct {
	client *Client
	cfg    ConsumerConfig
	logger *slog.Logger
}

// NewConsumer creates the group (idempotent) and returns a consumer.
func (c *Client) NewConsumer(ctx context.Context, cfg ConsumerConfig) (*Consumer, error) {
	cfg.defaults()
	err := c.rdb.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create group %s/%s: %w", cfg.Stream, cfg.Group, err)
	}
	return &Consumer{
		client: c,
		cfg:    cfg,
		logger: c.logger.With(slog.String("stream", cfg.Stream), slog.String("group", cfg.Group)),
	}, nil
}

// Run consumes until ctx is cancelled. Each record is passed to handler;
// handler errors leave the record pending so it is redelivered after the
// visibility timeout.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.reclaim(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("reclaim failed", slog.Any("error", err))
		}
		if err := c.readBatch(ctx, handler); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.logger.Warn("stream read failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

func (c *Consumer) readBatch(ctx context.Context, handler Handler) error {
	res, err := c.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.BlockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	for _, stream := range res {
		for _, entry := range stream.Messages {
			c.dispatch(ctx, handler, entry)
		}
	}
	return nil
}

// reclaim takes over pending entries whose consumer died mid-flight.
func (c *Consumer) reclaim(ctx context.Context, handler Handler) error {
	entries, _, err := c.client.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.MinIdle,
		Start:    "0-0",
		Count:    c.cfg.BatchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		c.dispatch(ctx, handler, entry)
	}
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, handler Handler, entry redis.XMessage) {
	msg := Message{ID: entry.ID}
	if v, ok := entry.Values[fieldKey].(string); ok {
		msg.Key = v
	}
	if v, ok := entry.Values[fieldData].(string); ok {
		msg.Data = []byte(v)
	}

	if err := handler(ctx, msg); err != nil {
		if !errors.Is(err, ErrAsync) {
			c.logger.Warn("record left pending",
				slog.String("id", entry.ID), slog.Any("error", err))
		}
		return
	}
	if err := c.client.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, entry.ID).Err(); err != nil {
		c.logger.Warn("ack failed", slog.String("id", entry.ID), slog.Any("error", err))
	}
}

// Ack acknowledges a record explicitly; used by handlers that finish a
// record asynchronously (heartbeat loops).
func (c *Consumer) Ack(ctx context.Context, id string) error {
	return c.client.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err()
}

// Heartbeat resets a pending record's idle time so long-running work keeps
// its claim past the visibility timeout.
func (c *Consumer) Heartbeat(ctx context.Context, id string) error {
	return c.client.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  0,
		Messages: []string{id},
	}).Err()
}

// Depth returns the current stream length.
func (c *Client) Depth(ctx context.Context, stream string) (int64, error) {
	return c.rdb.XLen(ctx, stream).Result()
}
