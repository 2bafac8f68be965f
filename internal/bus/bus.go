package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/conversehq/converse/internal/domain"
)

// Publisher writes domain events to the event bus.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Producer publishes domain events to the kafka event bus. Events are keyed
// by tenant so per-tenant ordering is preserved.
type Producer struct {
	writer *kafka.Writer
	topic  string
	logger *slog.Logger
}

// NewProducer builds a producer for the configured broker and topic.
func NewProducer(log *slog.Logger, brokerURL, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokerURL),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            3,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &Producer{
		writer: writer,
		topic:  topic,
		logger: log.With(slog.String("service", "event_bus")),
	}
}

// Publish emits one event. The event id is filled when absent.
func (p *Producer) Publish(ctx context.Context, event domain.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TenantID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish event %s: %w", event.Type, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Producer) Close() error { return p.writer.Close() }

// EventHandler processes one domain event. Errors are logged and the offset
// is committed anyway; event consumers must be idempotent.
type EventHandler func(ctx context.Context, event domain.Event) error

// Consumer reads domain events through a consumer group.
type Consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewConsumer builds a group consumer for the configured broker and topic.
func NewConsumer(log *slog.Logger, brokerURL, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        []string{brokerURL},
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		MaxWait:        time.Second,
		CommitInterval: 0,
	})
	return &Consumer{
		reader: reader,
		logger: log.With(slog.String("service", "event_bus"), slog.String("group", groupID)),
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handler EventHandler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.logger.Warn("fetch failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		var event domain.Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			c.logger.Warn("malformed event dropped",
				slog.Int64("offset", msg.Offset), slog.Any("error", err))
		} else if err := handler(ctx, event); err != nil {
			c.logger.Error("event handler failed",
				slog.String("event_type", event.Type), slog.Any("error", err))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.logger.Warn("commit failed", slog.Any("error", err))
		}
	}
}

// Close closes the reader and leaves the group.
func (c *Consumer) Close() error { return c.reader.Close() }
