package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/conversehq/converse/internal/backoff"
	"github.com/conversehq/converse/internal/bus"
	"github.com/conversehq/converse/internal/domain"
	"github.com/conversehq/converse/internal/faults"
	"github.com/conversehq/converse/internal/gateway/adapters"
	"github.com/conversehq/converse/internal/metrics"
	"github.com/conversehq/converse/internal/stream"
)

// deliveredTTL is how long delivery ids are remembered for dedupe.
const deliveredTTL = 24 * time.Hour

// OutboundWorker consumes the outbound stream and dispatches records via
// provider adapters. Records sharing a partition key are processed in
// publish order; distinct conversations run concurrently.
type OutboundWorker struct {
	streams     *stream.Client
	registry    *adapters.Registry
	credentials *CredentialCache
	events      bus.Publisher
	maxAttempts int
	logger      *slog.Logger

	mu     sync.Mutex
	queues map[string]chan queuedRecord
	wg     sync.WaitGroup
}

type queuedRecord struct {
	record   domain.OutboundRecord
	streamID string
}

// NewOutboundWorker creates the worker.
func NewOutboundWorker(log *slog.Logger, streams *stream.Client, registry *adapters.Registry, credentials *CredentialCache, events bus.Publisher, maxAttempts int) *OutboundWorker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &OutboundWorker{
		streams:     streams,
		registry:    registry,
		credentials: credentials,
		events:      events,
		maxAttempts: maxAttempts,
		logger:      log.With(slog.String("service", "gateway_outbound")),
		queues:      map[string]chan queuedRecord{},
	}
}

// Run consumes until ctx is cancelled, then drains per-key queues.
func (w *OutboundWorker) Run(ctx context.Context) error {
	consumer, err := w.streams.NewConsumer(ctx, stream.ConsumerConfig{
		Stream:   stream.Outbound,
		Group:    stream.GroupGatewayOut,
		Consumer: "gateway-" + uuid.NewString()[:8],
		MinIdle:  5 * time.Minute,
	})
	if err != nil {
		return err
	}

	err = consumer.Run(ctx, func(ctx context.Context, msg stream.Message) error {
		var record domain.OutboundRecord
		if jsonErr := json.Unmarshal(msg.Data, &record); jsonErr != nil {
			w.logger.Warn("outbound record malformed, dropping", slog.String("id", msg.ID))
			return nil
		}
		w.enqueue(ctx, consumer, queuedRecord{record: record, streamID: msg.ID})
		return stream.ErrAsync
	})

	w.wg.Wait()
	return err
}

// enqueue routes the record to its partition key's ordered queue, creating
// the queue worker on first use.
func (w *OutboundWorker) enqueue(ctx context.Context, consumer *stream.Consumer, item queuedRecord) {
	key := item.record.PartitionKey()

	w.mu.Lock()
	queue, ok := w.queues[key]
	if !ok {
		queue = make(chan queuedRecord, 64)
		w.queues[key] = queue
		w.wg.Add(1)
		go w.runKey(ctx, consumer, key, queue)
	}
	w.mu.Unlock()

	select {
	case queue <- item:
	case <-ctx.Done():
	}
}

func (w *OutboundWorker) runKey(ctx context.Context, consumer *stream.Consumer, key string, queue chan queuedRecord) {
	defer w.wg.Done()
	idle := time.NewTimer(time.Minute)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-queue:
			w.deliver(ctx, item.record)
			if ctx.Err() != nil {
				// Shutdown interrupted the record; leave it pending so it
				// is redelivered.
				return
			}
			// Ack every terminal outcome: success, dedupe skip, and
			// dead-letter all end the record's life on this stream.
			if err := consumer.Ack(context.WithoutCancel(ctx), item.streamID); err != nil {
				w.logger.Warn("outbound ack failed", slog.String("id", item.streamID), slog.Any("error", err))
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(time.Minute)
		case <-idle.C:
			// Retire idle queues so the map does not grow unbounded.
			w.mu.Lock()
			if len(queue) == 0 {
				delete(w.queues, key)
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()
			idle.Reset(time.Minute)
		}
	}
}

// deliver runs the full retry schedule for one record.
func (w *OutboundWorker) deliver(ctx context.Context, record domain.OutboundRecord) {
	if seen, err := w.alreadyDelivered(ctx, record.DeliveryID); err != nil {
		w.logger.Warn("delivery dedupe unavailable", slog.Any("error", err))
	} else if seen {
		w.logger.Debug("duplicate delivery skipped", slog.String("delivery_id", record.DeliveryID))
		return
	}

	channel, err := w.credentials.Get(ctx, record.ChannelID)
	if err != nil {
		w.deadLetter(ctx, record, err)
		return
	}
	adapter, err := w.registry.Get(channel.ChannelType)
	if err != nil {
		w.deadLetter(ctx, record, err)
		return
	}

	attempt := record.Attempt
	for {
		attempt++
		err := adapter.Send(ctx, channel, record)
		if err == nil {
			w.markDelivered(ctx, record.DeliveryID)
			metrics.OutboundDelivered.WithLabelValues(string(channel.ChannelType), "ok").Inc()
			w.logger.Info("outbound delivered",
				slog.String("delivery_id", record.DeliveryID),
				slog.String("channel_type", string(channel.ChannelType)),
				slog.Int("attempt", attempt))
			return
		}

		if !faults.IsRetryable(err) || attempt >= w.maxAttempts {
			metrics.OutboundDelivered.WithLabelValues(string(channel.ChannelType), "failed").Inc()
			w.deadLetter(ctx, record, err)
			return
		}

		w.logger.Warn("outbound delivery retrying",
			slog.String("delivery_id", record.DeliveryID),
			slog.Int("attempt", attempt), slog.Any("error", err))
		if sleepErr := backoff.Webhook.Sleep(ctx, attempt); sleepErr != nil {
			return
		}
		// Credentials may have rotated while we were backing off.
		if refreshed, refErr := w.credentials.Get(ctx, record.ChannelID); refErr == nil {
			channel = refreshed
		}
	}
}

// alreadyDelivered reports whether the delivery id has a success marker.
// The marker is written only after the provider accepted the message, so a
// crash mid-delivery redelivers rather than drops.
func (w *OutboundWorker) alreadyDelivered(ctx context.Context, deliveryID string) (bool, error) {
	err := w.streams.Redis().Get(ctx, "converse:delivered:"+deliveryID).Err()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return false, err
}

func (w *OutboundWorker) markDelivered(ctx context.Context, deliveryID string) {
	if err := w.streams.Redis().Set(ctx, "converse:delivered:"+deliveryID, "1", deliveredTTL).Err(); err != nil {
		w.logger.Warn("delivery marker not written", slog.Any("error", err))
	}
}

// deadLetter parks the record for operators and emits the audit event.
func (w *OutboundWorker) deadLetter(ctx context.Context, record domain.OutboundRecord, cause error) {
	data, _ := json.Marshal(record)
	msg := stream.Message{Key: record.PartitionKey(), Data: data}
	if err := w.streams.DeadLetter(ctx, stream.Outbound, msg, cause); err != nil {
		w.logger.Error("dead letter write failed",
			slog.String("delivery_id", record.DeliveryID), slog.Any("error", err))
	}
	w.logger.Error("outbound delivery exhausted",
		slog.String("delivery_id", record.DeliveryID), slog.Any("error", cause))

	if w.events != nil {
		event := domain.Event{
			Type:    domain.EventOutboundFailed,
			Payload: map[string]string{"delivery_id": record.DeliveryID, "channel_id": record.ChannelID},
		}
		if err := w.events.Publish(ctx, event); err != nil {
			w.logger.Warn("outbound.failed event not published", slog.Any("error", err))
		}
	}
}
