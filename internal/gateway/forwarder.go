package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conversehq/converse/internal/backoff"
	"github.com/conversehq/converse/internal/domain"
	"github.com/conversehq/converse/internal/faults"
	"github.com/conversehq/converse/internal/stream"
)

// Forwarder delivers canonical inbound events to the orchestrator. When the
// orchestrator is unavailable the event lands in a durable local buffer and
// a background drainer replays it with backoff; the event id keeps replays
// idempotent downstream.
type Forwarder struct {
	orchestratorURL string
	httpClient      *http.Client
	streams         *stream.Client
	logger          *slog.Logger
}

// bufferedEvent is the buffer envelope carrying the retry count.
type bufferedEvent struct {
	Message       domain.InboundMessage `json:"message"`
	CorrelationID string                `json:"correlation_id"`
	Attempt       int                   `json:"attempt"`
	NotBefore     time.Time             `json:"not_before"`
}

// NewForwarder creates the forwarder.
func NewForwarder(log *slog.Logger, orchestratorURL string, streams *stream.Client) *Forwarder {
	return &Forwarder{
		orchestratorURL: strings.TrimRight(orchestratorURL, "/"),
		httpClient:      &http.Client{Timeout: 15 * time.Second},
		streams:         streams,
		logger:          log.With(slog.String("service", "gateway_forwarder")),
	}
}

// Forward posts the event to the orchestrator. Transient failures buffer
// the event and report success to the caller so the provider gets its 202;
// a full buffer surfaces as transient so the handler can return 503.
func (f *Forwarder) Forward(ctx context.Context, msg domain.InboundMessage, correlationID string) error {
	err := f.post(ctx, msg, correlationID)
	if err == nil {
		return nil
	}
	if !faults.IsRetryable(err) {
		return err
	}

	f.logger.Warn("orchestrator unavailable, buffering event",
		slog.String("event_id", msg.EventID), slog.Any("error", err))
	_, bufErr := f.streams.Publish(ctx, stream.GatewayBuffer, msg.EventID, bufferedEvent{
		Message:       msg,
		CorrelationID: correlationID,
		Attempt:       1,
		NotBefore:     time.Now().UTC().Add(backoff.Webhook.Delay(1)),
	})
	if bufErr != nil {
		return faults.Transientf("gateway.buffer", "buffer inbound event: %v", bufErr)
	}
	return nil
}

func (f *Forwarder) post(ctx context.Context, msg domain.InboundMessage, correlationID string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return faults.Validationf("gateway.encode", "encode inbound message: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.orchestratorURL+"/v1/messages/inbound", bytes.NewReader(body))
	if err != nil {
		return faults.Transientf("gateway.request", "build forward request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", correlationID)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return faults.Transientf("gateway.forward", "forward inbound: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return faults.Transientf("gateway.orchestrator", "orchestrator returned %d", resp.StatusCode)
	default:
		return faults.Permanentf("gateway.orchestrator", "orchestrator rejected with %d", resp.StatusCode)
	}
}

// RunBufferDrain replays buffered events until ctx is cancelled. Exhausted
// events move to the dead-letter partition.
func (f *Forwarder) RunBufferDrain(ctx context.Context) error {
	consumer, err := f.streams.NewConsumer(ctx, stream.ConsumerConfig{
		Stream:   stream.GatewayBuffer,
		Group:    "gateway-buffer",
		Consumer: "gateway-" + uuid.NewString()[:8],
		MinIdle:  time.Minute,
	})
	if err != nil {
		return err
	}

	return consumer.Run(ctx, func(ctx context.Context, msg stream.Message) error {
		var event bufferedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			f.logger.Warn("buffered event malformed, dropping", slog.String("id", msg.ID))
			return nil
		}

		if wait := time.Until(event.NotBefore); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := f.post(ctx, event.Message, event.CorrelationID)
		if err == nil {
			f.logger.Info("buffered event delivered", slog.String("event_id", event.Message.EventID))
			return nil
		}
		if !faults.IsRetryable(err) {
			f.logger.Error("buffered event rejected, dead-lettering",
				slog.String("event_id", event.Message.EventID), slog.Any("error", err))
			return f.streams.DeadLetter(ctx, stream.GatewayBuffer, msg, err)
		}

		event.Attempt++
		if backoff.Webhook.Exhausted(event.Attempt) {
			f.logger.Error("buffered event retries exhausted",
				slog.String("event_id", event.Message.EventID))
			return f.streams.DeadLetter(ctx, stream.GatewayBuffer, msg, err)
		}

		event.NotBefore = time.Now().UTC().Add(backoff.Webhook.Delay(event.Attempt))
		if _, pubErr := f.streams.Publish(ctx, stream.GatewayBuffer, event.Message.EventID, event); pubErr != nil {
			return pubErr
		}
		return nil
	})
}
