package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conversehq/converse/internal/bus"
	"github.com/conversehq/converse/internal/conversation"
	"github.com/conversehq/converse/internal/domain"
	"github.com/conversehq/converse/internal/faults"
	"github.com/conversehq/converse/internal/guardrails"
	"github.com/conversehq/converse/internal/llm"
	"github.com/conversehq/converse/internal/metrics"
	"github.com/conversehq/converse/internal/policy"
	"github.com/conversehq/converse/internal/retrieval"
	"github.com/conversehq/converse/internal/stream"
	"github.com/conversehq/converse/internal/tenant"
)

// Ack is the result of processing one inbound message.
type Ack struct {
	ConversationID string `json:"conversation_id"`
	DeliveryID     string `json:"delivery_id"`
}

// Pipeline is the synchronous request path: dedupe, conversation upsert,
// policy evaluation, retrieval, LLM call, guardrails, persistence, publish.
type Pipeline struct {
	dedupe        *stream.Dedupe
	tenants       *tenant.Service
	conversations *conversation.Service
	policies      *policy.Service
	configs       *retrieval.ConfigStore
	retriever     *retrieval.Retriever
	llmClient     llm.Client
	chain         *guardrails.Chain
	streams       *stream.Client
	events        bus.Publisher
	pool          *pgxpool.Pool
	deadline      time.Duration
	logger        *slog.Logger
}

// NewPipeline wires the pipeline from its collaborators.
func NewPipeline(
	log *slog.Logger,
	dedupe *stream.Dedupe,
	tenants *tenant.Service,
	conversations *conversation.Service,
	policies *policy.Service,
	configs *retrieval.ConfigStore,
	retriever *retrieval.Retriever,
	llmClient llm.Client,
	chain *guardrails.Chain,
	streams *stream.Client,
	events bus.Publisher,
	pool *pgxpool.Pool,
	deadline time.Duration,
) *Pipeline {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return &Pipeline{
		dedupe:        dedupe,
		tenants:       tenants,
		conversations: conversations,
		policies:      policies,
		configs:       configs,
		retriever:     retriever,
		llmClient:     llmClient,
		chain:         chain,
		streams:       streams,
		events:        events,
		pool:          pool,
		deadline:      deadline,
		logger:        log.With(slog.String("service", "pipeline")),
	}
}

// ProcessInbound runs the full pipeline for one canonical inbound message.
// Replays of the same event id return the original Ack.
func (p *Pipeline) ProcessInbound(ctx context.Context, msg domain.InboundMessage, correlationID string) (Ack, error) {
	if err := validateInbound(msg); err != nil {
		return Ack{}, err
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	started := time.Now()
	ack, err := p.process(ctx, msg, correlationID)
	metrics.PipelineLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.PipelineFailures.WithLabelValues(faults.CodeOf(err)).Inc()
	}
	return ack, err
}

func (p *Pipeline) process(ctx context.Context, msg domain.InboundMessage, correlationID string) (Ack, error) {
	// DEDUPED: the event id is the idempotency key. Replays return the
	// stored ack; an in-progress marker surfaces as retryable so the
	// provider's next retry picks up the result.
	first, prior, err := p.dedupe.Claim(ctx, msg.EventID)
	if err != nil {
		if errors.Is(err, stream.ErrInProgress) {
			return Ack{}, faults.Transientf("pipeline.in_progress", "event %s is being processed", msg.EventID)
		}
		return Ack{}, faults.Transientf("pipeline.dedupe", "dedupe: %v", err)
	}
	if !first {
		var ack Ack
		if jsonErr := json.Unmarshal([]byte(prior), &ack); jsonErr != nil {
			return Ack{}, faults.Transientf("pipeline.replay", "stored ack unreadable: %v", jsonErr)
		}
		p.logger.Debug("event replayed", slog.String("event_id", msg.EventID))
		return ack, nil
	}

	ack, err := p.run(ctx, msg, correlationID)
	if err != nil {
		// Release the claim so the provider's retry can run the pipeline
		// again; non-retryable failures keep the claim to stop replays
		// from hammering a permanently failing event.
		if faults.IsRetryable(err) {
			if relErr := p.dedupe.Release(context.WithoutCancel(ctx), msg.EventID); relErr != nil {
				p.logger.Warn("dedupe release failed", slog.String("event_id", msg.EventID), slog.Any("error", relErr))
			}
		}
		return Ack{}, err
	}

	encoded, _ := json.Marshal(ack)
	if err := p.dedupe.Complete(context.WithoutCancel(ctx), msg.EventID, string(encoded)); err != nil {
		p.logger.Warn("dedupe complete failed", slog.String("event_id", msg.EventID), slog.Any("error", err))
	}
	return ack, nil
}

func (p *Pipeline) run(ctx context.Context, msg domain.InboundMessage, correlationID string) (Ack, error) {
	// Tenant isolation: the channel named in the message must belong to
	// the claimed tenant and brand.
	channel, err := p.tenants.GetActiveChannel(ctx, msg.ChannelID)
	if err != nil {
		return Ack{}, err
	}
	if channel.TenantID != msg.TenantID || channel.BrandID != msg.BrandID {
		return Ack{}, faults.NotFoundf("pipeline.channel_scope", "channel %s not found for tenant", msg.ChannelID)
	}

	// CONVERSATION_READY: upsert + inbound log in one transaction.
	conv, _, created, err := p.conversations.UpsertInbound(ctx,
		msg.TenantID, msg.BrandID, msg.ChannelID, msg.SenderID, msg.Message, correlationID,
		inboundMetadata(msg))
	if err != nil {
		return Ack{}, err
	}
	if created {
		p.publishEvent(ctx, domain.Event{
			Type:     domain.EventConversationStarted,
			TenantID: msg.TenantID,
			BrandID:  msg.BrandID,
			Payload:  map[string]string{"conversation_id": conv.ID, "channel_id": msg.ChannelID},
		})
	}

	// POLICY_RESOLVED.
	version, err := p.policies.Published(ctx, msg.TenantID)
	if err != nil {
		return Ack{}, err
	}
	decision := policy.Evaluate(version, msg.Message, time.Now().UTC())

	outMeta := map[string]string{
		"policy_version": strconv.Itoa(decision.PolicyVersion),
	}

	var content string
	escalate := false
	escalateReason := ""

	if !decision.AllowResponse {
		content = decision.Fallback
		outMeta["policy_denied"] = decision.Reason
	} else {
		// CONTEXT_READY.
		cfg, err := p.configs.Get(ctx, msg.TenantID)
		if err != nil {
			return Ack{}, err
		}
		result, err := p.retriever.Retrieve(ctx, msg.TenantID, msg.BrandID, msg.Message, cfg)
		if err != nil {
			return Ack{}, err
		}
		if result.Degraded {
			outMeta["context_degraded"] = "true"
		}

		history, err := p.conversations.History(ctx, conv.ID, decision.HistoryTurns+1)
		if err != nil {
			return Ack{}, err
		}
		// The inbound log we just wrote is passed separately as the
		// current user message.
		if len(history) > 0 {
			history = history[:len(history)-1]
		}

		// LLM_CALLED.
		snippets := make([]llm.Snippet, 0, len(result.Documents))
		for _, doc := range result.Documents {
			snippets = append(snippets, llm.Snippet{Text: doc.Text, Section: doc.Section})
		}
		turns := make([]llm.Turn, 0, len(history))
		for _, entry := range history {
			turns = append(turns, llm.Turn{Direction: entry.Direction, Content: entry.Content})
		}
		completion, err := p.llmClient.Complete(ctx, llm.Request{
			FallbackModel: cfg.FallbackLLM,
			Messages: llm.BuildMessages(llm.PromptInput{
				Persona:      decision.Persona,
				Snippets:     snippets,
				History:      turns,
				HistoryTurns: decision.HistoryTurns,
				UserMessage:  msg.Message,
				Locale:       msg.Locale,
			}),
		})
		if err != nil {
			return Ack{}, err
		}
		metrics.LLMLatency.Observe(completion.Latency.Seconds())
		outMeta["llm_provider"] = completion.Provider
		outMeta["llm_model"] = completion.Model
		outMeta["prompt_tokens"] = strconv.Itoa(completion.PromptTokens)
		outMeta["completion_tokens"] = strconv.Itoa(completion.CompletionTokens)
		outMeta["llm_latency_ms"] = strconv.FormatInt(completion.Latency.Milliseconds(), 10)

		// GUARDRAILED.
		verdict := p.chain.Evaluate(ctx, guardrails.Input{
			UserMessage: msg.Message,
			Response:    completion.Content,
			Document:    decision.Document,
		})
		content = verdict.Content
		outMeta["guardrail_outcome"] = string(verdict.Outcome)
		if verdict.Reason != "" {
			outMeta["guardrail_reason"] = verdict.Reason
		}
		if verdict.Outcome == guardrails.OutcomeEscalate {
			escalate = true
			escalateReason = verdict.Reason
			outMeta["escalated"] = "true"
		}
	}

	// PERSISTED: outbound log + conversation touch committed before any
	// publish. Cancellation past this point is ignored.
	persistCtx := context.WithoutCancel(ctx)
	outLog, err := p.conversations.AppendOutbound(persistCtx, conv.ID, content, outMeta, correlationID)
	if err != nil {
		return Ack{}, err
	}
	if decision.AuditResponse {
		p.auditResponse(persistCtx, msg, conv.ID, correlationID)
	}
	if escalate {
		p.recordEscalation(persistCtx, msg.TenantID, conv.ID, outLog.ID, escalateReason)
	}

	// PUBLISHED: after commit. A failed publish lands in the local retry
	// buffer; duplicates are tolerated because the outbound worker dedupes
	// on delivery id.
	record := domain.OutboundRecord{
		DeliveryID:       uuid.NewString(),
		ChannelID:        msg.ChannelID,
		ExternalSenderID: msg.SenderID,
		Content:          content,
		Metadata:         outMeta,
		CorrelationID:    correlationID,
		Attempt:          0,
	}
	if _, err := p.streams.Publish(persistCtx, stream.Outbound, record.PartitionKey(), record); err != nil {
		p.logger.Warn("outbound publish failed, buffering",
			slog.String("delivery_id", record.DeliveryID), slog.Any("error", err))
		if _, bufErr := p.streams.Publish(persistCtx, stream.OutboundRetry, record.PartitionKey(), record); bufErr != nil {
			return Ack{}, faults.Transientf("pipeline.publish", "publish and buffer failed: %v", bufErr)
		}
	}

	p.publishEvent(persistCtx, domain.Event{
		Type:     domain.EventMessageProcessed,
		TenantID: msg.TenantID,
		BrandID:  msg.BrandID,
		Payload: map[string]string{
			"conversation_id": conv.ID,
			"delivery_id":     record.DeliveryID,
			"channel_id":      msg.ChannelID,
		},
	})
	if escalate {
		p.publishEvent(persistCtx, domain.Event{
			Type:     domain.EventEscalationRaised,
			TenantID: msg.TenantID,
			BrandID:  msg.BrandID,
			Payload:  map[string]string{"conversation_id": conv.ID, "reason": escalateReason},
		})
	}

	return Ack{ConversationID: conv.ID, DeliveryID: record.DeliveryID}, nil
}

// RunPublishRetries drains the local retry buffer, republishing to the
// outbound stream. Runs until ctx is cancelled.
func (p *Pipeline) RunPublishRetries(ctx context.Context) error {
	consumer, err := p.streams.NewConsumer(ctx, stream.ConsumerConfig{
		Stream:   stream.OutboundRetry,
		Group:    "orchestrator-retry",
		Consumer: "orchestrator-" + uuid.NewString()[:8],
		MinIdle:  time.Minute,
	})
	if err != nil {
		return err
	}
	return consumer.Run(ctx, func(ctx context.Context, msg stream.Message) error {
		var record domain.OutboundRecord
		if err := json.Unmarshal(msg.Data, &record); err != nil {
			p.logger.Warn("retry buffer record malformed", slog.String("id", msg.ID))
			return nil
		}
		if _, err := p.streams.Publish(ctx, stream.Outbound, record.PartitionKey(), record); err != nil {
			return err
		}
		p.logger.Info("buffered publish recovered", slog.String("delivery_id", record.DeliveryID))
		return nil
	})
}

func (p *Pipeline) publishEvent(ctx context.Context, event domain.Event) {
	if p.events == nil {
		return
	}
	if err := p.events.Publish(ctx, event); err != nil {
		p.logger.Warn("event not published",
			slog.String("event_type", event.Type), slog.Any("error", err))
	}
}

func (p *Pipeline) auditResponse(ctx context.Context, msg domain.InboundMessage, conversationID, correlationID string) {
	detail, _ := json.Marshal(map[string]string{
		"conversation_id": conversationID,
		"channel_id":      msg.ChannelID,
		"event_id":        msg.EventID,
	})
	_, err := p.pool.Exec(ctx, `
		INSERT INTO audit_entries (tenant_id, actor, action, detail, correlation_id)
		VALUES ($1, 'pipeline', 'message.responded', $2, $3)`,
		msg.TenantID, detail, correlationID)
	if err != nil {
		p.logger.Warn("response audit failed", slog.Any("error", err))
	}
}

func (p *Pipeline) recordEscalation(ctx context.Context, tenantID, conversationID, messageLogID, reason string) {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO escalations (tenant_id, conversation_id, message_log_id, reason)
		VALUES ($1, $2, $3, $4)`, tenantID, conversationID, messageLogID, reason)
	if err != nil {
		p.logger.Warn("escalation not recorded",
			slog.String("conversation_id", conversationID), slog.Any("error", err))
	}
}

func validateInbound(msg domain.InboundMessage) error {
	switch {
	case msg.EventID == "":
		return faults.Validationf("inbound.event_id", "event_id is required")
	case msg.TenantID == "":
		return faults.Validationf("inbound.tenant_id", "tenant_id is required")
	case msg.BrandID == "":
		return faults.Validationf("inbound.brand_id", "brand_id is required")
	case msg.ChannelID == "":
		return faults.Validationf("inbound.channel_id", "channel_id is required")
	case msg.SenderID == "":
		return faults.Validationf("inbound.sender_id", "sender_id is required")
	case msg.Message == "":
		return faults.Validationf("inbound.message", "message is required")
	}
	return nil
}

func inboundMetadata(msg domain.InboundMessage) map[string]string {
	meta := map[string]string{"event_id": msg.EventID}
	if msg.Locale != "" {
		meta["locale"] = msg.Locale
	}
	if !msg.OccurredAt.IsZero() {
		meta["occurred_at"] = msg.OccurredAt.UTC().Format(time.RFC3339)
	}
	for key, value := range msg.Metadata {
		meta[key] = value
	}
	return meta
}
