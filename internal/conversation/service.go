package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conversehq/converse/internal/faults"
)

// Conversation is one sender's thread on a channel.
type Conversation struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	BrandID          string     `json:"brand_id"`
	ChannelID        string     `json:"channel_id"`
	ExternalSenderID string     `json:"external_sender_id"`
	LastMessageAt    *time.Time `json:"last_message_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// MessageLog is one append-only transcript entry.
type MessageLog struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Direction      string            `json:"direction"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Service owns conversations and their message logs.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates a conversation service.
func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	return &Service{pool: pool, logger: log.With(slog.String("service", "conversation"))}
}

// UpsertInbound finds or creates the conversation for the sender and appends
// the inbound message log in the same transaction. The conversation row is
// locked so concurrent messages from the same sender serialize.
func (s *Service) UpsertInbound(ctx context.Context, tenantID, brandID, channelID, senderID, content, correlationID string, metadata map[string]string) (Conversation, MessageLog, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Conversation{}, MessageLog{}, false, faults.Transientf("conversation.begin", "begin tx: %v", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	created := false

	conv, err := lockConversation(ctx, tx, channelID, senderID)
	if errors.Is(err, pgx.ErrNoRows) {
		row := tx.QueryRow(ctx, `
			INSERT INTO conversations (tenant_id, brand_id, channel_id, external_sender_id, last_message_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (channel_id, external_sender_id) DO NOTHING
			RETURNING id, tenant_id, brand_id, channel_id, external_sender_id, last_message_at, created_at`,
			tenantID, brandID, channelID, senderID, now)
		conv, err = scanConversation(row)
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the insert race; the winner's row now exists.
			conv, err = lockConversation(ctx, tx, channelID, senderID)
		} else if err == nil {
			created = true
		}
	}
	if err != nil {
		return Conversation{}, MessageLog{}, false, faults.Transientf("conversation.upsert", "upsert conversation: %v", err)
	}
	if conv.TenantID != tenantID {
		return Conversation{}, MessageLog{}, false, faults.Conflictf("conversation.tenant_mismatch",
			"conversation %s belongs to another tenant", conv.ID)
	}

	entry, err := insertLog(ctx, tx, conv.ID, DirectionIn, content, metadata, correlationID)
	if err != nil {
		return Conversation{}, MessageLog{}, false, err
	}

	if _, err := tx.Exec(ctx, `UPDATE conversations SET last_message_at = $2 WHERE id = $1`, conv.ID, now); err != nil {
		return Conversation{}, MessageLog{}, false, faults.Transientf("conversation.touch", "touch conversation: %v", err)
	}
	conv.LastMessageAt = &now

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, MessageLog{}, false, faults.Transientf("conversation.commit", "commit: %v", err)
	}
	return conv, entry, created, nil
}

// AppendOutbound records the reply and advances last_message_at in one
// transaction; called after guardrails, before publish.
func (s *Service) AppendOutbound(ctx context.Context, conversationID, content string, metadata map[string]string, correlationID string) (MessageLog, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return MessageLog{}, faults.Transientf("conversation.begin", "begin tx: %v", err)
	}
	defer tx.Rollback(ctx)

	entry, err := insertLog(ctx, tx, conversationID, DirectionOut, content, metadata, correlationID)
	if err != nil {
		return MessageLog{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE conversations SET last_message_at = now() WHERE id = $1`, conversationID); err != nil {
		return MessageLog{}, faults.Transientf("conversation.touch", "touch conversation: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return MessageLog{}, faults.Transientf("conversation.commit", "commit: %v", err)
	}
	return entry, nil
}

// History returns the most recent message logs, oldest first.
func (s *Service) History(ctx context.Context, conversationID string, limit int) ([]MessageLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, direction, content, metadata, correlation_id, created_at
		FROM message_logs WHERE conversation_id = $1
		ORDER BY created_at DESC LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, faults.Transientf("conversation.history", "load history: %v", err)
	}
	defer rows.Close()

	var logs []MessageLog
	for rows.Next() {
		entry, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Transientf("conversation.history", "scan history: %v", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

// Get loads a conversation, enforcing the tenant boundary.
func (s *Service) Get(ctx context.Context, tenantID, conversationID string) (Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, brand_id, channel_id, external_sender_id, last_message_at, created_at
		FROM conversations WHERE id = $1 AND tenant_id = $2`, conversationID, tenantID)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, faults.NotFoundf("conversation.missing", "conversation %s not found", conversationID)
	}
	return conv, err
}

// List pages a tenant's conversations, most recently active first.
func (s *Service) List(ctx context.Context, tenantID string, limit, offset int) ([]Conversation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, brand_id, channel_id, external_sender_id, last_message_at, created_at
		FROM conversations WHERE tenant_id = $1
		ORDER BY last_message_at DESC NULLS LAST LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, faults.Transientf("conversation.list", "list conversations: %v", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

func lockConversation(ctx context.Context, tx pgx.Tx, channelID, senderID string) (Conversation, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, tenant_id, brand_id, channel_id, external_sender_id, last_message_at, created_at
		FROM conversations
		WHERE channel_id = $1 AND external_sender_id = $2
		FOR UPDATE`, channelID, senderID)
	return scanConversation(row)
}

func insertLog(ctx context.Context, tx pgx.Tx, conversationID, direction, content string, metadata map[string]string, correlationID string) (MessageLog, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return MessageLog{}, fmt.Errorf("marshal log metadata: %w", err)
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO message_logs (conversation_id, direction, content, metadata, correlation_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, conversation_id, direction, content, metadata, correlation_id, created_at`,
		conversationID, direction, content, metaBytes, correlationID)
	entry, err := scanLog(row)
	if err != nil {
		return MessageLog{}, faults.Transientf("conversation.append", "append log: %v", err)
	}
	return entry, nil
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var conv Conversation
	var lastMessageAt pgtype.Timestamptz
	err := row.Scan(&conv.ID, &conv.TenantID, &conv.BrandID, &conv.ChannelID,
		&conv.ExternalSenderID, &lastMessageAt, &conv.CreatedAt)
	if err != nil {
		return Conversation{}, err
	}
	if lastMessageAt.Valid {
		conv.LastMessageAt = &lastMessageAt.Time
	}
	return conv, nil
}

func scanLog(row pgx.Row) (MessageLog, error) {
	var entry MessageLog
	var metadata []byte
	err := row.Scan(&entry.ID, &entry.ConversationID, &entry.Direction, &entry.Content,
		&metadata, &entry.CorrelationID, &entry.CreatedAt)
	if err != nil {
		return MessageLog{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return MessageLog{}, fmt.Errorf("decode log metadata: %w", err)
		}
	}
	return entry, nil
}
