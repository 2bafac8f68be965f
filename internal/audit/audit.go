package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one audit row. Writes through Service are best effort and run
// after the caller's mutation; retrieval config updates instead insert
// their audit row inside their own transaction.
type Entry struct {
	TenantID      string
	Actor         string
	Action        string
	Detail        map[string]any
	CorrelationID string
}

// Service records audit entries.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates the audit service.
func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	return &Service{pool: pool, logger: log.With(slog.String("service", "audit"))}
}

// Record inserts one audit row. Failures are logged, not surfaced; audit
// must never take the serving path down.
func (s *Service) Record(ctx context.Context, entry Entry) {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		detail = []byte("{}")
	}
	var tenantID any
	if entry.TenantID != "" {
		tenantID = entry.TenantID
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_entries (tenant_id, actor, action, detail, correlation_id)
		VALUES ($1, $2, $3, $4, $5)`,
		tenantID, entry.Actor, entry.Action, detail, entry.CorrelationID)
	if err != nil {
		s.logger.Warn("audit write failed",
			slog.String("action", entry.Action), slog.Any("error", err))
	}
}
