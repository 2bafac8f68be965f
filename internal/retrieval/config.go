package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conversehq/converse/internal/faults"
)

// Config is a tenant's retrieval tuning. Defaults are conservative.
type Config struct {
	TenantID            string            `json:"tenant_id"`
	HybridWeight        float64           `json:"hybrid_weight"`
	MinScore            float64           `json:"min_score"`
	MaxDocuments        int               `json:"max_documents"`
	ContextBudgetTokens int               `json:"context_budget_tokens"`
	Filters             map[string]string `json:"filters,omitempty"`
	FallbackLLM         string            `json:"fallback_llm,omitempty"`
}

// DefaultConfig returns the tuning used for tenants with no stored row.
func DefaultConfig(tenantID string) Config {
	return Config{
		TenantID:            tenantID,
		HybridWeight:        0.7,
		MinScore:            0.2,
		MaxDocuments:        5,
		ContextBudgetTokens: 2048,
	}
}

// ConfigStore persists per-tenant retrieval configs; every mutation writes
// an audit row in the same transaction.
type ConfigStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewConfigStore creates the store.
func NewConfigStore(log *slog.Logger, pool *pgxpool.Pool) *ConfigStore {
	return &ConfigStore{pool: pool, logger: log.With(slog.String("service", "retrieval_config"))}
}

// Get loads a tenant's config, falling back to defaults.
func (s *ConfigStore) Get(ctx context.Context, tenantID string) (Config, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, hybrid_weight, min_score, max_documents, context_budget_tokens, filters, fallback_llm
		FROM retrieval_configs WHERE tenant_id = $1`, tenantID)

	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultConfig(tenantID), nil
	}
	if err != nil {
		return Config{}, faults.Transientf("retrieval.config", "load retrieval config: %v", err)
	}
	return cfg, nil
}

// Update upserts the tenant's config and records the audit row atomically.
func (s *ConfigStore) Update(ctx context.Context, cfg Config, actor, correlationID string) error {
	if cfg.HybridWeight < 0 || cfg.HybridWeight > 1 {
		return faults.Validationf("retrieval.hybrid_weight", "hybrid_weight must be in [0,1]")
	}
	if cfg.MaxDocuments <= 0 || cfg.ContextBudgetTokens <= 0 {
		return faults.Validationf("retrieval.limits", "max_documents and context_budget_tokens must be positive")
	}

	filters, err := json.Marshal(nonNil(cfg.Filters))
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return faults.Transientf("retrieval.begin", "begin tx: %v", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO retrieval_configs (tenant_id, hybrid_weight, min_score, max_documents, context_budget_tokens, filters, fallback_llm, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (tenant_id) DO UPDATE SET
			hybrid_weight = EXCLUDED.hybrid_weight,
			min_score = EXCLUDED.min_score,
			max_documents = EXCLUDED.max_documents,
			context_budget_tokens = EXCLUDED.context_budget_tokens,
			filters = EXCLUDED.filters,
			fallback_llm = EXCLUDED.fallback_llm,
			updated_at = now()`,
		cfg.TenantID, cfg.HybridWeight, cfg.MinScore, cfg.MaxDocuments,
		cfg.ContextBudgetTokens, filters, nullable(cfg.FallbackLLM))
	if err != nil {
		return faults.Transientf("retrieval.update", "update retrieval config: %v", err)
	}

	detail, _ := json.Marshal(cfg)
	_, err = tx.Exec(ctx, `
		INSERT INTO audit_entries (tenant_id, actor, action, detail, correlation_id)
		VALUES ($1, $2, 'retrieval_config.updated', $3, $4)`,
		cfg.TenantID, actor, detail, correlationID)
	if err != nil {
		return faults.Transientf("retrieval.audit", "audit retrieval config: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return faults.Transientf("retrieval.commit", "commit: %v", err)
	}
	return nil
}

func scanConfig(row pgx.Row) (Config, error) {
	var cfg Config
	var filters []byte
	var fallback pgtype.Text
	err := row.Scan(&cfg.TenantID, &cfg.HybridWeight, &cfg.MinScore, &cfg.MaxDocuments,
		&cfg.ContextBudgetTokens, &filters, &fallback)
	if err != nil {
		return Config{}, err
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &cfg.Filters); err != nil {
			return Config{}, fmt.Errorf("decode filters: %w", err)
		}
	}
	cfg.FallbackLLM = fallback.String
	return cfg, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
