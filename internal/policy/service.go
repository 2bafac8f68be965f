package policy

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

// Service owns policy versions: drafts, publication, and lookup of the
// single published version per tenant.
type Service struct {
	pool   *pgxpool.Pool
	cache  *Cache
	logger *slog.Logger
}

// NewService creates a policy service backed by the given pool and cache.
func NewService(log *slog.Logger, pool *pgxpool.Pool, cache *Cache) *Service {
	return &Service{
		pool:   pool,
		cache:  cache,
		logger: log.With(slog.String("service", "policy")),
	}
}

// CreateDraft appends a new draft version with the next monotonic number.
func (s *Service) CreateDraft(ctx context.Context, tenantID string, doc Document) (Version, error) {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return Version{}, faults.Validationf("policy.encode", "encode policy document: %v", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO policy_versions (tenant_id, version, status, policy_json)
		VALUES ($1,
		        COALESCE((SELECT MAX(version) FROM policy_versions WHERE tenant_id = $1), 0) + 1,
		        'draft', $2)
		RETURNING id, tenant_id, version, status, policy_json, published_at, created_at`,
		tenantID, docBytes)
	version, err := scanVersion(row)
	if err != nil {
		return Version{}, faults.Transientf("policy.draft", "create draft: %v", err)
	}
	return version, nil
}

// Publish promotes a draft: the current published version is archived and
// the draft becomes the single published version, all in one transaction.
// The in-process cache is invalidated immediately.
func (s *Service) Publish(ctx context.Context, tenantID string, versionNumber int) (Version, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Version{}, faults.Transientf("policy.begin", "begin tx: %v", err)
	}
	defer tx.Rollback(ctx)

	var status Status
	err = tx.QueryRow(ctx, `
		SELECT status FROM policy_versions
		WHERE tenant_id = $1 AND version = $2 FOR UPDATE`, tenantID, versionNumber).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Version{}, faults.NotFoundf("policy.missing", "policy version %d not found", versionNumber)
	}
	if err != nil {
		return Version{}, faults.Transientf("policy.load", "load version: %v", err)
	}
	switch status {
	case StatusDraft:
	case StatusPublished:
		return Version{}, faults.Conflictf("policy.already_published", "version %d is already published", versionNumber)
	default:
		return Version{}, faults.Conflictf("policy.archived", "version %d is archived and immutable", versionNumber)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE policy_versions SET status = 'archived'
		WHERE tenant_id = $1 AND status = 'published'`, tenantID); err != nil {
		return Version{}, faults.Transientf("policy.archive", "archive published: %v", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE policy_versions SET status = 'published', published_at = now()
		WHERE tenant_id = $1 AND version = $2
		RETURNING id, tenant_id, version, status, policy_json, published_at, created_at`,
		tenantID, versionNumber)
	version, err := scanVersion(row)
	if err != nil {
		return Version{}, faults.Transientf("policy.publish", "publish version: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Version{}, faults.Transientf("policy.commit", "commit publish: %v", err)
	}

	if s.cache != nil {
		s.cache.Invalidate(tenantID)
	}
	s.logger.Info("policy published",
		slog.String("tenant_id", tenantID), slog.Int("version", versionNumber))
	return version, nil
}

// Published loads the tenant's published policy through the cache. A tenant
// with no published version gets the built-in default document.
func (s *Service) Published(ctx context.Context, tenantID string) (Version, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(tenantID); ok {
			return v, nil
		}
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, version, status, policy_json, published_at, created_at
		FROM policy_versions
		WHERE tenant_id = $1 AND status = 'published'`, tenantID)
	version, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		version = Version{TenantID: tenantID, Version: 0, Status: StatusPublished, Document: DefaultDocument()}
		err = nil
	}
	if err != nil {
		return Version{}, faults.Transientf("policy.load", "load published policy: %v", err)
	}

	if s.cache != nil {
		s.cache.Put(tenantID, version)
	}
	return version, nil
}

// GetVersion loads one specific version.
func (s *Service) GetVersion(ctx context.Context, tenantID string, versionNumber int) (Version, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, version, status, policy_json, published_at, created_at
		FROM policy_versions
		WHERE tenant_id = $1 AND version = $2`, tenantID, versionNumber)
	version, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Version{}, faults.NotFoundf("policy.missing", "policy version %d not found", versionNumber)
	}
	if err != nil {
		return Version{}, faults.Transientf("policy.load", "load version: %v", err)
	}
	return version, nil
}

// Diff compares a version against the currently published one, field by
// field at the JSON level.
func (s *Service) Diff(ctx context.Context, tenantID string, versionNumber int) (map[string][2]any, error) {
	target, err := s.GetVersion(ctx, tenantID, versionNumber)
	if err != nil {
		return nil, err
	}
	current, err := s.Published(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return diffDocuments(current.Document, target.Document)
}

func diffDocuments(current, target Document) (map[string][2]any, error) {
	currentMap, err := toMap(current)
	if err != nil {
		return nil, err
	}
	targetMap, err := toMap(target)
	if err != nil {
		return nil, err
	}

	diff := map[string][2]any{}
	for key, was := range currentMap {
		now, ok := targetMap[key]
		if !ok {
			diff[key] = [2]any{was, nil}
			continue
		}
		if fmt.Sprint(was) != fmt.Sprint(now) {
			diff[key] = [2]any{was, now}
		}
	}
	for key, now := range targetMap {
		if _, ok := currentMap[key]; !ok {
			diff[key] = [2]any{nil, now}
		}
	}
	return diff, nil
}

func toMap(doc Document) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode policy document: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode policy document: %w", err)
	}
	return m, nil
}

func scanVersion(row pgx.Row) (Version, error) {
	var v Version
	var doc []byte
	var publishedAt pgtype.Timestamptz
	err := row.Scan(&v.ID, &v.TenantID, &v.Version, &v.Status, &doc, &publishedAt, &v.CreatedAt)
	if err != nil {
		return Version{}, err
	}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &v.Document); err != nil {
			return Version{}, fmt.Errorf("decode policy document: %w", err)
		}
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		v.PublishedAt = &t
	}
	return v, nil
}
