package knowledge

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

// Store persists knowledge assets and their ingestion jobs.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a knowledge store.
func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, logger: log.With(slog.String("service", "knowledge"))}
}

// FindAssetByContent returns an existing asset with the same content hash
// in the tenant/brand scope, supporting idempotent re-uploads.
func (s *Store) FindAssetByContent(ctx context.Context, tenantID, brandID, sha string) (Asset, bool, error) {
	row := s.pool.QueryRow(ctx, assetColumns+`
		WHERE tenant_id = $1 AND brand_id = $2 AND content_sha256 = $3`, tenantID, brandID, sha)
	asset, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Asset{}, false, nil
	}
	if err != nil {
		return Asset{}, false, faults.Transientf("knowledge.lookup", "find asset: %v", err)
	}
	return asset, true, nil
}

// CreateAsset inserts a pending asset and its queued job in one
// transaction, returning both.
func (s *Store) CreateAsset(ctx context.Context, asset Asset) (Asset, Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Asset{}, Job{}, faults.Transientf("knowledge.begin", "begin tx: %v", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO knowledge_assets (id, tenant_id, brand_id, object_key, title, content_sha256, tags, visibility, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
		RETURNING id, tenant_id, brand_id, object_key, title, content_sha256, tags, visibility, status, created_at, updated_at`,
		asset.ID, asset.TenantID, asset.BrandID, asset.ObjectKey, asset.Title,
		asset.ContentSHA256, asset.Tags, asset.Visibility)
	created, err := scanAsset(row)
	if err != nil {
		return Asset{}, Job{}, faults.Transientf("knowledge.create", "create asset: %v", err)
	}

	jobRow := tx.QueryRow(ctx, `
		INSERT INTO ingestion_jobs (asset_id, status) VALUES ($1, 'queued')
		RETURNING id, asset_id, status, attempts, total_chunks, processed_chunks, failure_reason, logs, created_at, updated_at`,
		created.ID)
	job, err := scanJob(jobRow)
	if err != nil {
		return Asset{}, Job{}, faults.Transientf("knowledge.job", "create job: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Asset{}, Job{}, faults.Transientf("knowledge.commit", "commit: %v", err)
	}
	return created, job, nil
}

// GetAsset loads an asset, enforcing the tenant boundary.
func (s *Store) GetAsset(ctx context.Context, tenantID, assetID string) (Asset, error) {
	row := s.pool.QueryRow(ctx, assetColumns+` WHERE id = $1 AND tenant_id = $2`, assetID, tenantID)
	asset, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Asset{}, faults.NotFoundf("knowledge.missing", "asset %s not found", assetID)
	}
	if err != nil {
		return Asset{}, faults.Transientf("knowledge.load", "load asset: %v", err)
	}
	return asset, nil
}

// SetAssetStatus advances an asset's status. Transitions are forward-only;
// failed→pending is permitted for explicit retries.
func (s *Store) SetAssetStatus(ctx context.Context, assetID string, from []AssetStatus, to AssetStatus) error {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE knowledge_assets SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)`, assetID, to, states)
	if err != nil {
		return faults.Transientf("knowledge.status", "set asset status: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return faults.Conflictf("knowledge.transition", "asset %s cannot move to %s", assetID, to)
	}
	return nil
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	row := s.pool.QueryRow(ctx, jobColumns+` WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, faults.NotFoundf("knowledge.job_missing", "job %s not found", jobID)
	}
	if err != nil {
		return Job{}, faults.Transientf("knowledge.job_load", "load job: %v", err)
	}
	return job, nil
}

// ListJobs pages a tenant's jobs newest first.
func (s *Store) ListJobs(ctx context.Context, tenantID string, limit, offset int) ([]Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT j.id, j.asset_id, j.status, j.attempts, j.total_chunks, j.processed_chunks, j.failure_reason, j.logs, j.created_at, j.updated_at
		FROM ingestion_jobs j
		JOIN knowledge_assets a ON a.id = j.asset_id
		WHERE a.tenant_id = $1
		ORDER BY j.created_at DESC LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, faults.Transientf("knowledge.jobs", "list jobs: %v", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, faults.Transientf("knowledge.jobs", "scan job: %v", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkJobRunning claims the job, incrementing attempts. Terminal jobs are
// not claimable.
func (s *Store) MarkJobRunning(ctx context.Context, jobID string) (Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE ingestion_jobs
		SET status = 'running', attempts = attempts + 1, updated_at = now()
		WHERE id = $1 AND status IN ('queued','running')
		RETURNING id, asset_id, status, attempts, total_chunks, processed_chunks, failure_reason, logs, created_at, updated_at`,
		jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, faults.Conflictf("knowledge.job_terminal", "job %s is not claimable", jobID)
	}
	if err != nil {
		return Job{}, faults.Transientf("knowledge.job_claim", "claim job: %v", err)
	}
	return job, nil
}

// SetJobProgress records progressive chunk counts.
func (s *Store) SetJobProgress(ctx context.Context, jobID string, processed, total int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingestion_jobs SET processed_chunks = $2, total_chunks = $3, updated_at = now()
		WHERE id = $1`, jobID, processed, total)
	if err != nil {
		return faults.Transientf("knowledge.progress", "set progress: %v", err)
	}
	return nil
}

// FinishJob moves a running job to status (a terminal status, or queued
// after a transient failure) with an optional failure reason and log line.
func (s *Store) FinishJob(ctx context.Context, jobID string, status JobStatus, failureReason, logLine string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingestion_jobs
		SET status = $2,
		    failure_reason = NULLIF($3, ''),
		    logs = logs || to_jsonb($4::text),
		    updated_at = now()
		WHERE id = $1 AND status = 'running'`, jobID, status, failureReason, logLine)
	if err != nil {
		return faults.Transientf("knowledge.finish", "finish job: %v", err)
	}
	return nil
}

// RequeueJob resets a failed job for explicit retry: attempts back to zero,
// status queued, and the asset returned to pending.
func (s *Store) RequeueJob(ctx context.Context, tenantID, jobID string) (Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Job{}, faults.Transientf("knowledge.begin", "begin tx: %v", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE ingestion_jobs j
		SET status = 'queued', attempts = 0, failure_reason = NULL, processed_chunks = 0, updated_at = now()
		FROM knowledge_assets a
		WHERE j.id = $1 AND j.status = 'failed' AND a.id = j.asset_id AND a.tenant_id = $2
		RETURNING j.id, j.asset_id, j.status, j.attempts, j.total_chunks, j.processed_chunks, j.failure_reason, j.logs, j.created_at, j.updated_at`,
		jobID, tenantID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, faults.Conflictf("knowledge.not_retryable", "job %s is not in a retryable state", jobID)
	}
	if err != nil {
		return Job{}, faults.Transientf("knowledge.requeue", "requeue job: %v", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE knowledge_assets SET status = 'pending', updated_at = now()
		WHERE id = $1 AND status = 'failed'`, job.AssetID); err != nil {
		return Job{}, faults.Transientf("knowledge.requeue", "reset asset: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, faults.Transientf("knowledge.commit", "commit: %v", err)
	}
	return job, nil
}

const assetColumns = `
	SELECT id, tenant_id, brand_id, object_key, title, content_sha256, tags, visibility, status, created_at, updated_at
	FROM knowledge_assets`

const jobColumns = `
	SELECT id, asset_id, status, attempts, total_chunks, processed_chunks, failure_reason, logs, created_at, updated_at
	FROM ingestion_jobs`

func scanAsset(row pgx.Row) (Asset, error) {
	var a Asset
	err := row.Scan(&a.ID, &a.TenantID, &a.BrandID, &a.ObjectKey, &a.Title,
		&a.ContentSHA256, &a.Tags, &a.Visibility, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	var failureReason pgtype.Text
	var logs []byte
	err := row.Scan(&j.ID, &j.AssetID, &j.Status, &j.Attempts, &j.TotalChunks,
		&j.ProcessedChunks, &failureReason, &logs, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return Job{}, err
	}
	j.FailureReason = failureReason.String
	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &j.Logs); err != nil {
			return Job{}, fmt.Errorf("decode job logs: %w", err)
		}
	}
	return j, nil
}
