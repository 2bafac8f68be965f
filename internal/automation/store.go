package automation

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
	"github.com/robfig/cron/v3"

	"github.com/conversehq/converse/internal/faults"
)

// Store persists automation rules and jobs.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates the automation store.
func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, logger: log.With(slog.String("service", "automation"))}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CreateRule validates and inserts a rule.
func (s *Store) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	if rule.TriggerType == TriggerCron {
		if _, err := cronParser.Parse(rule.ScheduleExpression); err != nil {
			return Rule{}, faults.Validationf("automation.schedule", "invalid schedule expression: %v", err)
		}
	} else if rule.TriggerType == TriggerEvent && rule.TriggerEvent == "" {
		return Rule{}, faults.Validationf("automation.trigger", "event trigger requires a trigger event")
	}
	switch rule.ActionType {
	case ActionWebhook, ActionCRM, ActionEmail:
	default:
		return Rule{}, faults.Validationf("automation.action", "unknown action type %q", rule.ActionType)
	}
	if rule.MaxRetries <= 0 {
		rule.MaxRetries = 3
	}
	if len(rule.ActionPayload) == 0 {
		rule.ActionPayload = json.RawMessage("{}")
	}
	condition, err := json.Marshal(nonNilMap(rule.Condition))
	if err != nil {
		return Rule{}, fmt.Errorf("marshal condition: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO automation_rules (tenant_id, brand_id, name, trigger_type, trigger_event, schedule_expression,
		                              condition, action_type, action_payload, throttle_seconds, max_retries, active)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), NULLIF($6,''), $7, $8, $9, $10, $11, $12)
		RETURNING id, tenant_id, brand_id, name, trigger_type, trigger_event, schedule_expression,
		          condition, action_type, action_payload, throttle_seconds, max_retries, active, last_run_at, created_at`,
		rule.TenantID, rule.BrandID, rule.Name, rule.TriggerType, rule.TriggerEvent, rule.ScheduleExpression,
		condition, rule.ActionType, []byte(rule.ActionPayload), rule.ThrottleSeconds, rule.MaxRetries, rule.Active)
	created, err := scanRule(row)
	if err != nil {
		return Rule{}, faults.Transientf("automation.create", "create rule: %v", err)
	}
	return created, nil
}

// GetRule loads one rule scoped to a tenant.
func (s *Store) GetRule(ctx context.Context, tenantID, ruleID string) (Rule, error) {
	row := s.pool.QueryRow(ctx, ruleColumns+` WHERE id = $1 AND tenant_id = $2`, ruleID, tenantID)
	rule, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rule{}, faults.NotFoundf("automation.rule_missing", "rule %s not found", ruleID)
	}
	if err != nil {
		return Rule{}, faults.Transientf("automation.rule_load", "load rule: %v", err)
	}
	return rule, nil
}

// LoadRule loads a rule without tenant scoping; used by the worker, which
// re-checks tenancy against the job row.
func (s *Store) LoadRule(ctx context.Context, ruleID string) (Rule, error) {
	row := s.pool.QueryRow(ctx, ruleColumns+` WHERE id = $1`, ruleID)
	rule, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rule{}, faults.NotFoundf("automation.rule_missing", "rule %s not found", ruleID)
	}
	if err != nil {
		return Rule{}, faults.Transientf("automation.rule_load", "load rule: %v", err)
	}
	return rule, nil
}

// ActiveCronRules returns active rules with a schedule expression.
func (s *Store) ActiveCronRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.pool.Query(ctx, ruleColumns+`
		WHERE active AND trigger_type = 'cron' AND schedule_expression IS NOT NULL`)
	if err != nil {
		return nil, faults.Transientf("automation.rules", "list cron rules: %v", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// ActiveEventRules returns active rules listening for the given event type.
func (s *Store) ActiveEventRules(ctx context.Context, eventType string) ([]Rule, error) {
	rows, err := s.pool.Query(ctx, ruleColumns+`
		WHERE active AND trigger_type = 'event' AND trigger_event = $1`, eventType)
	if err != nil {
		return nil, faults.Transientf("automation.rules", "list event rules: %v", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// SetRuleActive pauses or resumes a rule.
func (s *Store) SetRuleActive(ctx context.Context, tenantID, ruleID string, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE automation_rules SET active = $3, updated_at = now()
		WHERE id = $1 AND tenant_id = $2`, ruleID, tenantID, active)
	if err != nil {
		return faults.Transientf("automation.toggle", "toggle rule: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return faults.NotFoundf("automation.rule_missing", "rule %s not found", ruleID)
	}
	return nil
}

// TouchRuleLastRun advances last_run_at; called only on success.
func (s *Store) TouchRuleLastRun(ctx context.Context, ruleID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE automation_rules SET last_run_at = $2, updated_at = now() WHERE id = $1`, ruleID, at)
	if err != nil {
		return faults.Transientf("automation.touch", "touch rule: %v", err)
	}
	return nil
}

// EnqueueJob inserts a pending job for a rule.
func (s *Store) EnqueueJob(ctx context.Context, rule Rule, payload map[string]string, scheduledFor time.Time) (Job, error) {
	payloadBytes, err := json.Marshal(nonNilMap(payload))
	if err != nil {
		return Job{}, fmt.Errorf("marshal job payload: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO automation_jobs (rule_id, tenant_id, status, scheduled_for, payload)
		VALUES ($1, $2, 'pending', $3, $4)
		RETURNING id, rule_id, tenant_id, status, attempts, scheduled_for, started_at, completed_at, payload, failure_reason, created_at`,
		rule.ID, rule.TenantID, scheduledFor, payloadBytes)
	job, err := scanJob(row)
	if err != nil {
		return Job{}, faults.Transientf("automation.enqueue", "enqueue job: %v", err)
	}
	return job, nil
}

// ClaimDueJobs atomically moves due pending jobs to running and returns
// them, bounded by limit. Claimed jobs record their start time and attempt.
func (s *Store) ClaimDueJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE automation_jobs
		SET status = 'running', attempts = attempts + 1, started_at = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM automation_jobs
			WHERE status = 'pending' AND scheduled_for <= now()
			ORDER BY scheduled_for
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, rule_id, tenant_id, status, attempts, scheduled_for, started_at, completed_at, payload, failure_reason, created_at`,
		limit)
	if err != nil {
		return nil, faults.Transientf("automation.claim", "claim jobs: %v", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, faults.Transientf("automation.claim", "scan job: %v", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// FinishJob records a job outcome.
func (s *Store) FinishJob(ctx context.Context, jobID string, status JobStatus, failureReason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE automation_jobs
		SET status = $2, failure_reason = NULLIF($3, ''), completed_at = now(), updated_at = now()
		WHERE id = $1`, jobID, status, failureReason)
	if err != nil {
		return faults.Transientf("automation.finish", "finish job: %v", err)
	}
	return nil
}

// RescheduleJob returns a failed attempt to pending with a new due time.
func (s *Store) RescheduleJob(ctx context.Context, jobID string, at time.Time, failureReason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE automation_jobs
		SET status = 'pending', scheduled_for = $2, failure_reason = NULLIF($3, ''), updated_at = now()
		WHERE id = $1`, jobID, at, failureReason)
	if err != nil {
		return faults.Transientf("automation.reschedule", "reschedule job: %v", err)
	}
	return nil
}

// ListJobs pages a tenant's jobs newest first.
func (s *Store) ListJobs(ctx context.Context, tenantID string, limit, offset int) ([]Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, rule_id, tenant_id, status, attempts, scheduled_for, started_at, completed_at, payload, failure_reason, created_at
		FROM automation_jobs WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, faults.Transientf("automation.jobs", "list jobs: %v", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, faults.Transientf("automation.jobs", "scan job: %v", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// PendingCount returns pending jobs per tenant for the queue depth gauge.
func (s *Store) PendingCount(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, COUNT(*) FROM automation_jobs WHERE status = 'pending' GROUP BY tenant_id`)
	if err != nil {
		return nil, faults.Transientf("automation.depth", "count pending: %v", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var tenantID string
		var count int
		if err := rows.Scan(&tenantID, &count); err != nil {
			return nil, err
		}
		counts[tenantID] = count
	}
	return counts, rows.Err()
}

const ruleColumns = `
	SELECT id, tenant_id, brand_id, name, trigger_type, trigger_event, schedule_expression,
	       condition, action_type, action_payload, throttle_seconds, max_retries, active, last_run_at, created_at
	FROM automation_rules`

func collectRules(rows pgx.Rows) ([]Rule, error) {
	var rules []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func scanRule(row pgx.Row) (Rule, error) {
	var r Rule
	var triggerEvent, schedule pgtype.Text
	var condition, actionPayload []byte
	var lastRunAt pgtype.Timestamptz
	err := row.Scan(&r.ID, &r.TenantID, &r.BrandID, &r.Name, &r.TriggerType, &triggerEvent, &schedule,
		&condition, &r.ActionType, &actionPayload, &r.ThrottleSeconds, &r.MaxRetries, &r.Active, &lastRunAt, &r.CreatedAt)
	if err != nil {
		return Rule{}, err
	}
	r.TriggerEvent = triggerEvent.String
	r.ScheduleExpression = schedule.String
	r.ActionPayload = json.RawMessage(actionPayload)
	if len(condition) > 0 {
		if err := json.Unmarshal(condition, &r.Condition); err != nil {
			return Rule{}, fmt.Errorf("decode rule condition: %w", err)
		}
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		r.LastRunAt = &t
	}
	return r, nil
}

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	var startedAt, completedAt pgtype.Timestamptz
	var payload []byte
	var failureReason pgtype.Text
	err := row.Scan(&j.ID, &j.RuleID, &j.TenantID, &j.Status, &j.Attempts, &j.ScheduledFor,
		&startedAt, &completedAt, &payload, &failureReason, &j.CreatedAt)
	if err != nil {
		return Job{}, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return Job{}, fmt.Errorf("decode job payload: %w", err)
		}
	}
	j.FailureReason = failureReason.String
	return j, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
