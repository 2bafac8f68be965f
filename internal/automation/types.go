package automation

import (
	"encoding/json"
	"time"
)

// TriggerType selects how a rule fires.
type TriggerType string

const (
	TriggerEvent TriggerType = "event"
	TriggerCron  TriggerType = "cron"
)

// ActionType selects the connector used to execute a rule.
type ActionType string

const (
	ActionWebhook ActionType = "webhook"
	ActionCRM     ActionType = "crm"
	ActionEmail   ActionType = "email"
)

// JobStatus tracks one automation execution.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobSkipped   JobStatus = "skipped"
)

// Rule is one automation definition.
type Rule struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenant_id"`
	BrandID            string          `json:"brand_id"`
	Name               string          `json:"name"`
	TriggerType        TriggerType     `json:"trigger_type"`
	TriggerEvent       string          `json:"trigger_event,omitempty"`
	ScheduleExpression string          `json:"schedule_expression,omitempty"`
	Condition          map[string]string `json:"condition,omitempty"`
	ActionType         ActionType      `json:"action_type"`
	ActionPayload      json.RawMessage `json:"action_payload"`
	ThrottleSeconds    int             `json:"throttle_seconds"`
	MaxRetries         int             `json:"max_retries"`
	Active             bool            `json:"active"`
	LastRunAt          *time.Time      `json:"last_run_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Job is one queued or executed automation run.
type Job struct {
	ID            string            `json:"id"`
	RuleID        string            `json:"rule_id"`
	TenantID      string            `json:"tenant_id"`
	Status        JobStatus         `json:"status"`
	Attempts      int               `json:"attempts"`
	ScheduledFor  time.Time         `json:"scheduled_for"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	Payload       map[string]string `json:"payload,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
