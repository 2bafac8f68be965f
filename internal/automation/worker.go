package automation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conversehq/converse/internal/automation/connectors"
	"github.com/conversehq/converse/internal/backoff"
	"github.com/conversehq/converse/internal/domain"
	"github.com/conversehq/converse/internal/faults"
	"github.com/conversehq/converse/internal/metrics"
)

// retrySchedule spaces automation retries; the per-rule max_retries caps
// total attempts.
var retrySchedule = backoff.Schedule{
	Base:   2 * time.Second,
	Factor: 2,
	Jitter: 0.25,
	Cap:    5 * time.Minute,
}

// Worker consumes pending automation jobs with bounded per-tenant
// concurrency and dispatches actions through the connector registry.
type Worker struct {
	store       *Store
	registry    *connectors.Registry
	logger      *slog.Logger
	perTenant   int
	pollEvery   time.Duration
	semaphores  sync.Map // tenant id -> chan struct{}
	wg          sync.WaitGroup
}

// NewWorker creates an automation worker.
func NewWorker(log *slog.Logger, store *Store, registry *connectors.Registry, perTenantConcurrency int) *Worker {
	if perTenantConcurrency <= 0 {
		perTenantConcurrency = 4
	}
	return &Worker{
		store:     store,
		registry:  registry,
		logger:    log.With(slog.String("service", "automation_worker")),
		perTenant: perTenantConcurrency,
		pollEvery: 5 * time.Second,
	}
}

// Run polls for due jobs until ctx is cancelled, then waits for in-flight
// executions to finish.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			w.reportQueueDepth(ctx)
			jobs, err := w.store.ClaimDueJobs(ctx, 20)
			if err != nil {
				w.logger.Warn("claim failed", slog.Any("error", err))
				continue
			}
			for _, job := range jobs {
				w.wg.Add(1)
				go func(job Job) {
					defer w.wg.Done()
					w.execute(ctx, job)
				}(job)
			}
		}
	}
}

func (w *Worker) reportQueueDepth(ctx context.Context) {
	counts, err := w.store.PendingCount(ctx)
	if err != nil {
		return
	}
	for tenantID, count := range counts {
		metrics.AutomationQueueDepth.WithLabelValues(tenantID).Set(float64(count))
	}
}

func (w *Worker) tenantSlot(tenantID string) chan struct{} {
	slot, _ := w.semaphores.LoadOrStore(tenantID, make(chan struct{}, w.perTenant))
	return slot.(chan struct{})
}

// execute runs one claimed job end to end.
func (w *Worker) execute(ctx context.Context, job Job) {
	slot := w.tenantSlot(job.TenantID)
	select {
	case slot <- struct{}{}:
		defer func() { <-slot }()
	case <-ctx.Done():
		// Shutting down; return the job to the queue for the next worker.
		w.store.RescheduleJob(context.Background(), job.ID, time.Now().UTC(), "worker shutdown")
		return
	}

	started := time.Now()
	defer func() {
		metrics.AutomationLatency.Observe(time.Since(started).Seconds())
	}()

	rule, err := w.store.LoadRule(ctx, job.RuleID)
	if err != nil {
		w.finish(ctx, job, JobCancelled, "rule missing")
		return
	}
	if rule.TenantID != job.TenantID {
		w.finish(ctx, job, JobCancelled, "tenant mismatch")
		return
	}
	if !rule.Active {
		w.finish(ctx, job, JobSkipped, "inactive")
		return
	}
	if throttled(rule, time.Now().UTC()) {
		w.finish(ctx, job, JobSkipped, "throttled")
		return
	}

	connector, err := w.registry.Get(string(rule.ActionType))
	if err != nil {
		w.fail(ctx, job, rule, err)
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, connectors.DefaultTimeout)
	_, err = connector.Invoke(execCtx, connectors.Request{
		TenantID: rule.TenantID,
		BrandID:  rule.BrandID,
		RuleID:   rule.ID,
		Payload:  rule.ActionPayload,
		Vars:     job.Payload,
	})
	cancel()

	if err != nil {
		w.fail(ctx, job, rule, err)
		return
	}

	now := time.Now().UTC()
	w.finish(ctx, job, JobSucceeded, "")
	if err := w.store.TouchRuleLastRun(ctx, rule.ID, now); err != nil {
		w.logger.Warn("last_run_at not advanced", slog.String("rule_id", rule.ID), slog.Any("error", err))
	}
	w.logger.Info("automation job succeeded",
		slog.String("job_id", job.ID), slog.String("rule_id", rule.ID))
}

// fail routes a connector error: transient errors retry with backoff until
// the rule's budget runs out, everything else is terminal.
func (w *Worker) fail(ctx context.Context, job Job, rule Rule, cause error) {
	metrics.AutomationFailures.WithLabelValues(job.TenantID).Inc()

	if faults.IsRetryable(cause) && job.Attempts < rule.MaxRetries {
		delay := retrySchedule.Delay(job.Attempts)
		next := time.Now().UTC().Add(delay)
		if err := w.store.RescheduleJob(ctx, job.ID, next, cause.Error()); err != nil {
			w.logger.Warn("reschedule failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		w.logger.Info("automation job rescheduled",
			slog.String("job_id", job.ID), slog.Int("attempt", job.Attempts), slog.Duration("delay", delay))
		return
	}

	w.finish(ctx, job, JobFailed, cause.Error())
	w.logger.Error("automation job failed",
		slog.String("job_id", job.ID), slog.String("rule_id", job.RuleID), slog.Any("error", cause))
}

func (w *Worker) finish(ctx context.Context, job Job, status JobStatus, reason string) {
	if err := w.store.FinishJob(ctx, job.ID, status, reason); err != nil {
		w.logger.Warn("job status not persisted",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// throttled reports whether the rule's throttle window is still open.
func throttled(rule Rule, now time.Time) bool {
	if rule.ThrottleSeconds <= 0 || rule.LastRunAt == nil {
		return false
	}
	return now.Sub(*rule.LastRunAt) < time.Duration(rule.ThrottleSeconds)*time.Second
}

// EventSubscriber matches domain events against event-triggered rules and
// enqueues jobs for the worker.
type EventSubscriber struct {
	store  *Store
	logger *slog.Logger
}

// NewEventSubscriber creates the subscriber.
func NewEventSubscriber(log *slog.Logger, store *Store) *EventSubscriber {
	return &EventSubscriber{
		store:  store,
		logger: log.With(slog.String("service", "automation_events")),
	}
}

// Handle enqueues one job per matching rule. Rules only match events from
// their own tenant, and conditions must all hold against the event payload.
func (s *EventSubscriber) Handle(ctx context.Context, event domain.Event) error {
	rules, err := s.store.ActiveEventRules(ctx, event.Type)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if rule.TenantID != event.TenantID {
			continue
		}
		if rule.BrandID != "" && event.BrandID != "" && rule.BrandID != event.BrandID {
			continue
		}
		if !conditionMatches(rule.Condition, event.Payload) {
			continue
		}

		payload := map[string]string{"trigger": "event", "event_type": event.Type, "event_id": event.ID}
		for key, value := range event.Payload {
			payload[key] = value
		}
		if _, err := s.store.EnqueueJob(ctx, rule, payload, time.Now().UTC()); err != nil {
			s.logger.Warn("event enqueue failed",
				slog.String("rule_id", rule.ID), slog.Any("error", err))
			continue
		}
		s.logger.Debug("event rule matched",
			slog.String("rule_id", rule.ID), slog.String("event_type", event.Type))
	}
	return nil
}

func conditionMatches(condition, payload map[string]string) bool {
	for key, want := range condition {
		if payload[key] != want {
			return false
		}
	}
	return true
}
