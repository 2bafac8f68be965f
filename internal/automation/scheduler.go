package automation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler owns the cron trigger family: it keeps one cron entry per
// active scheduled rule, refreshing the rule set every minute, and enqueues
// an AutomationJob when an entry fires.
type Scheduler struct {
	store  *Store
	logger *slog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler; Start must be called to begin firing.
func NewScheduler(log *slog.Logger, store *Store) *Scheduler {
	return &Scheduler{
		store:   store,
		logger:  log.With(slog.String("service", "automation_scheduler")),
		cron:    cron.New(cron.WithLocation(time.UTC)),
		entries: map[string]cron.EntryID{},
	}
}

// Start loads rules, begins the cron loop, and refreshes entries each
// minute until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.refresh(ctx)
	s.cron.Start()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				stopCtx := s.cron.Stop()
				<-stopCtx.Done()
				return
			case <-ticker.C:
				s.refresh(ctx)
			}
		}
	}()
}

// refresh reconciles cron entries against the active rule set.
func (s *Scheduler) refresh(ctx context.Context) {
	rules, err := s.store.ActiveCronRules(ctx)
	if err != nil {
		s.logger.Warn("rule refresh failed", slog.Any("error", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	for _, rule := range rules {
		seen[rule.ID] = true
		if _, ok := s.entries[rule.ID]; ok {
			continue
		}
		ruleID := rule.ID
		entryID, err := s.cron.AddFunc(rule.ScheduleExpression, func() {
			s.fire(ruleID)
		})
		if err != nil {
			s.logger.Warn("invalid schedule expression",
				slog.String("rule_id", rule.ID), slog.String("expression", rule.ScheduleExpression))
			continue
		}
		s.entries[rule.ID] = entryID
	}

	for ruleID, entryID := range s.entries {
		if !seen[ruleID] {
			s.cron.Remove(entryID)
			delete(s.entries, ruleID)
		}
	}
}

// fire enqueues one job for a scheduled rule. The worker re-checks active
// and throttle state at execution time.
func (s *Scheduler) fire(ruleID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rule, err := s.store.LoadRule(ctx, ruleID)
	if err != nil || !rule.Active {
		return
	}
	if _, err := s.store.EnqueueJob(ctx, rule, map[string]string{"trigger": "schedule"}, time.Now().UTC()); err != nil {
		s.logger.Warn("schedule enqueue failed",
			slog.String("rule_id", ruleID), slog.Any("error", err))
		return
	}
	s.logger.Debug("scheduled rule fired", slog.String("rule_id", ruleID))
}
