package alerting

import (
	"context"
	"errors"
	"time"

	"github.com/opsignal/alerting-engine/pkg/logging"
)

// EscalationNotifier is called when the scheduler escalates an alert,
// so the dispatcher can re-notify at elevated priority.
type EscalationNotifier func(alert *Alert)

// EscalationScheduler periodically scans active alerts whose rules
// carry an enabled escalation config and bumps their escalation level
// once the configured time at the current level has elapsed.
type EscalationScheduler struct {
	logger   *logging.StructuredLogger
	store    *RuleStore
	registry *AlertRegistry
	interval time.Duration
	notify   EscalationNotifier

	now func() time.Time
}

// NewEscalationScheduler creates a scheduler. interval <= 0 falls back
// to one minute. notify may be nil.
func NewEscalationScheduler(store *RuleStore, registry *AlertRegistry, interval time.Duration,
	notify EscalationNotifier, logger *logging.StructuredLogger) *EscalationScheduler {

	if interval <= 0 {
		interval = time.Minute
	}
	return &EscalationScheduler{
		logger:   logger.WithComponent("escalation-scheduler"),
		store:    store,
		registry: registry,
		interval: interval,
		notify:   notify,
		now:      time.Now,
	}
}

// Run executes the scheduler loop until the context is cancelled.
func (es *EscalationScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(es.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			es.Sweep()
		}
	}
}

// Sweep performs one scheduler pass: revives expired suppressions and
// escalates overdue active alerts.
func (es *EscalationScheduler) Sweep() {
	now := es.now()

	revived := es.registry.ReviveExpiredSuppressions(now)
	if revived > 0 {
		es.logger.InfoWithContext("Suppression windows expired", "revived", revived)
	}

	for _, alert := range es.registry.Active() {
		rule, err := es.store.Get(alert.RuleID)
		if err != nil {
			if !errors.Is(err, ErrRuleNotFound) {
				es.logger.WarnWithContext("Rule lookup failed during escalation sweep",
					"alert_id", alert.ID, "rule_id", alert.RuleID)
			}
			continue
		}

		cfg := rule.Escalation
		if cfg == nil || !cfg.Enabled || len(cfg.LevelTimeouts) == 0 {
			continue
		}
		if alert.EscalationLevel >= cfg.MaxLevel {
			continue
		}

		// Time at the current level counts from the last escalation,
		// or from creation for level zero.
		since := alert.CreatedAt
		if alert.EscalatedAt != nil {
			since = *alert.EscalatedAt
		}

		idx := alert.EscalationLevel
		if idx >= len(cfg.LevelTimeouts) {
			idx = len(cfg.LevelTimeouts) - 1
		}
		if now.Sub(since) < cfg.LevelTimeouts[idx] {
			continue
		}

		newLevel := alert.EscalationLevel + 1
		if err := es.registry.Escalate(alert.ID, newLevel); err != nil {
			continue
		}
		// Active hands out copies; stamp the bump before re-notifying.
		alert.Status = StatusEscalated
		alert.EscalationLevel = newLevel
		if es.notify != nil {
			es.notify(alert)
		}
	}
}
