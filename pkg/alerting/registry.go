package alerting

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opsignal/alerting-engine/pkg/logging"
)

// defaultHistoryCapacity bounds the total alert history kept in memory.
const defaultHistoryCapacity = 10000

// AlertRegistry owns alerts after creation and drives their lifecycle:
// ACTIVE -> ACKNOWLEDGED -> RESOLVED (terminal), with ACTIVE also able
// to move to ESCALATED (scheduler) or SUPPRESSED (explicit silence).
type AlertRegistry struct {
	logger  *logging.StructuredLogger
	metrics *EngineMetrics

	mu       sync.RWMutex
	alerts   map[string]*Alert
	active   map[string]*Alert
	history  []*Alert // insertion order, oldest first, capacity bounded
	capacity int
}

// NewAlertRegistry creates a registry with the default history capacity.
func NewAlertRegistry(metrics *EngineMetrics, logger *logging.StructuredLogger) *AlertRegistry {
	return &AlertRegistry{
		logger:   logger.WithComponent("alert-registry"),
		metrics:  metrics,
		alerts:   make(map[string]*Alert),
		active:   make(map[string]*Alert),
		capacity: defaultHistoryCapacity,
	}
}

// Insert stores a freshly created alert. Duplicate ids are rejected;
// alert ids are unique and immutable.
func (r *AlertRegistry) Insert(alert *Alert) error {
	if alert == nil || alert.ID == "" {
		return fmt.Errorf("alert requires an id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.alerts[alert.ID]; exists {
		return fmt.Errorf("alert id already registered: %s", alert.ID)
	}

	r.alerts[alert.ID] = alert
	if alert.Status == StatusActive || alert.Status == StatusEscalated {
		r.active[alert.ID] = alert
	}

	r.history = append(r.history, alert)
	if len(r.history) > r.capacity {
		evicted := r.history[0]
		r.history = r.history[1:]
		// Evicted alerts leave the lookup maps too, so memory stays
		// bounded under sustained alert volume.
		delete(r.alerts, evicted.ID)
		delete(r.active, evicted.ID)
	}

	r.updateGaugeLocked()
	return nil
}

// Get returns a copy of the alert with the given id.
func (r *AlertRegistry) Get(id string) (*Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	alert, ok := r.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return cloneAlert(alert), nil
}

// cloneAlert takes a point-in-time copy under the registry lock. Read
// accessors hand out copies so analysis and scheduler scans never race
// with lifecycle mutations of the registry-owned alert.
func cloneAlert(a *Alert) *Alert {
	c := *a
	return &c
}

// Acknowledge marks an alert acknowledged. Unknown ids yield
// ErrAlertNotFound; resolved alerts cannot be re-acknowledged.
func (r *AlertRegistry) Acknowledge(id, by string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	alert, ok := r.alerts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if alert.Status == StatusResolved {
		return fmt.Errorf("alert %s is already resolved", id)
	}

	now := time.Now()
	alert.Status = StatusAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = by

	r.logger.InfoWithContext("Alert acknowledged", "alert_id", id, "by", by)
	return nil
}

// Resolve terminally resolves an alert and removes it from the active
// set. Unknown ids yield ErrAlertNotFound.
func (r *AlertRegistry) Resolve(id, by, notes string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	alert, ok := r.alerts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if alert.Status == StatusResolved {
		return fmt.Errorf("alert %s is already resolved", id)
	}

	now := time.Now()
	alert.Status = StatusResolved
	alert.ResolvedAt = &now
	alert.ResolvedBy = by
	alert.ResolutionNotes = notes
	delete(r.active, id)

	r.updateGaugeLocked()
	r.logger.InfoWithContext("Alert resolved", "alert_id", id, "by", by)
	return nil
}

// Suppress silences an active alert until the given time.
func (r *AlertRegistry) Suppress(id string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	alert, ok := r.alerts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if alert.Status != StatusActive && alert.Status != StatusEscalated {
		return fmt.Errorf("alert %s is %s, only active alerts can be suppressed", id, alert.Status)
	}

	alert.Status = StatusSuppressed
	alert.SuppressedUntil = &until
	delete(r.active, id)

	r.updateGaugeLocked()
	r.logger.InfoWithContext("Alert suppressed", "alert_id", id, "until", until)
	return nil
}

// Escalate bumps an active alert's escalation level and marks it
// ESCALATED. Called by the escalation scheduler.
func (r *AlertRegistry) Escalate(id string, level int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	alert, ok := r.alerts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if alert.Status != StatusActive && alert.Status != StatusEscalated {
		return fmt.Errorf("alert %s is %s, cannot escalate", id, alert.Status)
	}

	now := time.Now()
	alert.Status = StatusEscalated
	alert.EscalationLevel = level
	alert.EscalatedAt = &now

	if r.metrics != nil {
		r.metrics.Escalations.Inc()
	}
	r.logger.WarnWithContext("Alert escalated", "alert_id", id, "escalation_level", level)
	return nil
}

// ReviveExpiredSuppressions returns suppressed alerts whose silence
// window has passed to the active set, and reports how many it revived.
func (r *AlertRegistry) ReviveExpiredSuppressions(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	revived := 0
	for _, a := range r.alerts {
		if a.Status != StatusSuppressed || a.SuppressedUntil == nil {
			continue
		}
		if now.Before(*a.SuppressedUntil) {
			continue
		}
		a.Status = StatusActive
		a.SuppressedUntil = nil
		r.active[a.ID] = a
		revived++
	}
	if revived > 0 {
		r.updateGaugeLocked()
	}
	return revived
}

// RecordNotification appends a notification record id to the alert's
// delivery trail.
func (r *AlertRegistry) RecordNotification(alertID, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	alert, ok := r.alerts[alertID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	alert.NotificationsSent = append(alert.NotificationsSent, recordID)
	return nil
}

// Active returns copies of the alerts currently in the active set.
func (r *AlertRegistry) Active() []*Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Alert, 0, len(r.active))
	for _, a := range r.active {
		out = append(out, cloneAlert(a))
	}
	return out
}

// Recent returns alerts created within the trailing window, newest
// last, capped at max (0 means no cap).
func (r *AlertRegistry) Recent(window time.Duration, max int) []*Alert {
	cutoff := time.Now().Add(-window)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Alert
	for _, a := range r.history {
		if a.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneAlert(a))
	}
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// QueryFilter selects alerts for Query.
type QueryFilter struct {
	Category Category // empty matches all
	Level    Level    // empty matches all
	Status   Status   // empty matches all
	Limit    int      // 0 means no limit
	Offset   int
}

// Query returns alerts matching the filter, sorted by priority
// descending then creation time descending, with pagination applied.
func (r *AlertRegistry) Query(filter QueryFilter) []*Alert {
	r.mu.RLock()
	matched := make([]*Alert, 0, len(r.history))
	for _, a := range r.history {
		if filter.Category != "" && a.Category != filter.Category {
			continue
		}
		if filter.Level != "" && a.Level != filter.Level {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneAlert(a))
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		pi, pj := priorityRank(matched[i].Priority), priorityRank(matched[j].Priority)
		if pi != pj {
			return pi > pj
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched
}

// Counts returns total and active alert counts plus per-level and
// per-category breakdowns of the retained history.
func (r *AlertRegistry) Counts() ReportSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary := ReportSummary{
		TotalAlerts:  len(r.history),
		ActiveAlerts: len(r.active),
		ByLevel:      make(map[Level]int),
		ByCategory:   make(map[Category]int),
	}
	for _, a := range r.history {
		summary.ByLevel[a.Level]++
		summary.ByCategory[a.Category]++
	}
	return summary
}

func (r *AlertRegistry) updateGaugeLocked() {
	if r.metrics != nil {
		r.metrics.ActiveAlerts.Set(float64(len(r.active)))
	}
}
