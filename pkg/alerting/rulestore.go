package alerting

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsignal/alerting-engine/pkg/logging"
)

// RuleStore holds alert rule definitions. All mutations validate the
// rule before it can reach the evaluator.
type RuleStore struct {
	logger *logging.StructuredLogger

	mu    sync.RWMutex
	rules map[string]*AlertRule
}

// NewRuleStore creates an empty rule store.
func NewRuleStore(logger *logging.StructuredLogger) *RuleStore {
	return &RuleStore{
		logger: logger.WithComponent("rule-store"),
		rules:  make(map[string]*AlertRule),
	}
}

// RuleOptions carries the common fields shared by every rule constructor.
type RuleOptions struct {
	Name       string
	Category   Category
	Level      Level
	Priority   Priority
	Source     string
	Escalation *EscalationConfig
	Tags       []string
}

// NewThresholdRule creates and registers a threshold rule.
func (rs *RuleStore) NewThresholdRule(opts RuleOptions, metric string, op Operator, threshold float64) (*AlertRule, error) {
	return rs.create(opts, RuleTypeThreshold, &ThresholdSpec{
		Metric:    metric,
		Operator:  op,
		Threshold: threshold,
	})
}

// NewTrendRule creates and registers a trend rule. A windowSize of 0
// falls back to the default 10-point window.
func (rs *RuleStore) NewTrendRule(opts RuleOptions, metric string, windowSize int, trendThreshold float64) (*AlertRule, error) {
	if windowSize == 0 {
		windowSize = defaultTrendWindow
	}
	return rs.create(opts, RuleTypeTrend, &TrendSpec{
		Metric:         metric,
		WindowSize:     windowSize,
		TrendThreshold: trendThreshold,
	})
}

// NewCompositeRule creates and registers a composite rule.
func (rs *RuleStore) NewCompositeRule(opts RuleOptions, logic CompositeLogic, conditions []SubCondition) (*AlertRule, error) {
	return rs.create(opts, RuleTypeComposite, &CompositeSpec{
		Logic:      logic,
		Conditions: conditions,
	})
}

// NewFrequencyRule creates and registers a frequency rule.
func (rs *RuleStore) NewFrequencyRule(opts RuleOptions, threshold, timeWindowMinutes int) (*AlertRule, error) {
	return rs.create(opts, RuleTypeFrequency, &FrequencySpec{
		Threshold:         threshold,
		TimeWindowMinutes: timeWindowMinutes,
	})
}

// NewAnomalyRule creates and registers an anomaly rule. Zero windowSize
// and minSamples fall back to defaults (30 / 5).
func (rs *RuleStore) NewAnomalyRule(opts RuleOptions, metric string, windowSize, minSamples int, sensitivity float64) (*AlertRule, error) {
	if windowSize == 0 {
		windowSize = defaultAnomalyWindow
	}
	if minSamples == 0 {
		minSamples = defaultAnomalyMinSamples
	}
	return rs.create(opts, RuleTypeAnomaly, &AnomalySpec{
		Metric:      metric,
		WindowSize:  windowSize,
		MinSamples:  minSamples,
		Sensitivity: sensitivity,
	})
}

func (rs *RuleStore) create(opts RuleOptions, kind RuleType, spec RuleSpec) (*AlertRule, error) {
	now := time.Now()
	rule := &AlertRule{
		ID:         uuid.New().String(),
		Name:       opts.Name,
		Category:   opts.Category,
		Type:       kind,
		Level:      opts.Level,
		Priority:   opts.Priority,
		Enabled:    true,
		Source:     opts.Source,
		Spec:       spec,
		Escalation: opts.Escalation,
		Tags:       opts.Tags,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := rule.Validate(); err != nil {
		return nil, err
	}

	rs.mu.Lock()
	rs.rules[rule.ID] = rule
	rs.mu.Unlock()

	rs.logger.InfoWithContext("Alert rule created",
		"rule_id", rule.ID,
		"rule_name", rule.Name,
		"rule_type", string(rule.Type),
	)
	return rule, nil
}

// Get returns the rule with the given id.
func (rs *RuleStore) Get(id string) (*AlertRule, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	rule, ok := rs.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return rule, nil
}

// List returns all rules; with enabledOnly set, only enabled ones.
func (rs *RuleStore) List(enabledOnly bool) []*AlertRule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	rules := make([]*AlertRule, 0, len(rs.rules))
	for _, rule := range rs.rules {
		if enabledOnly && !rule.Enabled {
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}

// SetEnabled flips a rule's enabled flag.
func (rs *RuleStore) SetEnabled(id string, enabled bool) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rule, ok := rs.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	rule.Enabled = enabled
	rule.UpdatedAt = time.Now()
	return nil
}

// Update replaces a rule's mutable fields after validating the result.
func (rs *RuleStore) Update(rule *AlertRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: update requires a rule with an id", ErrInvalidRule)
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	existing, ok := rs.rules[rule.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	rs.rules[rule.ID] = rule

	rs.logger.InfoWithContext("Alert rule updated", "rule_id", rule.ID, "rule_name", rule.Name)
	return nil
}

// Delete removes a rule.
func (rs *RuleStore) Delete(id string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if _, ok := rs.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(rs.rules, id)

	rs.logger.InfoWithContext("Alert rule deleted", "rule_id", id)
	return nil
}

// Count returns the number of stored rules.
func (rs *RuleStore) Count() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}
