// Package alerting implements the core alert intelligence engine: rule
// evaluation over metric snapshots, alert lifecycle management, pattern
// recognition across alert history, heuristic root cause attribution and
// trend/pattern based alert forecasting.
package alerting

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by registry and store lookups.
var (
	ErrRuleNotFound  = errors.New("alert rule not found")
	ErrAlertNotFound = errors.New("alert not found")
	ErrInvalidRule   = errors.New("invalid alert rule")
)

// Category classifies what part of the system an alert concerns.
type Category string

const (
	CategorySystem      Category = "system"
	CategoryPerformance Category = "performance"
	CategorySecurity    Category = "security"
	CategoryBusiness    Category = "business"
	CategoryQuality     Category = "quality"
	CategoryCost        Category = "cost"
)

// Level represents alert severity.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// severityRank orders levels for cascade detection and sorting.
func severityRank(l Level) int {
	switch l {
	case LevelInfo:
		return 0
	case LevelWarning:
		return 1
	case LevelError:
		return 2
	case LevelCritical:
		return 3
	default:
		return -1
	}
}

// Priority drives notification urgency and query ordering.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func priorityRank(p Priority) int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return -1
	}
}

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusEscalated    Status = "escalated"
	StatusSuppressed   Status = "suppressed"
)

// RuleType identifies the evaluation strategy of a rule.
type RuleType string

const (
	RuleTypeThreshold RuleType = "threshold"
	RuleTypeTrend     RuleType = "trend"
	RuleTypeComposite RuleType = "composite"
	RuleTypeFrequency RuleType = "frequency"
	RuleTypeAnomaly   RuleType = "anomaly"
)

// Operator is a numeric comparison operator used by threshold and
// composite conditions.
type Operator string

const (
	OpGreaterThan  Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLessThan     Operator = "lt"
	OpLessEqual    Operator = "lte"
	OpEqual        Operator = "eq"
	OpNotEqual     Operator = "ne"
)

// Compare applies the operator to (value, threshold).
func (op Operator) Compare(value, threshold float64) bool {
	switch op {
	case OpGreaterThan:
		return value > threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLessThan:
		return value < threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	default:
		return false
	}
}

// Valid reports whether the operator is one of the supported six.
func (op Operator) Valid() bool {
	switch op {
	case OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

// RuleSpec is the type-specific condition payload of an AlertRule.
// Exactly one concrete spec type backs each rule; the evaluator
// dispatches on Kind with an exhaustive switch.
type RuleSpec interface {
	Kind() RuleType
	Validate() error
}

// ThresholdSpec triggers when a single metric compares true against a
// fixed threshold.
type ThresholdSpec struct {
	Metric    string   `json:"metric" yaml:"metric"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Threshold float64  `json:"threshold" yaml:"threshold"`
}

func (s *ThresholdSpec) Kind() RuleType { return RuleTypeThreshold }

func (s *ThresholdSpec) Validate() error {
	if s.Metric == "" {
		return fmt.Errorf("%w: threshold spec requires a metric", ErrInvalidRule)
	}
	if !s.Operator.Valid() {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, s.Operator)
	}
	return nil
}

// TrendSpec triggers when the least-squares slope over a rolling window
// of metric values exceeds a magnitude threshold.
type TrendSpec struct {
	Metric         string  `json:"metric" yaml:"metric"`
	WindowSize     int     `json:"window_size" yaml:"window_size"`
	TrendThreshold float64 `json:"trend_threshold" yaml:"trend_threshold"`
}

func (s *TrendSpec) Kind() RuleType { return RuleTypeTrend }

func (s *TrendSpec) Validate() error {
	if s.Metric == "" {
		return fmt.Errorf("%w: trend spec requires a metric", ErrInvalidRule)
	}
	if s.WindowSize < 2 {
		return fmt.Errorf("%w: trend window must hold at least 2 points, got %d", ErrInvalidRule, s.WindowSize)
	}
	if s.TrendThreshold <= 0 {
		return fmt.Errorf("%w: trend threshold must be positive", ErrInvalidRule)
	}
	return nil
}

// SubCondition is one clause of a composite rule.
type SubCondition struct {
	Metric    string   `json:"metric" yaml:"metric"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Threshold float64  `json:"threshold" yaml:"threshold"`
}

// CompositeLogic combines sub-conditions of a composite rule.
type CompositeLogic string

const (
	CompositeAnd CompositeLogic = "and"
	CompositeOr  CompositeLogic = "or"
)

// CompositeSpec triggers on a boolean combination of sub-conditions
// evaluated against the same snapshot.
type CompositeSpec struct {
	Logic      CompositeLogic `json:"logic" yaml:"logic"`
	Conditions []SubCondition `json:"conditions" yaml:"conditions"`
}

func (s *CompositeSpec) Kind() RuleType { return RuleTypeComposite }

func (s *CompositeSpec) Validate() error {
	if s.Logic != CompositeAnd && s.Logic != CompositeOr {
		return fmt.Errorf("%w: composite logic must be %q or %q", ErrInvalidRule, CompositeAnd, CompositeOr)
	}
	if len(s.Conditions) == 0 {
		return fmt.Errorf("%w: composite spec requires at least one condition", ErrInvalidRule)
	}
	for i, c := range s.Conditions {
		if c.Metric == "" {
			return fmt.Errorf("%w: composite condition %d missing metric", ErrInvalidRule, i)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("%w: composite condition %d has unknown operator %q", ErrInvalidRule, i, c.Operator)
		}
	}
	return nil
}

// FrequencySpec triggers when the number of evaluation events recorded
// within the trailing time window reaches a threshold.
type FrequencySpec struct {
	Threshold         int `json:"threshold" yaml:"threshold"`
	TimeWindowMinutes int `json:"time_window_minutes" yaml:"time_window_minutes"`
}

func (s *FrequencySpec) Kind() RuleType { return RuleTypeFrequency }

func (s *FrequencySpec) Validate() error {
	if s.Threshold < 1 {
		return fmt.Errorf("%w: frequency threshold must be at least 1", ErrInvalidRule)
	}
	if s.TimeWindowMinutes < 1 {
		return fmt.Errorf("%w: frequency window must be at least 1 minute", ErrInvalidRule)
	}
	return nil
}

// AnomalySpec triggers when the current value's z-score against the
// historical window exceeds the sensitivity.
type AnomalySpec struct {
	Metric      string  `json:"metric" yaml:"metric"`
	WindowSize  int     `json:"window_size" yaml:"window_size"`
	MinSamples  int     `json:"min_samples" yaml:"min_samples"`
	Sensitivity float64 `json:"sensitivity" yaml:"sensitivity"`
}

func (s *AnomalySpec) Kind() RuleType { return RuleTypeAnomaly }

func (s *AnomalySpec) Validate() error {
	if s.Metric == "" {
		return fmt.Errorf("%w: anomaly spec requires a metric", ErrInvalidRule)
	}
	if s.MinSamples < 2 {
		return fmt.Errorf("%w: anomaly rule needs at least 2 historical samples", ErrInvalidRule)
	}
	if s.WindowSize < s.MinSamples {
		return fmt.Errorf("%w: anomaly window (%d) smaller than min samples (%d)", ErrInvalidRule, s.WindowSize, s.MinSamples)
	}
	if s.Sensitivity <= 0 {
		return fmt.Errorf("%w: anomaly sensitivity must be positive", ErrInvalidRule)
	}
	return nil
}

// EscalationConfig drives the time-based escalation scheduler. The
// alert escalates to level i+1 after LevelTimeouts[i] spent at level i,
// up to MaxLevel.
type EscalationConfig struct {
	Enabled       bool            `json:"enabled" yaml:"enabled"`
	MaxLevel      int             `json:"max_level" yaml:"max_level"`
	LevelTimeouts []time.Duration `json:"level_timeouts" yaml:"level_timeouts"`
}

// AlertRule is a configured condition that produces alerts when it
// triggers against a metric snapshot.
type AlertRule struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Category   Category          `json:"category"`
	Type       RuleType          `json:"type"`
	Level      Level             `json:"level"`
	Priority   Priority          `json:"priority"`
	Enabled    bool              `json:"enabled"`
	Source     string            `json:"source,omitempty"`
	Spec       RuleSpec          `json:"condition"`
	Escalation *EscalationConfig `json:"escalation_config,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Validate checks the rule's common fields and its type-specific spec.
func (r *AlertRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: rule name is required", ErrInvalidRule)
	}
	if r.Spec == nil {
		return fmt.Errorf("%w: rule %q has no condition spec", ErrInvalidRule, r.Name)
	}
	if r.Type != r.Spec.Kind() {
		return fmt.Errorf("%w: rule %q declares type %q but carries a %q spec",
			ErrInvalidRule, r.Name, r.Type, r.Spec.Kind())
	}
	if severityRank(r.Level) < 0 {
		return fmt.Errorf("%w: rule %q has unknown level %q", ErrInvalidRule, r.Name, r.Level)
	}
	if priorityRank(r.Priority) < 0 {
		return fmt.Errorf("%w: rule %q has unknown priority %q", ErrInvalidRule, r.Name, r.Priority)
	}
	return r.Spec.Validate()
}

// Alert is one triggered instance of a rule violation. Owned by the
// AlertRegistry after creation; mutate only through lifecycle operations.
type Alert struct {
	ID              string         `json:"id"`
	RuleID          string         `json:"rule_id"`
	Category        Category       `json:"category"`
	Level           Level          `json:"level"`
	Priority        Priority       `json:"priority"`
	Title           string         `json:"title"`
	Message         string         `json:"message"`
	Source          string         `json:"source"`
	Status          Status         `json:"status"`
	MetricName      string         `json:"metric_name,omitempty"`
	Value           *float64       `json:"value,omitempty"`
	Threshold       *float64       `json:"threshold,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	AcknowledgedAt  *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string         `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
	SuppressedUntil *time.Time     `json:"suppressed_until,omitempty"`
	EscalationLevel int            `json:"escalation_level"`
	EscalatedAt     *time.Time     `json:"escalated_at,omitempty"`

	// NotificationsSent records the ids of notification records the
	// dispatcher created for this alert.
	NotificationsSent []string `json:"notifications_sent,omitempty"`
}

// PatternType identifies a structural relationship among alerts.
type PatternType string

const (
	PatternBurst       PatternType = "burst"
	PatternCascade     PatternType = "cascade"
	PatternPeriodic    PatternType = "periodic"
	PatternCorrelation PatternType = "correlation"
	PatternStorm       PatternType = "storm"
)

// PatternCharacteristics holds type-specific measurements of a match.
// Only the fields relevant to the pattern type are populated.
type PatternCharacteristics struct {
	BurstRate           float64 `json:"burst_rate,omitempty"`
	CascadeDepth        int     `json:"cascade_depth,omitempty"`
	PeriodHours         float64 `json:"period_hours,omitempty"`
	CorrelationStrength float64 `json:"correlation_strength,omitempty"`
	WindowCount         int     `json:"window_count,omitempty"`
}

// AlertPatternMatch is a detected pattern over a set of alerts.
// Derived and read-only; produced fresh on every analysis run.
type AlertPatternMatch struct {
	PatternID       string                 `json:"pattern_id"`
	PatternType     PatternType            `json:"pattern_type"`
	Confidence      float64                `json:"confidence"`
	AlertIDs        []string               `json:"alert_ids"`
	WindowStart     time.Time              `json:"window_start"`
	WindowEnd       time.Time              `json:"window_end"`
	Characteristics PatternCharacteristics `json:"characteristics"`
	Description     string                 `json:"description,omitempty"`
}

// CauseCategory classifies a likely originating cause.
type CauseCategory string

const (
	CauseInfrastructure CauseCategory = "infrastructure"
	CauseCapacity       CauseCategory = "capacity"
	CauseApplication    CauseCategory = "application"
	CauseConfiguration  CauseCategory = "configuration"
	CauseExternal       CauseCategory = "external"
	CauseHumanError     CauseCategory = "human_error"
	CauseSecurity       CauseCategory = "security"
	CauseUnknown        CauseCategory = "unknown"
)

// Evidence is one matched predicate supporting a root cause analysis.
type Evidence struct {
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

// RootCauseAnalysis is a scored hypothesis about what caused a group of
// alerts and patterns.
type RootCauseAnalysis struct {
	AnalysisID      string        `json:"analysis_id"`
	AlertIDs        []string      `json:"alert_ids"`
	Category        CauseCategory `json:"category"`
	Confidence      float64       `json:"confidence"`
	Evidence        []Evidence    `json:"evidence"`
	Reasoning       string        `json:"reasoning"`
	Recommendations []string      `json:"recommendations"`
	RelatedPatterns []string      `json:"related_patterns,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// ConfidenceBucket grades prediction confidence.
type ConfidenceBucket string

const (
	ConfidenceLow      ConfidenceBucket = "low"
	ConfidenceMedium   ConfidenceBucket = "medium"
	ConfidenceHigh     ConfidenceBucket = "high"
	ConfidenceVeryHigh ConfidenceBucket = "very_high"
)

// AlertPrediction is a forecast of a future alert.
type AlertPrediction struct {
	PredictionID      string           `json:"prediction_id"`
	PredictedType     RuleType         `json:"predicted_type"`
	Level             Level            `json:"level"`
	Category          Category         `json:"category"`
	Confidence        ConfidenceBucket `json:"confidence"`
	Probability       float64          `json:"probability"`
	MetricName        string           `json:"metric_name,omitempty"`
	WindowStart       time.Time        `json:"window_start"`
	WindowEnd         time.Time        `json:"window_end"`
	Conditions        []string         `json:"conditions"`
	PreventionActions []string         `json:"prevention_actions"`
	CreatedAt         time.Time        `json:"created_at"`
}

// ReportSummary aggregates counts for an analysis report.
type ReportSummary struct {
	TotalAlerts    int              `json:"total_alerts"`
	ActiveAlerts   int              `json:"active_alerts"`
	ByLevel        map[Level]int    `json:"by_level"`
	ByCategory     map[Category]int `json:"by_category"`
	PatternCount   int              `json:"pattern_count"`
	RootCauseCount int              `json:"root_cause_count"`
	Predictions    int              `json:"predictions"`
}

// AnalysisReport is the combined output of one analysis run.
type AnalysisReport struct {
	ReportID        string               `json:"report_id"`
	GeneratedAt     time.Time            `json:"generated_at"`
	Summary         ReportSummary        `json:"summary"`
	Patterns        []*AlertPatternMatch `json:"patterns"`
	RootCauses      []*RootCauseAnalysis `json:"root_causes"`
	Predictions     []*AlertPrediction   `json:"predictions"`
	Insights        []string             `json:"insights"`
	Recommendations []string             `json:"recommendations"`
}
