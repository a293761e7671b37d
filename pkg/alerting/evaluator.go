package alerting

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsignal/alerting-engine/pkg/logging"
)

const (
	// metricHistoryCapacity bounds the rolling per-metric value history
	// shared by trend and anomaly rules.
	metricHistoryCapacity = 1000

	defaultTrendWindow       = 10
	defaultAnomalyWindow     = 30
	defaultAnomalyMinSamples = 5
)

// metricState is the rolling history for one metric. Mutations are
// serialized by the embedded mutex so concurrent snapshot evaluations
// never interleave on the same buffer.
type metricState struct {
	mu      sync.Mutex
	history *ringBuffer
}

// ruleState is the rolling per-rule evaluation state.
type ruleState struct {
	mu sync.Mutex

	// trend / anomaly windows, lazily sized from the rule spec
	window *ringBuffer

	// frequency rule event timestamps within the trailing window
	events []time.Time
}

// RuleEvaluator turns metric snapshots into alerts by evaluating every
// enabled rule in the store against the snapshot and the per-rule
// rolling state.
type RuleEvaluator struct {
	logger  *logging.StructuredLogger
	store   *RuleStore
	metrics *EngineMetrics

	mu          sync.Mutex
	metricState map[string]*metricState
	ruleState   map[string]*ruleState

	// now is injectable for deterministic time-window tests.
	now func() time.Time
}

// NewRuleEvaluator creates an evaluator bound to a rule store.
func NewRuleEvaluator(store *RuleStore, metrics *EngineMetrics, logger *logging.StructuredLogger) *RuleEvaluator {
	return &RuleEvaluator{
		logger:      logger.WithComponent("rule-evaluator"),
		store:       store,
		metrics:     metrics,
		metricState: make(map[string]*metricState),
		ruleState:   make(map[string]*ruleState),
		now:         time.Now,
	}
}

func (e *RuleEvaluator) metricStateFor(metric string) *metricState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.metricState[metric]
	if !ok {
		st = &metricState{history: newRingBuffer(metricHistoryCapacity)}
		e.metricState[metric] = st
	}
	return st
}

func (e *RuleEvaluator) ruleStateFor(ruleID string) *ruleState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.ruleState[ruleID]
	if !ok {
		st = &ruleState{}
		e.ruleState[ruleID] = st
	}
	return st
}

// DropRuleState discards rolling state for a deleted rule.
func (e *RuleEvaluator) DropRuleState(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.ruleState, ruleID)
}

// MetricHistory returns a copy of the rolling history for a metric.
func (e *RuleEvaluator) MetricHistory(metric string) []float64 {
	st := e.metricStateFor(metric)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.history.Values()
}

// seedWindow backfills a freshly created rule window from the shared
// metric history, so rules added mid-stream do not wait a full window
// of cycles before they can evaluate. The newest point is excluded;
// the caller appends the current sample itself.
func (e *RuleEvaluator) seedWindow(window *ringBuffer, metric string) {
	history := e.MetricHistory(metric)
	if len(history) == 0 {
		return
	}
	for _, v := range history[:len(history)-1] {
		window.Append(v)
	}
}

// Evaluate runs every enabled rule against the snapshot and returns the
// alerts generated this cycle. Rules referencing metrics absent from
// the snapshot are skipped, not failed. Every triggering rule produces
// exactly one alert per cycle.
func (e *RuleEvaluator) Evaluate(snapshot map[string]float64) []*Alert {
	start := e.now()

	// Record every metric into its rolling history first so trend and
	// anomaly rules in the same cycle observe a consistent sequence.
	for name, value := range snapshot {
		st := e.metricStateFor(name)
		st.mu.Lock()
		st.history.Append(value)
		st.mu.Unlock()
	}

	var alerts []*Alert
	for _, rule := range e.store.List(true) {
		if e.metrics != nil {
			e.metrics.RulesEvaluated.Inc()
		}

		alert := e.evaluateRule(rule, snapshot)
		if alert == nil {
			continue
		}
		alerts = append(alerts, alert)
		if e.metrics != nil {
			e.metrics.AlertsGenerated.WithLabelValues(string(rule.Type), string(rule.Level)).Inc()
		}
	}

	if e.metrics != nil {
		e.metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}
	return alerts
}

// evaluateRule dispatches on the rule's spec kind.
func (e *RuleEvaluator) evaluateRule(rule *AlertRule, snapshot map[string]float64) *Alert {
	switch spec := rule.Spec.(type) {
	case *ThresholdSpec:
		return e.evaluateThreshold(rule, spec, snapshot)
	case *TrendSpec:
		return e.evaluateTrend(rule, spec, snapshot)
	case *CompositeSpec:
		return e.evaluateComposite(rule, spec, snapshot)
	case *FrequencySpec:
		return e.evaluateFrequency(rule, spec)
	case *AnomalySpec:
		return e.evaluateAnomaly(rule, spec, snapshot)
	default:
		e.logger.WarnWithContext("Rule carries unknown spec type",
			"rule_id", rule.ID, "rule_type", string(rule.Type))
		return nil
	}
}

func (e *RuleEvaluator) evaluateThreshold(rule *AlertRule, spec *ThresholdSpec, snapshot map[string]float64) *Alert {
	value, ok := snapshot[spec.Metric]
	if !ok {
		e.skip("missing_metric")
		return nil
	}

	if !spec.Operator.Compare(value, spec.Threshold) {
		return nil
	}

	return e.newAlert(rule, spec.Metric, &value, &spec.Threshold,
		fmt.Sprintf("%s: %s %s %.4g (current %.4g)",
			rule.Name, spec.Metric, spec.Operator, spec.Threshold, value))
}

func (e *RuleEvaluator) evaluateTrend(rule *AlertRule, spec *TrendSpec, snapshot map[string]float64) *Alert {
	value, ok := snapshot[spec.Metric]
	if !ok {
		e.skip("missing_metric")
		return nil
	}

	st := e.ruleStateFor(rule.ID)
	st.mu.Lock()
	if st.window == nil {
		st.window = newRingBuffer(spec.WindowSize)
		e.seedWindow(st.window, spec.Metric)
	}
	st.window.Append(value)
	values := st.window.Values()
	st.mu.Unlock()

	slope, ok := olsSlope(values)
	if !ok {
		e.skip("insufficient_samples")
		return nil
	}
	if math.Abs(slope) <= spec.TrendThreshold {
		return nil
	}

	direction := "increasing"
	if slope < 0 {
		direction = "decreasing"
	}

	alert := e.newAlert(rule, spec.Metric, &value, nil,
		fmt.Sprintf("%s: %s is %s at %.4g/sample over the last %d samples",
			rule.Name, spec.Metric, direction, slope, len(values)))
	alert.Context["slope"] = slope
	alert.Context["direction"] = direction
	return alert
}

func (e *RuleEvaluator) evaluateComposite(rule *AlertRule, spec *CompositeSpec, snapshot map[string]float64) *Alert {
	matched := 0
	for _, cond := range spec.Conditions {
		value, ok := snapshot[cond.Metric]
		// A sub-condition on a missing metric evaluates to false.
		if ok && cond.Operator.Compare(value, cond.Threshold) {
			matched++
		}
	}

	triggered := false
	switch spec.Logic {
	case CompositeAnd:
		triggered = matched == len(spec.Conditions)
	case CompositeOr:
		triggered = matched > 0
	}
	if !triggered {
		return nil
	}

	alert := e.newAlert(rule, "", nil, nil,
		fmt.Sprintf("%s: %d/%d conditions matched (%s)",
			rule.Name, matched, len(spec.Conditions), spec.Logic))
	alert.Context["matched_conditions"] = matched
	return alert
}

func (e *RuleEvaluator) evaluateFrequency(rule *AlertRule, spec *FrequencySpec) *Alert {
	now := e.now()
	cutoff := now.Add(-time.Duration(spec.TimeWindowMinutes) * time.Minute)

	st := e.ruleStateFor(rule.ID)
	st.mu.Lock()
	st.events = append(st.events, now)
	// Evict events that fell out of the trailing window.
	kept := st.events[:0]
	for _, t := range st.events {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	st.events = kept
	count := len(st.events)
	st.mu.Unlock()

	if count < spec.Threshold {
		return nil
	}

	alert := e.newAlert(rule, "", nil, nil,
		fmt.Sprintf("%s: %d events within %d minutes (threshold %d)",
			rule.Name, count, spec.TimeWindowMinutes, spec.Threshold))
	alert.Context["event_count"] = count
	return alert
}

func (e *RuleEvaluator) evaluateAnomaly(rule *AlertRule, spec *AnomalySpec, snapshot map[string]float64) *Alert {
	value, ok := snapshot[spec.Metric]
	if !ok {
		e.skip("missing_metric")
		return nil
	}

	st := e.ruleStateFor(rule.ID)
	st.mu.Lock()
	if st.window == nil {
		st.window = newRingBuffer(spec.WindowSize)
		e.seedWindow(st.window, spec.Metric)
	}
	// Statistics cover the historical window only; the current value is
	// appended afterwards so it cannot mask its own deviation.
	history := st.window.Values()
	st.window.Append(value)
	st.mu.Unlock()

	if len(history) < spec.MinSamples {
		e.skip("insufficient_samples")
		return nil
	}

	mean, stdev := meanStdev(history)
	if stdev == 0 {
		e.skip("zero_stdev")
		return nil
	}

	z := math.Abs(value-mean) / stdev
	if z <= spec.Sensitivity {
		return nil
	}

	alert := e.newAlert(rule, spec.Metric, &value, nil,
		fmt.Sprintf("%s: %s=%.4g deviates %.2f stdevs from mean %.4g",
			rule.Name, spec.Metric, value, z, mean))
	alert.Context["z_score"] = z
	alert.Context["mean"] = mean
	alert.Context["stdev"] = stdev
	return alert
}

func (e *RuleEvaluator) newAlert(rule *AlertRule, metric string, value, threshold *float64, message string) *Alert {
	source := rule.Source
	if source == "" {
		source = "metrics"
	}
	return &Alert{
		ID:         uuid.New().String(),
		RuleID:     rule.ID,
		Category:   rule.Category,
		Level:      rule.Level,
		Priority:   rule.Priority,
		Title:      rule.Name,
		Message:    message,
		Source:     source,
		Status:     StatusActive,
		MetricName: metric,
		Value:      value,
		Threshold:  threshold,
		Context:    map[string]any{"rule_type": string(rule.Type)},
		Tags:       rule.Tags,
		CreatedAt:  e.now(),
	}
}

func (e *RuleEvaluator) skip(reason string) {
	if e.metrics != nil {
		e.metrics.RulesSkipped.WithLabelValues(reason).Inc()
	}
}
