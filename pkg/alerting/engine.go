package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/opsignal/alerting-engine/pkg/logging"
)

// Notifier forwards a stored alert to the delivery pipeline and
// returns the ids of the notification records it created. Implemented
// by the notification dispatcher.
type Notifier interface {
	Notify(ctx context.Context, alert *Alert) []string
}

// EngineConfig holds the engine-level cadences and bounds.
type EngineConfig struct {
	// AnalysisInterval is the cadence of the periodic analysis run.
	AnalysisInterval time.Duration `yaml:"analysis_interval"`

	// AnalysisWindow bounds how far back the analysis looks.
	AnalysisWindow time.Duration `yaml:"analysis_window"`

	// AnalysisMaxAlerts caps the alert set fed into one analysis run.
	AnalysisMaxAlerts int `yaml:"analysis_max_alerts"`

	// ReportCapacity bounds the retained report history.
	ReportCapacity int `yaml:"report_capacity"`

	// DeduplicationWindow, when positive, suppresses a fresh alert
	// whose (rule, metric) fingerprint already has an active alert
	// younger than the window. Zero keeps one alert per trigger cycle.
	DeduplicationWindow time.Duration `yaml:"deduplication_window"`

	// EscalationInterval is the escalation scheduler sweep cadence.
	EscalationInterval time.Duration `yaml:"escalation_interval"`

	Patterns  PatternConfig   `yaml:"patterns"`
	Predictor PredictorConfig `yaml:"predictor"`
}

// DefaultEngineConfig returns the production engine settings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		AnalysisInterval:   5 * time.Minute,
		AnalysisWindow:     24 * time.Hour,
		AnalysisMaxAlerts:  500,
		ReportCapacity:     100,
		EscalationInterval: time.Minute,
		Patterns:           DefaultPatternConfig(),
		Predictor:          DefaultPredictorConfig(),
	}
}

// Engine owns every component of the alerting core and runs its two
// cadences: per-snapshot rule evaluation and periodic history
// analysis. There are no package-level singletons; the process
// composition root constructs one Engine and injects it.
type Engine struct {
	logger  *logging.StructuredLogger
	config  EngineConfig
	metrics *EngineMetrics

	Rules      *RuleStore
	Evaluator  *RuleEvaluator
	Registry   *AlertRegistry
	Patterns   *PatternRecognizer
	RootCause  *RootCauseAnalyzer
	Predictor  *AlertPredictor
	Escalation *EscalationScheduler

	notifier Notifier

	mu           sync.RWMutex
	opCtx        OperationalContext
	reports      []*AnalysisReport
	fingerprints map[string]string // rule_id|metric -> alert id

	analysisGroup singleflight.Group

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine wires the full alerting core. notifier may be nil to run
// evaluation without dispatch.
func NewEngine(config EngineConfig, notifier Notifier, reg prometheus.Registerer, logger *logging.StructuredLogger) *Engine {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metrics := NewEngineMetrics(reg)

	rules := NewRuleStore(logger)
	registry := NewAlertRegistry(metrics, logger)

	e := &Engine{
		logger:       logger.WithComponent("alerting-engine"),
		config:       config,
		metrics:      metrics,
		Rules:        rules,
		Evaluator:    NewRuleEvaluator(rules, metrics, logger),
		Registry:     registry,
		Patterns:     NewPatternRecognizer(config.Patterns, metrics, logger),
		RootCause:    NewRootCauseAnalyzer(logger),
		Predictor:    NewAlertPredictor(config.Predictor, logger),
		notifier:     notifier,
		fingerprints: make(map[string]string),
	}

	e.Escalation = NewEscalationScheduler(rules, registry, config.EscalationInterval, e.notifyEscalated, logger)
	return e
}

// SetOperationalContext replaces the contextual metadata consumed by
// root cause evidence predicates.
func (e *Engine) SetOperationalContext(opCtx OperationalContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opCtx = opCtx
}

// EvaluateSnapshot runs one evaluation cycle over a metric snapshot,
// stores the generated alerts and forwards them to the notifier.
func (e *Engine) EvaluateSnapshot(ctx context.Context, snapshot map[string]float64) []*Alert {
	generated := e.Evaluator.Evaluate(snapshot)

	var stored []*Alert
	for _, alert := range generated {
		if e.isDuplicate(alert) {
			e.metrics.AlertsDeduped.Inc()
			continue
		}

		if err := e.Registry.Insert(alert); err != nil {
			e.logger.ErrorWithContext("Failed to store alert", err, "alert_id", alert.ID)
			continue
		}
		e.rememberFingerprint(alert)
		stored = append(stored, alert)

		if e.notifier != nil {
			for _, recordID := range e.notifier.Notify(ctx, alert) {
				if err := e.Registry.RecordNotification(alert.ID, recordID); err != nil {
					e.logger.WarnWithContext("Failed to track notification record",
						"alert_id", alert.ID, "record_id", recordID)
				}
			}
		}
	}
	return stored
}

// isDuplicate checks the dedup fingerprint when the window is enabled.
func (e *Engine) isDuplicate(alert *Alert) bool {
	if e.config.DeduplicationWindow <= 0 {
		return false
	}

	key := alert.RuleID + "|" + alert.MetricName

	e.mu.RLock()
	existingID, ok := e.fingerprints[key]
	e.mu.RUnlock()
	if !ok {
		return false
	}

	existing, err := e.Registry.Get(existingID)
	if err != nil {
		return false
	}
	if existing.Status != StatusActive && existing.Status != StatusEscalated {
		return false
	}
	return time.Since(existing.CreatedAt) < e.config.DeduplicationWindow
}

func (e *Engine) rememberFingerprint(alert *Alert) {
	if e.config.DeduplicationWindow <= 0 {
		return
	}
	e.mu.Lock()
	e.fingerprints[alert.RuleID+"|"+alert.MetricName] = alert.ID
	e.mu.Unlock()
}

// RunAnalysis executes one analysis pass over recent alert history.
// Overlapping calls collapse into a single run (single-flight); the
// analysis may overlap with evaluation ticks.
func (e *Engine) RunAnalysis(ctx context.Context) (*AnalysisReport, error) {
	v, err, _ := e.analysisGroup.Do("analysis", func() (any, error) {
		return e.analyze(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*AnalysisReport), nil
}

func (e *Engine) analyze(ctx context.Context) (*AnalysisReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	alerts := e.Registry.Recent(e.config.AnalysisWindow, e.config.AnalysisMaxAlerts)

	e.mu.RLock()
	opCtx := e.opCtx
	e.mu.RUnlock()

	patterns := e.Patterns.Detect(alerts)
	causes := e.RootCause.Analyze(alerts, patterns, &opCtx)
	predictions := e.Predictor.Predict(alerts, patterns)

	summary := e.Registry.Counts()
	summary.PatternCount = len(patterns)
	summary.RootCauseCount = len(causes)
	summary.Predictions = len(predictions)

	report := &AnalysisReport{
		ReportID:        uuid.New().String(),
		GeneratedAt:     time.Now(),
		Summary:         summary,
		Patterns:        patterns,
		RootCauses:      causes,
		Predictions:     predictions,
		Insights:        buildInsights(summary, patterns, causes, predictions),
		Recommendations: buildRecommendations(causes, predictions),
	}

	e.mu.Lock()
	e.reports = append(e.reports, report)
	if e.config.ReportCapacity > 0 && len(e.reports) > e.config.ReportCapacity {
		e.reports = e.reports[len(e.reports)-e.config.ReportCapacity:]
	}
	e.mu.Unlock()

	e.metrics.AnalysisRuns.Inc()
	e.metrics.AnalysisDuration.Observe(time.Since(start).Seconds())

	e.logger.InfoWithContext("Analysis run completed",
		"alerts", len(alerts),
		"patterns", len(patterns),
		"root_causes", len(causes),
		"predictions", len(predictions),
	)
	return report, nil
}

// LatestReport returns the most recent analysis report, if any.
func (e *Engine) LatestReport() (*AnalysisReport, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.reports) == 0 {
		return nil, false
	}
	return e.reports[len(e.reports)-1], true
}

// Reports returns the retained report history, oldest first.
func (e *Engine) Reports() []*AnalysisReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*AnalysisReport, len(e.reports))
	copy(out, e.reports)
	return out
}

// Start launches the periodic analysis cadence and the escalation
// scheduler. Evaluation stays caller-driven (one call per snapshot).
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.running {
		return fmt.Errorf("engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.config.AnalysisInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := e.RunAnalysis(runCtx); err != nil && runCtx.Err() == nil {
					e.logger.ErrorWithContext("Periodic analysis failed", err)
				}
			}
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Escalation.Run(runCtx)
	}()

	e.running = true
	e.logger.InfoWithContext("Alerting engine started",
		"analysis_interval", e.config.AnalysisInterval.String(),
		"escalation_interval", e.config.EscalationInterval.String(),
	)
	return nil
}

// Stop halts the background cadences and waits for them to exit.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if !e.running {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.running = false
	e.logger.InfoWithContext("Alerting engine stopped")
}

// notifyEscalated re-notifies an escalated alert at elevated priority.
func (e *Engine) notifyEscalated(alert *Alert) {
	if e.notifier == nil {
		return
	}
	for _, recordID := range e.notifier.Notify(context.Background(), alert) {
		if err := e.Registry.RecordNotification(alert.ID, recordID); err != nil {
			e.logger.WarnWithContext("Failed to track escalation notification",
				"alert_id", alert.ID, "record_id", recordID)
		}
	}
}

// buildInsights derives human-readable observations from one run.
func buildInsights(summary ReportSummary, patterns []*AlertPatternMatch,
	causes []*RootCauseAnalysis, predictions []*AlertPrediction) []string {

	var insights []string

	if summary.ActiveAlerts > 0 {
		insights = append(insights, fmt.Sprintf("%d alert(s) currently active out of %d in history",
			summary.ActiveAlerts, summary.TotalAlerts))
	}

	if critical := summary.ByLevel[LevelCritical]; critical > 0 {
		insights = append(insights, fmt.Sprintf("%d critical alert(s) in the analysis window", critical))
	}

	byType := make(map[PatternType]int)
	for _, p := range patterns {
		byType[p.PatternType]++
	}
	for _, pt := range []PatternType{PatternStorm, PatternBurst, PatternCascade, PatternPeriodic, PatternCorrelation} {
		if n := byType[pt]; n > 0 {
			insights = append(insights, fmt.Sprintf("%d %s pattern(s) detected", n, pt))
		}
	}

	if len(causes) > 0 {
		top := causes[0]
		insights = append(insights, fmt.Sprintf("most likely root cause: %s (confidence %.2f)",
			top.Category, top.Confidence))
	}

	if len(predictions) > 0 {
		insights = append(insights, fmt.Sprintf("%d alert(s) forecast within the prediction horizon", len(predictions)))
	}

	return insights
}

// buildRecommendations merges the top root cause guidance with
// prediction prevention actions, deduplicated and capped.
func buildRecommendations(causes []*RootCauseAnalysis, predictions []*AlertPrediction) []string {
	const maxRecommendations = 8

	seen := make(map[string]bool)
	var out []string
	add := func(rec string) {
		if !seen[rec] && len(out) < maxRecommendations {
			seen[rec] = true
			out = append(out, rec)
		}
	}

	for _, c := range causes {
		for _, rec := range c.Recommendations {
			add(rec)
		}
		break // top hypothesis only
	}
	for _, p := range predictions {
		for _, action := range p.PreventionActions {
			add(action)
		}
	}
	return out
}
