package alerting

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics holds the prometheus instrumentation for the engine.
type EngineMetrics struct {
	AlertsGenerated    *prometheus.CounterVec
	AlertsDeduped      prometheus.Counter
	RulesEvaluated     prometheus.Counter
	RulesSkipped       *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	ActiveAlerts       prometheus.Gauge
	AnalysisRuns       prometheus.Counter
	AnalysisDuration   prometheus.Histogram
	PatternsDetected   *prometheus.CounterVec
	Escalations        prometheus.Counter
}

// NewEngineMetrics builds and registers the engine metrics on the given
// registerer. A collector already registered under the same descriptor
// is reused, so multiple engines on a shared registerer increment the
// scraped series instead of an orphan.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	return &EngineMetrics{
		AlertsGenerated: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerting_engine_alerts_generated_total",
			Help: "Total number of alerts generated by rule evaluation",
		}, []string{"rule_type", "level"})),

		AlertsDeduped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alerting_engine_alerts_deduplicated_total",
			Help: "Alerts suppressed by the deduplication window",
		})),

		RulesEvaluated: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alerting_engine_rules_evaluated_total",
			Help: "Total number of rule evaluations",
		})),

		RulesSkipped: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerting_engine_rules_skipped_total",
			Help: "Rule evaluations skipped, by reason",
		}, []string{"reason"})),

		EvaluationDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alerting_engine_evaluation_duration_seconds",
			Help:    "Duration of one snapshot evaluation cycle",
			Buckets: prometheus.DefBuckets,
		})),

		ActiveAlerts: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alerting_engine_active_alerts",
			Help: "Number of alerts currently in the active set",
		})),

		AnalysisRuns: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alerting_engine_analysis_runs_total",
			Help: "Total number of completed analysis runs",
		})),

		AnalysisDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alerting_engine_analysis_duration_seconds",
			Help:    "Duration of one pattern/root-cause/prediction analysis run",
			Buckets: prometheus.DefBuckets,
		})),

		PatternsDetected: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerting_engine_patterns_detected_total",
			Help: "Patterns detected, by pattern type",
		}, []string{"pattern_type"})),

		Escalations: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alerting_engine_escalations_total",
			Help: "Alerts escalated by the escalation scheduler",
		})),
	}
}

// register adds the collector to the registerer, handing back the one
// already registered when the descriptor is taken. Non-duplicate
// registration failures are programming errors and panic.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(C)
		}
		panic(err)
	}
	return c
}
