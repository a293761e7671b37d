package alerting

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsignal/alerting-engine/pkg/logging"
)

// TimeWindow is a closed interval of wall-clock time.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// OperationalContext carries contextual metadata supplied by external
// collaborators; only the root cause analyzer's evidence predicates
// consume it.
type OperationalContext struct {
	DeploymentWindows  []TimeWindow `json:"deployment_windows,omitempty"`
	MaintenanceWindows []TimeWindow `json:"maintenance_windows,omitempty"`
}

// CauseRule is one heuristic in the analyzer's ordered catalogue. A
// rule with RequiredPatterns set is skipped outright when none of those
// pattern types are present (hard gate); otherwise every matching
// predicate contributes evidence and its confidence increment.
type CauseRule struct {
	Name     string
	Category CauseCategory

	// Hard gate: at least one of these pattern types must be present.
	RequiredPatterns []PatternType

	// Evidence predicates. Zero values disable a predicate.
	Sources            []string
	MetricSubstrings   []string
	Categories         []Category
	EscalationEvidence bool
	MinCorrelation     float64
	DeploymentWindow   bool
	MaintenanceWindow  bool

	BaseConfidence float64
	PatternWeight  float64
	SourceWeight   float64
	MetricWeight   float64
	CategoryWeight float64
	EscalationWt   float64
	CorrelationWt  float64
	ContextWeight  float64
}

// RootCauseAnalyzer scores an ordered catalogue of heuristic cause
// rules against alerts, detected patterns and operational context.
type RootCauseAnalyzer struct {
	logger  *logging.StructuredLogger
	catalog []CauseRule
}

// NewRootCauseAnalyzer creates an analyzer with the default catalogue.
func NewRootCauseAnalyzer(logger *logging.StructuredLogger) *RootCauseAnalyzer {
	return &RootCauseAnalyzer{
		logger:  logger.WithComponent("root-cause-analyzer"),
		catalog: defaultCauseCatalog(),
	}
}

// NewRootCauseAnalyzerWithCatalog creates an analyzer with a custom
// cause rule catalogue, evaluated in order.
func NewRootCauseAnalyzerWithCatalog(catalog []CauseRule, logger *logging.StructuredLogger) *RootCauseAnalyzer {
	return &RootCauseAnalyzer{
		logger:  logger.WithComponent("root-cause-analyzer"),
		catalog: catalog,
	}
}

// Analyze evaluates every catalogue rule and returns the emitted
// analyses sorted by confidence descending. A rule emits only when at
// least one evidence predicate matched.
func (rca *RootCauseAnalyzer) Analyze(alerts []*Alert, patterns []*AlertPatternMatch, opCtx *OperationalContext) []*RootCauseAnalysis {
	if len(alerts) == 0 {
		return nil
	}
	if opCtx == nil {
		opCtx = &OperationalContext{}
	}

	presentPatterns := make(map[PatternType][]*AlertPatternMatch)
	for _, p := range patterns {
		presentPatterns[p.PatternType] = append(presentPatterns[p.PatternType], p)
	}

	var results []*RootCauseAnalysis
	for _, rule := range rca.catalog {
		if analysis := rca.evaluateCauseRule(rule, alerts, presentPatterns, opCtx); analysis != nil {
			results = append(results, analysis)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Confidence > results[j].Confidence
	})
	return results
}

func (rca *RootCauseAnalyzer) evaluateCauseRule(rule CauseRule, alerts []*Alert,
	patterns map[PatternType][]*AlertPatternMatch, opCtx *OperationalContext) *RootCauseAnalysis {

	// Hard gate on required pattern types.
	var gatedPatterns []*AlertPatternMatch
	if len(rule.RequiredPatterns) > 0 {
		for _, pt := range rule.RequiredPatterns {
			gatedPatterns = append(gatedPatterns, patterns[pt]...)
		}
		if len(gatedPatterns) == 0 {
			return nil
		}
	}

	var evidence []Evidence
	memberIDs := make(map[string]bool)
	relatedPatterns := make(map[string]bool)

	if len(gatedPatterns) > 0 {
		types := make([]string, 0, len(rule.RequiredPatterns))
		for _, pt := range rule.RequiredPatterns {
			if len(patterns[pt]) > 0 {
				types = append(types, string(pt))
			}
		}
		evidence = append(evidence, Evidence{
			Type:        "pattern_match",
			Description: fmt.Sprintf("required pattern type(s) present: %s", strings.Join(types, ", ")),
			Weight:      rule.PatternWeight,
		})
		for _, p := range gatedPatterns {
			relatedPatterns[p.PatternID] = true
			for _, id := range p.AlertIDs {
				memberIDs[id] = true
			}
		}
	}

	if len(rule.Sources) > 0 {
		if matched := alertsMatching(alerts, func(a *Alert) bool {
			for _, s := range rule.Sources {
				if strings.Contains(a.Source, s) {
					return true
				}
			}
			return false
		}); len(matched) > 0 {
			evidence = append(evidence, Evidence{
				Type:        "source_match",
				Description: fmt.Sprintf("%d alert(s) from implicated sources (%s)", len(matched), strings.Join(rule.Sources, ", ")),
				Weight:      rule.SourceWeight,
			})
			markMembers(memberIDs, matched)
		}
	}

	if len(rule.MetricSubstrings) > 0 {
		if matched := alertsMatching(alerts, func(a *Alert) bool {
			for _, m := range rule.MetricSubstrings {
				if a.MetricName != "" && strings.Contains(a.MetricName, m) {
					return true
				}
			}
			return false
		}); len(matched) > 0 {
			evidence = append(evidence, Evidence{
				Type:        "metric_match",
				Description: fmt.Sprintf("%d alert(s) on implicated metrics (%s)", len(matched), strings.Join(rule.MetricSubstrings, ", ")),
				Weight:      rule.MetricWeight,
			})
			markMembers(memberIDs, matched)
		}
	}

	if len(rule.Categories) > 0 {
		if matched := alertsMatching(alerts, func(a *Alert) bool {
			for _, c := range rule.Categories {
				if a.Category == c {
					return true
				}
			}
			return false
		}); len(matched) > 0 {
			evidence = append(evidence, Evidence{
				Type:        "category_match",
				Description: fmt.Sprintf("%d alert(s) in implicated categories", len(matched)),
				Weight:      rule.CategoryWeight,
			})
			markMembers(memberIDs, matched)
		}
	}

	if rule.EscalationEvidence {
		if matched := alertsMatching(alerts, func(a *Alert) bool {
			return a.EscalationLevel > 0 || a.Status == StatusEscalated
		}); len(matched) > 0 {
			evidence = append(evidence, Evidence{
				Type:        "escalation_timing",
				Description: fmt.Sprintf("%d alert(s) escalated before resolution", len(matched)),
				Weight:      rule.EscalationWt,
			})
			markMembers(memberIDs, matched)
		}
	}

	if rule.MinCorrelation > 0 {
		for _, p := range patterns[PatternCorrelation] {
			if p.Characteristics.CorrelationStrength >= rule.MinCorrelation {
				evidence = append(evidence, Evidence{
					Type:        "correlation_strength",
					Description: fmt.Sprintf("correlation of strength %.2f across alert groups", p.Characteristics.CorrelationStrength),
					Weight:      rule.CorrelationWt,
				})
				relatedPatterns[p.PatternID] = true
				for _, id := range p.AlertIDs {
					memberIDs[id] = true
				}
				break
			}
		}
	}

	if rule.DeploymentWindow || rule.MaintenanceWindow {
		windows := make([]TimeWindow, 0)
		label := ""
		if rule.DeploymentWindow {
			windows = append(windows, opCtx.DeploymentWindows...)
			label = "deployment"
		}
		if rule.MaintenanceWindow {
			windows = append(windows, opCtx.MaintenanceWindows...)
			if label == "" {
				label = "maintenance"
			}
		}
		if matched := alertsMatching(alerts, func(a *Alert) bool {
			for _, w := range windows {
				if w.Contains(a.CreatedAt) {
					return true
				}
			}
			return false
		}); len(matched) > 0 {
			evidence = append(evidence, Evidence{
				Type:        "contextual_correlation",
				Description: fmt.Sprintf("%d alert(s) raised inside a %s window", len(matched), label),
				Weight:      rule.ContextWeight,
			})
			markMembers(memberIDs, matched)
		}
	}

	if len(evidence) == 0 {
		return nil
	}

	confidence := rule.BaseConfidence
	reasons := make([]string, 0, len(evidence))
	for _, ev := range evidence {
		confidence += ev.Weight
		reasons = append(reasons, ev.Description)
	}
	confidence = clamp01(confidence)

	ids := make([]string, 0, len(memberIDs))
	for id := range memberIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	patternIDs := make([]string, 0, len(relatedPatterns))
	for id := range relatedPatterns {
		patternIDs = append(patternIDs, id)
	}
	sort.Strings(patternIDs)

	return &RootCauseAnalysis{
		AnalysisID: uuid.New().String(),
		AlertIDs:   ids,
		Category:   rule.Category,
		Confidence: confidence,
		Evidence:   evidence,
		Reasoning: fmt.Sprintf("%s (%s): %s",
			rule.Name, rule.Category, strings.Join(reasons, "; ")),
		Recommendations: causeRecommendations(rule.Category),
		RelatedPatterns: patternIDs,
		CreatedAt:       time.Now(),
	}
}

func alertsMatching(alerts []*Alert, pred func(*Alert) bool) []*Alert {
	var out []*Alert
	for _, a := range alerts {
		if pred(a) {
			out = append(out, a)
		}
	}
	return out
}

func markMembers(set map[string]bool, alerts []*Alert) {
	for _, a := range alerts {
		set[a.ID] = true
	}
}

// causeRecommendations returns the static remediation guidance for a
// cause category.
func causeRecommendations(category CauseCategory) []string {
	switch category {
	case CauseInfrastructure:
		return []string{
			"Check host, network and storage health for the implicated sources",
			"Review infrastructure provider status pages",
			"Fail over to redundant capacity if available",
		}
	case CauseCapacity:
		return []string{
			"Review resource utilization trends and scale out before saturation",
			"Tune or raise capacity limits for the implicated resources",
			"Enable autoscaling for the affected tier",
		}
	case CauseApplication:
		return []string{
			"Inspect application error logs around the first alert",
			"Roll back the most recent application change if one is in flight",
			"Profile slow code paths on the implicated services",
		}
	case CauseConfiguration:
		return []string{
			"Diff recent configuration changes against the last known-good state",
			"Validate configuration against the deployment checklist",
			"Roll back the most recent configuration change",
		}
	case CauseExternal:
		return []string{
			"Check status of external dependencies and third-party APIs",
			"Enable degraded-mode fallbacks for external calls",
			"Contact the upstream provider if the outage persists",
		}
	case CauseHumanError:
		return []string{
			"Review recent operator actions in the audit trail",
			"Verify the maintenance runbook was followed",
			"Add guardrails for the manual step that caused the incident",
		}
	case CauseSecurity:
		return []string{
			"Engage the security on-call immediately",
			"Preserve logs and snapshots for forensics",
			"Rotate credentials that may have been exposed",
		}
	default:
		return []string{
			"Correlate alert timelines across sources to narrow the cause",
			"Collect additional diagnostics from the affected systems",
		}
	}
}

// defaultCauseCatalog is the built-in ordered heuristic catalogue.
func defaultCauseCatalog() []CauseRule {
	return []CauseRule{
		{
			Name:               "infrastructure failure cascade",
			Category:           CauseInfrastructure,
			RequiredPatterns:   []PatternType{PatternCascade, PatternStorm},
			Sources:            []string{"infra", "network", "database", "host"},
			EscalationEvidence: true,
			BaseConfidence:     0.3,
			PatternWeight:      0.25,
			SourceWeight:       0.2,
			EscalationWt:       0.1,
		},
		{
			Name:             "capacity exhaustion",
			Category:         CauseCapacity,
			MetricSubstrings: []string{"cpu", "memory", "disk", "connection", "queue"},
			Categories:       []Category{CategorySystem, CategoryPerformance},
			BaseConfidence:   0.25,
			MetricWeight:     0.3,
			CategoryWeight:   0.15,
		},
		{
			Name:             "application defect",
			Category:         CauseApplication,
			MetricSubstrings: []string{"error", "exception", "latency", "response_time"},
			Sources:          []string{"app", "service", "api"},
			BaseConfidence:   0.25,
			MetricWeight:     0.25,
			SourceWeight:     0.15,
		},
		{
			Name:             "recent deployment",
			Category:         CauseConfiguration,
			DeploymentWindow: true,
			BaseConfidence:   0.35,
			ContextWeight:    0.4,
		},
		{
			Name:           "correlated external outage",
			Category:       CauseExternal,
			Sources:        []string{"external", "upstream", "third_party", "vendor"},
			MinCorrelation: 0.7,
			BaseConfidence: 0.2,
			SourceWeight:   0.25,
			CorrelationWt:  0.25,
		},
		{
			Name:              "maintenance side effect",
			Category:          CauseHumanError,
			MaintenanceWindow: true,
			BaseConfidence:    0.3,
			ContextWeight:     0.35,
		},
		{
			Name:             "security incident",
			Category:         CauseSecurity,
			Categories:       []Category{CategorySecurity},
			RequiredPatterns: []PatternType{PatternBurst, PatternCorrelation},
			BaseConfidence:   0.3,
			CategoryWeight:   0.3,
			PatternWeight:    0.2,
		},
	}
}
