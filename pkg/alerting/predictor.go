package alerting

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opsignal/alerting-engine/pkg/logging"
)

// PredictorConfig holds the forecasting parameters.
type PredictorConfig struct {
	// Horizon bounds how far ahead predictions may reach.
	Horizon time.Duration `yaml:"horizon"`

	// ConfidenceThreshold gates trend-based predictions on the trend
	// strength score |slope| / stdev.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// RegressionWindow is how many trailing values feed the fit.
	RegressionWindow int `yaml:"regression_window"`

	// MinAlerts is the minimum related alert count per metric for
	// trend forecasting.
	MinAlerts int `yaml:"min_alerts"`
}

// DefaultPredictorConfig returns the production forecasting parameters.
func DefaultPredictorConfig() PredictorConfig {
	return PredictorConfig{
		Horizon:             4 * time.Hour,
		ConfidenceThreshold: 0.6,
		RegressionWindow:    10,
		MinAlerts:           3,
	}
}

// AlertPredictor forecasts future alerts with two independent
// strategies: linear trend extrapolation of per-metric alert values and
// recurrence projection of periodic patterns.
type AlertPredictor struct {
	logger *logging.StructuredLogger
	config PredictorConfig

	// now is injectable for deterministic horizon tests.
	now func() time.Time
}

// NewAlertPredictor creates a predictor.
func NewAlertPredictor(config PredictorConfig, logger *logging.StructuredLogger) *AlertPredictor {
	return &AlertPredictor{
		logger: logger.WithComponent("alert-predictor"),
		config: config,
		now:    time.Now,
	}
}

// Predict combines trend-based and pattern-based forecasts over the
// alert history and the current pattern matches.
func (ap *AlertPredictor) Predict(alerts []*Alert, patterns []*AlertPatternMatch) []*AlertPrediction {
	var predictions []*AlertPrediction
	predictions = append(predictions, ap.predictFromTrends(alerts)...)
	predictions = append(predictions, ap.predictFromPatterns(alerts, patterns)...)
	return predictions
}

// predictFromTrends fits a regression per metric over historical alert
// values and emits a prediction when the extrapolation crosses the
// historical threshold in the direction of the slope.
func (ap *AlertPredictor) predictFromTrends(alerts []*Alert) []*AlertPrediction {
	byMetric := make(map[string][]*Alert)
	for _, a := range alerts {
		if a.MetricName == "" || a.Value == nil || a.Threshold == nil {
			continue
		}
		byMetric[a.MetricName] = append(byMetric[a.MetricName], a)
	}

	now := ap.now()
	var predictions []*AlertPrediction
	for _, metric := range sortedKeys(byMetric) {
		group := byMetric[metric]
		if len(group) < ap.config.MinAlerts {
			continue
		}

		sort.SliceStable(group, func(i, j int) bool {
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})
		if len(group) > ap.config.RegressionWindow {
			group = group[len(group)-ap.config.RegressionWindow:]
		}

		values := make([]float64, len(group))
		thresholds := make([]float64, len(group))
		for i, a := range group {
			values[i] = *a.Value
			thresholds[i] = *a.Threshold
		}

		slope, ok := olsSlope(values)
		if !ok || slope == 0 {
			continue
		}
		_, stdev := meanStdev(values)
		if stdev == 0 {
			// Degenerate series carries no trend signal.
			continue
		}
		strength := math.Abs(slope) / stdev
		if strength <= ap.config.ConfidenceThreshold {
			continue
		}

		// Convert the per-sample slope into a time extrapolation using
		// the observed mean inter-arrival of the alerts.
		meanInterval := group[len(group)-1].CreatedAt.Sub(group[0].CreatedAt) / time.Duration(len(group)-1)
		if meanInterval <= 0 {
			continue
		}
		steps := float64(ap.config.Horizon) / float64(meanInterval)
		projected := values[len(values)-1] + slope*steps

		avgThreshold, _ := meanStdev(thresholds)
		breaches := (slope > 0 && projected >= avgThreshold) ||
			(slope < 0 && projected <= avgThreshold)
		if !breaches {
			continue
		}

		magnitude := relativeBreach(projected, avgThreshold)
		prediction := &AlertPrediction{
			PredictionID:  uuid.New().String(),
			PredictedType: RuleTypeThreshold,
			Level:         breachLevel(magnitude),
			Category:      majorityCategory(group),
			Confidence:    confidenceBucket(strength),
			Probability:   clamp01(strength),
			MetricName:    metric,
			WindowStart:   now,
			WindowEnd:     now.Add(ap.config.Horizon),
			Conditions: []string{
				fmt.Sprintf("%s trending at %.4g/sample toward threshold %.4g", metric, slope, avgThreshold),
				fmt.Sprintf("projected value %.4g within %s", projected, ap.config.Horizon),
			},
			PreventionActions: preventionActions(majorityCategory(group)),
			CreatedAt:         now,
		}
		predictions = append(predictions, prediction)
	}
	return predictions
}

// predictFromPatterns projects the next occurrence of every periodic
// pattern and emits a recurrence prediction when it lands inside the
// horizon.
func (ap *AlertPredictor) predictFromPatterns(alerts []*Alert, patterns []*AlertPatternMatch) []*AlertPrediction {
	byID := make(map[string]*Alert, len(alerts))
	for _, a := range alerts {
		byID[a.ID] = a
	}

	now := ap.now()
	var predictions []*AlertPrediction
	for _, p := range patterns {
		if p.PatternType != PatternPeriodic || p.Characteristics.PeriodHours <= 0 {
			continue
		}

		period := time.Duration(p.Characteristics.PeriodHours * float64(time.Hour))
		next := p.WindowEnd.Add(period)
		if next.Before(now) || next.After(now.Add(ap.config.Horizon)) {
			continue
		}

		var members []*Alert
		for _, id := range p.AlertIDs {
			if a, ok := byID[id]; ok {
				members = append(members, a)
			}
		}
		if len(members) == 0 {
			continue
		}

		category := majorityCategory(members)
		predictions = append(predictions, &AlertPrediction{
			PredictionID:  uuid.New().String(),
			PredictedType: RuleTypeFrequency,
			Level:         majorityLevel(members),
			Category:      category,
			Confidence:    confidenceBucket(p.Confidence),
			Probability:   clamp01(p.Confidence),
			MetricName:    members[0].MetricName,
			WindowStart:   next.Add(-period / 4),
			WindowEnd:     next.Add(period / 4),
			Conditions: []string{
				fmt.Sprintf("recurring pattern with period %.1fh, last seen %s",
					p.Characteristics.PeriodHours, p.WindowEnd.Format(time.RFC3339)),
			},
			PreventionActions: preventionActions(category),
			CreatedAt:         now,
		})
	}
	return predictions
}

// relativeBreach is |projected-threshold| / |threshold|, guarded for a
// zero threshold.
func relativeBreach(projected, threshold float64) float64 {
	if threshold == 0 {
		return math.Abs(projected)
	}
	return math.Abs(projected-threshold) / math.Abs(threshold)
}

// breachLevel grades predicted severity by relative breach magnitude.
func breachLevel(magnitude float64) Level {
	switch {
	case magnitude > 0.5:
		return LevelCritical
	case magnitude > 0.3:
		return LevelError
	case magnitude > 0.1:
		return LevelWarning
	default:
		return LevelInfo
	}
}

// confidenceBucket maps a [0,inf) strength score to a bucket.
func confidenceBucket(score float64) ConfidenceBucket {
	switch {
	case score >= 0.9:
		return ConfidenceVeryHigh
	case score >= 0.8:
		return ConfidenceHigh
	case score >= 0.7:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func majorityCategory(alerts []*Alert) Category {
	counts := make(map[Category]int)
	for _, a := range alerts {
		counts[a.Category]++
	}
	var best Category
	bestCount := -1
	for _, c := range []Category{CategorySystem, CategoryPerformance, CategorySecurity, CategoryBusiness, CategoryQuality, CategoryCost} {
		if counts[c] > bestCount {
			best, bestCount = c, counts[c]
		}
	}
	return best
}

func majorityLevel(alerts []*Alert) Level {
	counts := make(map[Level]int)
	for _, a := range alerts {
		counts[a.Level]++
	}
	var best Level
	bestCount := -1
	for _, l := range []Level{LevelCritical, LevelError, LevelWarning, LevelInfo} {
		if counts[l] > bestCount {
			best, bestCount = l, counts[l]
		}
	}
	return best
}

// preventionActions returns static, category-appropriate guidance
// attached to a prediction.
func preventionActions(category Category) []string {
	switch category {
	case CategorySystem:
		return []string{
			"Scale out the affected resource before the projected breach",
			"Verify failover capacity is healthy",
		}
	case CategoryPerformance:
		return []string{
			"Pre-warm caches and review slow query logs",
			"Raise capacity limits ahead of the projected window",
		}
	case CategorySecurity:
		return []string{
			"Tighten rate limits and review access patterns",
			"Put the security on-call on notice for the projected window",
		}
	case CategoryBusiness:
		return []string{
			"Notify stakeholders of the projected impact window",
			"Prepare degraded-mode messaging for affected journeys",
		}
	case CategoryQuality:
		return []string{
			"Gate risky releases until the projected window passes",
			"Increase sampling on quality metrics",
		}
	case CategoryCost:
		return []string{
			"Review autoscaling ceilings before costs compound",
			"Flag the projected spend to the capacity owner",
		}
	default:
		return []string{"Review the projected window and prepare mitigations"}
	}
}
