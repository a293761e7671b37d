package alerting

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opsignal/alerting-engine/pkg/logging"
)

// PatternConfig holds detection thresholds for the pattern recognizer.
type PatternConfig struct {
	// BurstThreshold is the minimum alert rate (alerts/minute) for a
	// 5-minute bucket to count as a burst.
	BurstThreshold float64 `yaml:"burst_threshold"`

	// CascadeThreshold is the minimum run length of strictly rising
	// severity within one source.
	CascadeThreshold int `yaml:"cascade_threshold"`

	// StormThreshold is the minimum alert count in a 1-minute bucket.
	StormThreshold int `yaml:"storm_threshold"`

	// CorrelationOverlap is the minimum min/max count ratio for two
	// groupings in the same 10-minute window to correlate.
	CorrelationOverlap float64 `yaml:"correlation_overlap"`

	// CorrelationMinGroupSize is the smallest grouping considered for
	// pairwise correlation. The default of 1 lets two singleton
	// groupings correlate (their overlap is trivially 1.0); raise it
	// to cut that noise on busy deployments.
	CorrelationMinGroupSize int `yaml:"correlation_min_group_size"`

	// PeriodicMinOccurrences gates recurrence detection per
	// (source, metric) key.
	PeriodicMinOccurrences int `yaml:"periodic_min_occurrences"`

	// PeriodicMaxCV is the maximum coefficient of variation of the
	// inter-arrival intervals for a series to classify as periodic.
	PeriodicMaxCV float64 `yaml:"periodic_max_cv"`
}

// DefaultPatternConfig returns the production detection thresholds.
func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		BurstThreshold:          5,
		CascadeThreshold:        3,
		StormThreshold:          20,
		CorrelationOverlap:      0.7,
		CorrelationMinGroupSize: 1,
		PeriodicMinOccurrences:  5,
		PeriodicMaxCV:           0.3,
	}
}

const (
	burstBucket       = 5 * time.Minute
	correlationBucket = 10 * time.Minute
	stormBucket       = time.Minute
	stormMergeGap     = 2 * time.Minute
	cascadeMaxGap     = time.Hour
)

// PatternRecognizer detects structural relationships (bursts, cascades,
// periodic recurrences, correlations, storms) in recent alert history.
// Detection output is independent of input ordering: alerts are sorted
// chronologically before any grouping.
type PatternRecognizer struct {
	logger  *logging.StructuredLogger
	metrics *EngineMetrics
	config  PatternConfig
}

// NewPatternRecognizer creates a recognizer with the given thresholds.
func NewPatternRecognizer(config PatternConfig, metrics *EngineMetrics, logger *logging.StructuredLogger) *PatternRecognizer {
	return &PatternRecognizer{
		logger:  logger.WithComponent("pattern-recognizer"),
		metrics: metrics,
		config:  config,
	}
}

// Detect runs all detectors over the alert set and returns every match.
func (pr *PatternRecognizer) Detect(alerts []*Alert) []*AlertPatternMatch {
	if len(alerts) == 0 {
		return nil
	}

	sorted := make([]*Alert, len(alerts))
	copy(sorted, alerts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	var matches []*AlertPatternMatch
	matches = append(matches, pr.detectBursts(sorted)...)
	matches = append(matches, pr.detectCascades(sorted)...)
	matches = append(matches, pr.detectPeriodic(sorted)...)
	matches = append(matches, pr.detectCorrelations(sorted)...)
	matches = append(matches, pr.detectStorms(sorted)...)

	if pr.metrics != nil {
		for _, m := range matches {
			pr.metrics.PatternsDetected.WithLabelValues(string(m.PatternType)).Inc()
		}
	}
	return matches
}

// detectBursts buckets alerts into fixed 5-minute windows and flags
// windows whose per-minute rate reaches the burst threshold.
func (pr *PatternRecognizer) detectBursts(sorted []*Alert) []*AlertPatternMatch {
	buckets := bucketByTime(sorted, burstBucket)

	var matches []*AlertPatternMatch
	for _, b := range buckets {
		rate := float64(len(b.alerts)) / burstBucket.Minutes()
		if rate < pr.config.BurstThreshold {
			continue
		}

		matches = append(matches, &AlertPatternMatch{
			PatternID:   uuid.New().String(),
			PatternType: PatternBurst,
			Confidence:  clamp01(rate / (2 * pr.config.BurstThreshold)),
			AlertIDs:    alertIDs(b.alerts),
			WindowStart: b.start,
			WindowEnd:   b.start.Add(burstBucket),
			Characteristics: PatternCharacteristics{
				BurstRate: rate,
			},
			Description: fmt.Sprintf("%d alerts in 5 minutes (%.1f/min)", len(b.alerts), rate),
		})
	}
	return matches
}

// detectCascades looks for per-source runs of strictly increasing
// severity with consecutive gaps of at most one hour.
func (pr *PatternRecognizer) detectCascades(sorted []*Alert) []*AlertPatternMatch {
	bySource := groupBy(sorted, func(a *Alert) string { return a.Source })

	var matches []*AlertPatternMatch
	for _, source := range sortedKeys(bySource) {
		group := bySource[source]

		run := []*Alert{group[0]}
		flush := func() {
			if len(run) >= pr.config.CascadeThreshold {
				matches = append(matches, &AlertPatternMatch{
					PatternID:   uuid.New().String(),
					PatternType: PatternCascade,
					Confidence:  clamp01(float64(len(run)) / 5),
					AlertIDs:    alertIDs(run),
					WindowStart: run[0].CreatedAt,
					WindowEnd:   run[len(run)-1].CreatedAt,
					Characteristics: PatternCharacteristics{
						CascadeDepth: len(run),
					},
					Description: fmt.Sprintf("severity cascade of depth %d from source %q", len(run), source),
				})
			}
		}

		for i := 1; i < len(group); i++ {
			prev, cur := run[len(run)-1], group[i]
			rising := severityRank(cur.Level) > severityRank(prev.Level)
			within := cur.CreatedAt.Sub(prev.CreatedAt) <= cascadeMaxGap
			if rising && within {
				run = append(run, cur)
				continue
			}
			flush()
			run = []*Alert{cur}
		}
		flush()
	}
	return matches
}

// detectPeriodic classifies a (source, metric) series as periodic when
// its inter-arrival intervals are regular (CV below the configured cap).
func (pr *PatternRecognizer) detectPeriodic(sorted []*Alert) []*AlertPatternMatch {
	byKey := groupBy(sorted, func(a *Alert) string { return a.Source + "|" + a.MetricName })

	var matches []*AlertPatternMatch
	for _, key := range sortedKeys(byKey) {
		group := byKey[key]
		if len(group) < pr.config.PeriodicMinOccurrences {
			continue
		}

		intervals := make([]float64, 0, len(group)-1)
		for i := 1; i < len(group); i++ {
			intervals = append(intervals, group[i].CreatedAt.Sub(group[i-1].CreatedAt).Hours())
		}

		mean, stdev := meanStdev(intervals)
		if mean == 0 {
			continue
		}
		cv := stdev / mean
		if cv >= pr.config.PeriodicMaxCV {
			continue
		}

		confidence := 1 - cv
		if confidence < 0.5 {
			confidence = 0.5
		}

		matches = append(matches, &AlertPatternMatch{
			PatternID:   uuid.New().String(),
			PatternType: PatternPeriodic,
			Confidence:  clamp01(confidence),
			AlertIDs:    alertIDs(group),
			WindowStart: group[0].CreatedAt,
			WindowEnd:   group[len(group)-1].CreatedAt,
			Characteristics: PatternCharacteristics{
				PeriodHours: mean,
			},
			Description: fmt.Sprintf("recurring every %.1fh (%d occurrences)", mean, len(group)),
		})
	}
	return matches
}

// detectCorrelations pairs category and source groupings inside
// 10-minute windows by count overlap.
func (pr *PatternRecognizer) detectCorrelations(sorted []*Alert) []*AlertPatternMatch {
	buckets := bucketByTime(sorted, correlationBucket)

	var matches []*AlertPatternMatch
	for _, b := range buckets {
		byCategory := groupBy(b.alerts, func(a *Alert) string { return string(a.Category) })
		bySource := groupBy(b.alerts, func(a *Alert) string { return a.Source })

		matches = append(matches, pr.correlatePairs(byCategory, "category", b.start)...)
		matches = append(matches, pr.correlatePairs(bySource, "source", b.start)...)
	}
	return matches
}

func (pr *PatternRecognizer) correlatePairs(groups map[string][]*Alert, dimension string, windowStart time.Time) []*AlertPatternMatch {
	keys := sortedKeys(groups)

	minGroup := pr.config.CorrelationMinGroupSize
	if minGroup < 1 {
		minGroup = 1
	}

	var matches []*AlertPatternMatch
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			a, b := groups[keys[i]], groups[keys[j]]
			if len(a) < minGroup || len(b) < minGroup {
				continue
			}
			overlap := overlapRatio(len(a), len(b))
			if overlap < pr.config.CorrelationOverlap {
				continue
			}

			members := append(alertIDs(a), alertIDs(b)...)
			matches = append(matches, &AlertPatternMatch{
				PatternID:   uuid.New().String(),
				PatternType: PatternCorrelation,
				Confidence:  clamp01(overlap),
				AlertIDs:    members,
				WindowStart: windowStart,
				WindowEnd:   windowStart.Add(correlationBucket),
				Characteristics: PatternCharacteristics{
					CorrelationStrength: overlap,
				},
				Description: fmt.Sprintf("%s %q correlates with %q (overlap %.2f)",
					dimension, keys[i], keys[j], overlap),
			})
		}
	}
	return matches
}

// detectStorms flags 1-minute buckets at or above the storm threshold
// and merges temporally adjacent candidates into one match.
func (pr *PatternRecognizer) detectStorms(sorted []*Alert) []*AlertPatternMatch {
	buckets := bucketByTime(sorted, stormBucket)

	var candidates []timeBucket
	for _, b := range buckets {
		if len(b.alerts) >= pr.config.StormThreshold {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	var matches []*AlertPatternMatch
	merged := []timeBucket{candidates[0]}
	flush := func() {
		var all []*Alert
		for _, c := range merged {
			all = append(all, c.alerts...)
		}
		last := merged[len(merged)-1]
		matches = append(matches, &AlertPatternMatch{
			PatternID:   uuid.New().String(),
			PatternType: PatternStorm,
			Confidence:  clamp01(float64(len(all)) / float64(3*pr.config.StormThreshold)),
			AlertIDs:    alertIDs(all),
			WindowStart: merged[0].start,
			WindowEnd:   last.start.Add(stormBucket),
			Characteristics: PatternCharacteristics{
				BurstRate:   float64(len(all)) / last.start.Add(stormBucket).Sub(merged[0].start).Minutes(),
				WindowCount: len(merged),
			},
			Description: fmt.Sprintf("alert storm: %d alerts across %d minute(s)", len(all), len(merged)),
		})
	}

	for _, c := range candidates[1:] {
		if c.start.Sub(merged[len(merged)-1].start) <= stormMergeGap {
			merged = append(merged, c)
			continue
		}
		flush()
		merged = []timeBucket{c}
	}
	flush()
	return matches
}

// timeBucket is one fixed-size time window of chronologically sorted
// alerts.
type timeBucket struct {
	start  time.Time
	alerts []*Alert
}

// bucketByTime splits sorted alerts into fixed windows, returned in
// chronological order.
func bucketByTime(sorted []*Alert, size time.Duration) []timeBucket {
	byStart := make(map[time.Time][]*Alert)
	for _, a := range sorted {
		start := a.CreatedAt.Truncate(size)
		byStart[start] = append(byStart[start], a)
	}

	starts := make([]time.Time, 0, len(byStart))
	for s := range byStart {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	out := make([]timeBucket, 0, len(starts))
	for _, s := range starts {
		out = append(out, timeBucket{start: s, alerts: byStart[s]})
	}
	return out
}

func groupBy(alerts []*Alert, key func(*Alert) string) map[string][]*Alert {
	groups := make(map[string][]*Alert)
	for _, a := range alerts {
		k := key(a)
		groups[k] = append(groups[k], a)
	}
	return groups
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func alertIDs(alerts []*Alert) []string {
	ids := make([]string, len(alerts))
	for i, a := range alerts {
		ids[i] = a.ID
	}
	return ids
}

func overlapRatio(a, b int) float64 {
	if a == 0 || b == 0 {
		return 0
	}
	min, max := a, b
	if min > max {
		min, max = max, min
	}
	return float64(min) / float64(max)
}
