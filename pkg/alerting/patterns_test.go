package alerting

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsignal/alerting-engine/pkg/logging"
)

func newTestRecognizer(t *testing.T) *PatternRecognizer {
	t.Helper()
	return NewPatternRecognizer(DefaultPatternConfig(), nil, logging.NewTestLogger())
}

func patternAlert(id, source, metric string, level Level, category Category, at time.Time) *Alert {
	return &Alert{
		ID:         id,
		RuleID:     "rule-1",
		Category:   category,
		Level:      level,
		Priority:   PriorityMedium,
		Title:      "pattern alert " + id,
		Source:     source,
		MetricName: metric,
		Status:     StatusActive,
		CreatedAt:  at,
	}
}

func matchesOfType(matches []*AlertPatternMatch, pt PatternType) []*AlertPatternMatch {
	var out []*AlertPatternMatch
	for _, m := range matches {
		if m.PatternType == pt {
			out = append(out, m)
		}
	}
	return out
}

func TestDetectBurst(t *testing.T) {
	pr := newTestRecognizer(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// 26 alerts inside one 5-minute bucket: 5.2/min clears the 5/min
	// threshold while each single minute stays below the storm threshold.
	var alerts []*Alert
	for i := 0; i < 26; i++ {
		alerts = append(alerts, patternAlert(
			fmt.Sprintf("b%02d", i), fmt.Sprintf("node-%d", i%3), fmt.Sprintf("metric-%d", i),
			LevelWarning, CategorySystem, base.Add(time.Duration(i)*11*time.Second)))
	}

	bursts := matchesOfType(pr.Detect(alerts), PatternBurst)
	require.Len(t, bursts, 1)
	assert.InDelta(t, 5.2, bursts[0].Characteristics.BurstRate, 0.01)
	assert.Len(t, bursts[0].AlertIDs, 26)
	assert.Greater(t, bursts[0].Confidence, 0.0)
	assert.Empty(t, matchesOfType(pr.Detect(alerts), PatternStorm))
}

func TestDetectCascade(t *testing.T) {
	pr := newTestRecognizer(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	alerts := []*Alert{
		patternAlert("c1", "database", "disk_io", LevelInfo, CategorySystem, base),
		patternAlert("c2", "database", "query_latency", LevelWarning, CategorySystem, base.Add(10*time.Minute)),
		patternAlert("c3", "database", "connection_errors", LevelError, CategorySystem, base.Add(20*time.Minute)),
		// Different source, must not join the run.
		patternAlert("x1", "cache", "hit_rate", LevelCritical, CategorySystem, base.Add(25*time.Minute)),
	}

	cascades := matchesOfType(pr.Detect(alerts), PatternCascade)
	require.Len(t, cascades, 1)
	assert.Equal(t, 3, cascades[0].Characteristics.CascadeDepth)
	assert.Equal(t, []string{"c1", "c2", "c3"}, cascades[0].AlertIDs)
}

func TestCascadeBrokenByLargeGap(t *testing.T) {
	pr := newTestRecognizer(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	alerts := []*Alert{
		patternAlert("c1", "database", "m1", LevelInfo, CategorySystem, base),
		patternAlert("c2", "database", "m2", LevelWarning, CategorySystem, base.Add(30*time.Minute)),
		// Two hours later: outside the cascade gap, run resets.
		patternAlert("c3", "database", "m3", LevelError, CategorySystem, base.Add(150*time.Minute)),
	}

	assert.Empty(t, matchesOfType(pr.Detect(alerts), PatternCascade))
}

func TestDetectPeriodic(t *testing.T) {
	pr := newTestRecognizer(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Six occurrences exactly two hours apart: CV is zero.
	var alerts []*Alert
	for i := 0; i < 6; i++ {
		alerts = append(alerts, patternAlert(
			fmt.Sprintf("p%d", i), "batch-runner", "job_duration",
			LevelWarning, CategoryPerformance, base.Add(time.Duration(i)*2*time.Hour)))
	}

	periodic := matchesOfType(pr.Detect(alerts), PatternPeriodic)
	require.Len(t, periodic, 1)
	assert.InDelta(t, 2.0, periodic[0].Characteristics.PeriodHours, 0.01)
	assert.GreaterOrEqual(t, periodic[0].Confidence, 0.5)
}

func TestIrregularSeriesNotPeriodic(t *testing.T) {
	pr := newTestRecognizer(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	offsets := []time.Duration{0, 1 * time.Hour, 5 * time.Hour, 6 * time.Hour, 14 * time.Hour, 15 * time.Hour}
	var alerts []*Alert
	for i, off := range offsets {
		alerts = append(alerts, patternAlert(
			fmt.Sprintf("p%d", i), "batch-runner", "job_duration",
			LevelWarning, CategoryPerformance, base.Add(off)))
	}

	assert.Empty(t, matchesOfType(pr.Detect(alerts), PatternPeriodic))
}

func TestDetectStorm(t *testing.T) {
	pr := newTestRecognizer(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var alerts []*Alert
	for i := 0; i < 25; i++ {
		alerts = append(alerts, patternAlert(
			fmt.Sprintf("s%02d", i), fmt.Sprintf("node-%d", i), fmt.Sprintf("metric-%d", i),
			LevelError, CategorySystem, base.Add(time.Duration(i)*2*time.Second)))
	}

	storms := matchesOfType(pr.Detect(alerts), PatternStorm)
	require.Len(t, storms, 1)
	assert.Equal(t, 1, storms[0].Characteristics.WindowCount)
	assert.Len(t, storms[0].AlertIDs, 25)
}

func TestStormMergesAdjacentMinutes(t *testing.T) {
	pr := newTestRecognizer(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var alerts []*Alert
	id := 0
	for minute := 0; minute < 2; minute++ {
		for i := 0; i < 22; i++ {
			alerts = append(alerts, patternAlert(
				fmt.Sprintf("s%03d", id), fmt.Sprintf("node-%d", id), fmt.Sprintf("metric-%d", id),
				LevelError, CategorySystem, base.Add(time.Duration(minute)*time.Minute+time.Duration(i)*2*time.Second)))
			id++
		}
	}

	storms := matchesOfType(pr.Detect(alerts), PatternStorm)
	require.Len(t, storms, 1, "adjacent storm minutes merge into one match")
	assert.Equal(t, 2, storms[0].Characteristics.WindowCount)
	assert.Len(t, storms[0].AlertIDs, 44)
}

func TestDetectCorrelation(t *testing.T) {
	pr := newTestRecognizer(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var alerts []*Alert
	for i := 0; i < 5; i++ {
		alerts = append(alerts, patternAlert(
			fmt.Sprintf("sys%d", i), "api", fmt.Sprintf("m%d", i),
			LevelWarning, CategorySystem, base.Add(time.Duration(i)*time.Minute)))
	}
	for i := 0; i < 4; i++ {
		alerts = append(alerts, patternAlert(
			fmt.Sprintf("perf%d", i), "worker", fmt.Sprintf("n%d", i),
			LevelWarning, CategoryPerformance, base.Add(time.Duration(i)*time.Minute)))
	}

	correlations := matchesOfType(pr.Detect(alerts), PatternCorrelation)
	require.NotEmpty(t, correlations)
	for _, c := range correlations {
		assert.InDelta(t, 0.8, c.Characteristics.CorrelationStrength, 0.001)
		assert.Len(t, c.AlertIDs, 9)
	}
}

func TestCorrelationMatchesSingletonGroups(t *testing.T) {
	pr := newTestRecognizer(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Two lone alerts in one 10-minute window, differing in both
	// category and source: each pairing has overlap min/max = 1.0.
	alerts := []*Alert{
		patternAlert("s1", "api", "cpu_usage", LevelWarning, CategorySystem, base),
		patternAlert("q1", "worker", "error_rate", LevelWarning, CategoryQuality, base.Add(2*time.Minute)),
	}

	correlations := matchesOfType(pr.Detect(alerts), PatternCorrelation)
	require.Len(t, correlations, 2, "one category pair and one source pair")
	for _, c := range correlations {
		assert.InDelta(t, 1.0, c.Characteristics.CorrelationStrength, 0.001)
		assert.ElementsMatch(t, []string{"s1", "q1"}, c.AlertIDs)
	}
}

func TestCorrelationMinGroupSizeFiltersSingletons(t *testing.T) {
	config := DefaultPatternConfig()
	config.CorrelationMinGroupSize = 2
	pr := NewPatternRecognizer(config, nil, logging.NewTestLogger())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	alerts := []*Alert{
		patternAlert("s1", "api", "cpu_usage", LevelWarning, CategorySystem, base),
		patternAlert("q1", "worker", "error_rate", LevelWarning, CategoryQuality, base.Add(2*time.Minute)),
	}

	assert.Empty(t, matchesOfType(pr.Detect(alerts), PatternCorrelation))
}

func TestDetectionIsOrderInvariant(t *testing.T) {
	pr := newTestRecognizer(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var alerts []*Alert
	for i := 0; i < 26; i++ {
		alerts = append(alerts, patternAlert(
			fmt.Sprintf("b%02d", i), fmt.Sprintf("node-%d", i%3), fmt.Sprintf("metric-%d", i),
			LevelWarning, CategorySystem, base.Add(time.Duration(i)*11*time.Second)))
	}

	forward := pr.Detect(alerts)

	reversed := make([]*Alert, len(alerts))
	for i, a := range alerts {
		reversed[len(alerts)-1-i] = a
	}
	backward := pr.Detect(reversed)

	require.Equal(t, len(forward), len(backward))
	countByType := func(matches []*AlertPatternMatch) map[PatternType]int {
		counts := make(map[PatternType]int)
		for _, m := range matches {
			counts[m.PatternType]++
		}
		return counts
	}
	assert.Equal(t, countByType(forward), countByType(backward))
}

func TestDetectEmptyInput(t *testing.T) {
	pr := newTestRecognizer(t)
	assert.Empty(t, pr.Detect(nil))
}
