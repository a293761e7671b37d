package alerting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsignal/alerting-engine/pkg/logging"
)

func newTestAnalyzer(t *testing.T) *RootCauseAnalyzer {
	t.Helper()
	return NewRootCauseAnalyzer(logging.NewTestLogger())
}

func causeAlert(id, source, metric string, category Category) *Alert {
	return &Alert{
		ID:         id,
		RuleID:     "rule-1",
		Category:   category,
		Level:      LevelError,
		Priority:   PriorityHigh,
		Title:      "cause alert " + id,
		Source:     source,
		MetricName: metric,
		Status:     StatusActive,
		CreatedAt:  time.Now(),
	}
}

func TestAnalyzeCapacityExhaustion(t *testing.T) {
	rca := newTestAnalyzer(t)

	alerts := []*Alert{
		causeAlert("a1", "node-1", "memory_usage", CategorySystem),
		causeAlert("a2", "node-2", "disk_usage", CategorySystem),
	}

	results := rca.Analyze(alerts, nil, nil)
	require.Len(t, results, 1)

	top := results[0]
	assert.Equal(t, CauseCapacity, top.Category)
	// base 0.25 + metric 0.3 + category 0.15
	assert.InDelta(t, 0.70, top.Confidence, 1e-9)
	assert.Len(t, top.Evidence, 2)
	assert.Equal(t, []string{"a1", "a2"}, top.AlertIDs)
	assert.NotEmpty(t, top.Recommendations)
	assert.NotEmpty(t, top.Reasoning)
}

func TestAnalyzeDeploymentWindowOutranksWeakerCauses(t *testing.T) {
	rca := newTestAnalyzer(t)
	now := time.Now()

	alerts := []*Alert{causeAlert("a1", "node-1", "", CategorySystem)}
	opCtx := &OperationalContext{
		DeploymentWindows: []TimeWindow{{Start: now.Add(-time.Hour), End: now.Add(time.Hour)}},
	}

	results := rca.Analyze(alerts, nil, opCtx)
	require.NotEmpty(t, results)
	assert.Equal(t, CauseConfiguration, results[0].Category)
	// base 0.35 + contextual 0.4
	assert.InDelta(t, 0.75, results[0].Confidence, 1e-9)

	// Results are ordered by confidence descending.
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Confidence, results[i-1].Confidence)
	}
}

func TestAnalyzeRequiredPatternGate(t *testing.T) {
	rca := newTestAnalyzer(t)
	alerts := []*Alert{causeAlert("a1", "infra-lb", "", CategoryBusiness)}

	// Without a cascade or storm the infrastructure rule must not fire
	// even though the source matches.
	results := rca.Analyze(alerts, nil, nil)
	for _, r := range results {
		assert.NotEqual(t, CauseInfrastructure, r.Category)
	}

	cascade := &AlertPatternMatch{
		PatternID:   "pat-1",
		PatternType: PatternCascade,
		AlertIDs:    []string{"a1"},
	}
	results = rca.Analyze(alerts, []*AlertPatternMatch{cascade}, nil)
	require.NotEmpty(t, results)
	assert.Equal(t, CauseInfrastructure, results[0].Category)
	assert.Contains(t, results[0].RelatedPatterns, "pat-1")
}

func TestAnalyzeConfidenceClamped(t *testing.T) {
	catalog := []CauseRule{{
		Name:           "overweighted",
		Category:       CauseApplication,
		Sources:        []string{"app"},
		BaseConfidence: 0.9,
		SourceWeight:   0.9,
	}}
	rca := NewRootCauseAnalyzerWithCatalog(catalog, logging.NewTestLogger())

	results := rca.Analyze([]*Alert{causeAlert("a1", "app-server", "", CategorySystem)}, nil, nil)
	require.Len(t, results, 1)
	assert.Equal(t, 1.0, results[0].Confidence)
}

func TestAnalyzeNoEvidenceNoResult(t *testing.T) {
	catalog := []CauseRule{{
		Name:           "never matches",
		Category:       CauseExternal,
		Sources:        []string{"nonexistent"},
		BaseConfidence: 0.5,
		SourceWeight:   0.2,
	}}
	rca := NewRootCauseAnalyzerWithCatalog(catalog, logging.NewTestLogger())

	assert.Empty(t, rca.Analyze([]*Alert{causeAlert("a1", "app", "", CategorySystem)}, nil, nil))
}

func TestAnalyzeEmptyAlerts(t *testing.T) {
	rca := newTestAnalyzer(t)
	assert.Empty(t, rca.Analyze(nil, nil, nil))
}

func TestTimeWindowContains(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := TimeWindow{Start: base, End: base.Add(time.Hour)}

	assert.True(t, w.Contains(base))
	assert.True(t, w.Contains(base.Add(30*time.Minute)))
	assert.True(t, w.Contains(base.Add(time.Hour)))
	assert.False(t, w.Contains(base.Add(-time.Second)))
	assert.False(t, w.Contains(base.Add(time.Hour+time.Second)))
}
