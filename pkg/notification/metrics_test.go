package notification

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestDispatcherMetricsReuseExistingCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewDispatcherMetrics(reg)
	second := NewDispatcherMetrics(reg)

	second.Sent.WithLabelValues("email").Inc()
	second.RateLimited.WithLabelValues("email").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(first.Sent.WithLabelValues("email")))
	assert.Equal(t, 1.0, testutil.ToFloat64(first.RateLimited.WithLabelValues("email")))
}
