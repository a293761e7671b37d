package alerting

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferWraparound(t *testing.T) {
	rb := newRingBuffer(3)

	rb.Append(1)
	rb.Append(2)
	assert.Equal(t, 2, rb.Len())
	assert.Equal(t, []float64{1, 2}, rb.Values())

	rb.Append(3)
	rb.Append(4) // evicts 1
	assert.Equal(t, 3, rb.Len())
	assert.Equal(t, []float64{2, 3, 4}, rb.Values())

	rb.Append(5)
	assert.Equal(t, []float64{3, 4, 5}, rb.Values())
}

func TestRingBufferLast(t *testing.T) {
	rb := newRingBuffer(5)
	for _, v := range []float64{1, 2, 3, 4, 5, 6} {
		rb.Append(v)
	}

	assert.Equal(t, []float64{5, 6}, rb.Last(2))
	assert.Equal(t, []float64{2, 3, 4, 5, 6}, rb.Last(10), "asking beyond count returns everything")
}

func TestOLSSlope(t *testing.T) {
	slope, ok := olsSlope([]float64{1, 2, 3, 4})
	assert.True(t, ok)
	assert.InDelta(t, 1.0, slope, 1e-9)

	slope, ok = olsSlope([]float64{10, 8, 6})
	assert.True(t, ok)
	assert.InDelta(t, -2.0, slope, 1e-9)

	_, ok = olsSlope([]float64{42})
	assert.False(t, ok, "a single point has no slope")
}

func TestMeanStdev(t *testing.T) {
	mean, stdev := meanStdev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5.0, mean, 1e-9)
	assert.InDelta(t, 2.0, stdev, 1e-9)

	mean, stdev = meanStdev(nil)
	assert.Zero(t, mean)
	assert.Zero(t, stdev)
}
