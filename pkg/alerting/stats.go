package alerting

import "math"

// olsSlope fits an ordinary-least-squares line of value against sample
// index and returns its slope. ok is false when fewer than two points
// are given or the denominator degenerates.
func olsSlope(values []float64) (slope float64, ok bool) {
	n := len(values)
	if n < 2 {
		return 0, false
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}

	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0, false
	}
	return (fn*sumXY - sumX*sumY) / denom, true
}

// meanStdev returns the arithmetic mean and population standard
// deviation of the samples.
func meanStdev(values []float64) (mean, stdev float64) {
	n := len(values)
	if n == 0 {
		return 0, 0
	}

	for _, v := range values {
		mean += v
	}
	mean /= float64(n)

	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return mean, math.Sqrt(sumSq / float64(n))
}

// clamp01 bounds a confidence score to [0, 1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
