package alerting

// ringBuffer is a fixed-capacity buffer of float64 samples. Appending
// beyond capacity overwrites the oldest sample, so per-metric history
// never grows without bound.
type ringBuffer struct {
	data  []float64
	head  int
	count int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{data: make([]float64, capacity)}
}

// Append adds a sample, evicting the oldest when full.
func (rb *ringBuffer) Append(v float64) {
	rb.data[(rb.head+rb.count)%len(rb.data)] = v
	if rb.count < len(rb.data) {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % len(rb.data)
	}
}

// Len returns the number of stored samples.
func (rb *ringBuffer) Len() int { return rb.count }

// Values returns the samples oldest-first as a fresh slice.
func (rb *ringBuffer) Values() []float64 {
	out := make([]float64, rb.count)
	for i := 0; i < rb.count; i++ {
		out[i] = rb.data[(rb.head+i)%len(rb.data)]
	}
	return out
}

// Last returns the n most recent samples oldest-first. When fewer than
// n samples exist, all of them are returned.
func (rb *ringBuffer) Last(n int) []float64 {
	if n > rb.count {
		n = rb.count
	}
	out := make([]float64, n)
	start := rb.count - n
	for i := 0; i < n; i++ {
		out[i] = rb.data[(rb.head+start+i)%len(rb.data)]
	}
	return out
}
