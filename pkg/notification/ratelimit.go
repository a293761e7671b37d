package notification

import (
	"context"
	"sync"
	"time"
)

// SlidingWindowLimiter caps notification volume per (channel,
// recipient) key: at most max sends inside any trailing window. The
// (N+1)-th attempt within the window is rejected.
type SlidingWindowLimiter struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	entries map[string][]time.Time

	now func() time.Time
}

// NewSlidingWindowLimiter creates a limiter allowing max sends per
// window per key.
func NewSlidingWindowLimiter(max int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		max:     max,
		window:  window,
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records an attempt for the key and reports whether it is
// within the limit. Rejected attempts are not recorded.
func (l *SlidingWindowLimiter) Allow(channel Channel, recipient string) bool {
	key := string(channel) + "|" + recipient
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[key][:0]
	for _, t := range l.entries[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

// RunCleanup drops keys with no recent activity until the context is
// cancelled, bounding the key map under recipient churn.
func (l *SlidingWindowLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *SlidingWindowLimiter) cleanup() {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, times := range l.entries {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(l.entries, key)
		}
	}
}
