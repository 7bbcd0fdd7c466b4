package metrics

import (
	"sync"
	"time"
)

// RateWindow computes a throughput rate over a short rolling window of
// progress events. Cumulative counters answer "how much so far"; this
// answers "how fast right now".
type RateWindow struct {
	mu      sync.Mutex
	span    time.Duration
	samples []rateSample
	now     func() time.Time // injectable for tests
}

type rateSample struct {
	at    time.Time
	bytes int64
}

// NewRateWindow creates a window spanning the given duration.
func NewRateWindow(span time.Duration) *RateWindow {
	if span <= 0 {
		span = 10 * time.Second
	}
	return &RateWindow{
		span: span,
		now:  time.Now,
	}
}

// Record adds a progress event of n bytes at the current time.
func (w *RateWindow) Record(n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)
	w.samples = append(w.samples, rateSample{at: now, bytes: n})
}

// Rate returns the current rate in bytes per second over the window.
func (w *RateWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	var total int64
	for _, s := range w.samples {
		total += s.bytes
	}
	return float64(total) / w.span.Seconds()
}

// prune drops samples older than the window. Caller must hold w.mu.
func (w *RateWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}
