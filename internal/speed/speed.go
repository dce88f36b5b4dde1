// Package speed estimates per-item upload throughput from a trailing window
// of byte samples folded into an exponentially-weighted moving average.
package speed

import (
	"sync"
	"time"
)

// Defaults tuned for progress display: a 5s window absorbs bursty part
// completions, alpha 0.3 keeps the figure responsive without flicker.
const (
	DefaultWindow = 5 * time.Second
	DefaultAlpha  = 0.3
)

// minElapsed floors the rate denominator so a burst of samples inside the
// first second does not report an absurd rate.
const minElapsed = time.Second

type sample struct {
	at    time.Time
	bytes int64
}

// Meter smooths instantaneous throughput samples. It is safe for concurrent
// use; chunked transfers record from several part workers at once.
type Meter struct {
	mu       sync.Mutex
	window   time.Duration
	alpha    float64
	samples  []sample
	smoothed float64
	primed   bool
}

// New creates a meter. Non-positive window or alpha outside (0, 1] fall back
// to the defaults.
func New(window time.Duration, alpha float64) *Meter {
	if window <= 0 {
		window = DefaultWindow
	}
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Meter{window: window, alpha: alpha}
}

// Record appends a sample and returns the updated smoothed rate in
// bytes/sec.
func (m *Meter) Record(bytes int64, now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, sample{at: now, bytes: bytes})
	m.pruneLocked(now)

	raw := m.rawLocked(now)
	if m.primed {
		m.smoothed = m.alpha*raw + (1-m.alpha)*m.smoothed
	} else {
		m.smoothed = raw
		m.primed = true
	}
	return m.smoothed
}

// Rate returns the current smoothed rate. An empty window yields 0 and
// resets the smoothing state, so idle periods decay the displayed speed to
// zero instead of freezing a stale number.
func (m *Meter) Rate(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(now)
	if len(m.samples) == 0 {
		m.smoothed = 0
		m.primed = false
		return 0
	}
	if !m.primed {
		return m.rawLocked(now)
	}
	return m.smoothed
}

// Reset discards all samples and smoothing state.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = m.samples[:0]
	m.smoothed = 0
	m.primed = false
}

func (m *Meter) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}

func (m *Meter) rawLocked(now time.Time) float64 {
	if len(m.samples) == 0 {
		return 0
	}
	var total int64
	for _, s := range m.samples {
		total += s.bytes
	}
	elapsed := now.Sub(m.samples[0].at)
	if elapsed > m.window {
		elapsed = m.window
	}
	if elapsed < minElapsed {
		elapsed = minElapsed
	}
	return float64(total) / elapsed.Seconds()
}
