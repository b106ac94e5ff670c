package providers

import (
	"sync"
	"time"
)

const telemetryWindowSize = 32

// Telemetry keeps a small rolling window of observed call latencies per
// provider. Adapters record every completed HTTP exchange; the status
// monitor reads the rolling average into ServiceStatusSnapshot.
type Telemetry struct {
	mu      sync.RWMutex
	windows map[string]*latencyWindow
}

type latencyWindow struct {
	samples [telemetryWindowSize]time.Duration
	next    int
	count   int
	lastAt  time.Time
}

// NewTelemetry creates an empty telemetry recorder.
func NewTelemetry() *Telemetry {
	return &Telemetry{
		windows: make(map[string]*latencyWindow),
	}
}

// Record adds a latency sample for a provider.
func (t *Telemetry) Record(provider string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[provider]
	if !ok {
		w = &latencyWindow{}
		t.windows[provider] = w
	}

	w.samples[w.next] = d
	w.next = (w.next + 1) % telemetryWindowSize
	if w.count < telemetryWindowSize {
		w.count++
	}
	w.lastAt = time.Now()
}

// AverageMs returns the rolling average latency in milliseconds, or 0
// when no samples have been recorded yet.
func (t *Telemetry) AverageMs(provider string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	w, ok := t.windows[provider]
	if !ok || w.count == 0 {
		return 0
	}

	var total time.Duration
	for i := 0; i < w.count; i++ {
		total += w.samples[i]
	}

	return (total / time.Duration(w.count)).Milliseconds()
}

// LastSeen returns when the provider last completed a call, or the zero
// time if it never has.
func (t *Telemetry) LastSeen(provider string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	w, ok := t.windows[provider]
	if !ok {
		return time.Time{}
	}

	return w.lastAt
}
