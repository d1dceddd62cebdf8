package stream

import "time"

// Watchdog detects stalls: the pipeline is marked processing but nothing has
// been heard from the backend for longer than the threshold. It fires once
// per stall episode and re-arms on the next confirmed activity.
type Watchdog struct {
	threshold    time.Duration
	lastActivity time.Time
	latched      bool
}

// NewWatchdog creates a watchdog whose activity clock starts at now.
func NewWatchdog(threshold time.Duration, now time.Time) *Watchdog {
	return &Watchdog{threshold: threshold, lastActivity: now}
}

// Touch records confirmed backend activity and clears the latch.
func (w *Watchdog) Touch(now time.Time) {
	w.lastActivity = now
	w.latched = false
}

// Check reports whether a stall notice should be raised at now.
func (w *Watchdog) Check(now time.Time, processing bool) bool {
	if !processing || w.latched {
		return false
	}
	if now.Sub(w.lastActivity) < w.threshold {
		return false
	}
	w.latched = true
	return true
}

// Latched reports whether a notice has fired for the current episode.
func (w *Watchdog) Latched() bool {
	return w.latched
}
