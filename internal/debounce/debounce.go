// Package debounce collapses bursts of equivalent signals into one trigger.
package debounce

import "time"

// DefaultWindow is the recommended re-trigger interval for refresh signals.
const DefaultWindow = 750 * time.Millisecond

// Debouncer accepts at most one trigger per signal class per window.
// It is not safe for concurrent use.
type Debouncer struct {
	window time.Duration
	last   map[string]time.Time
}

// New creates a Debouncer with the given window.
func New(window time.Duration) *Debouncer {
	return &Debouncer{
		window: window,
		last:   make(map[string]time.Time),
	}
}

// ShouldTrigger reports whether a signal of the given class should trigger
// downstream work at now. The first signal of a class is always accepted.
func (d *Debouncer) ShouldTrigger(now time.Time, class string) bool {
	if last, ok := d.last[class]; ok && now.Sub(last) < d.window {
		return false
	}
	d.last[class] = now
	return true
}

// Reset forgets every class.
func (d *Debouncer) Reset() {
	d.last = make(map[string]time.Time)
}

// Window returns the configured window.
func (d *Debouncer) Window() time.Duration {
	return d.window
}
