// Package location rate-limits driver position updates before propagation.
package location

import (
	"sync"
	"time"
)

// DefaultInterval is the minimum spacing between accepted position updates
// from one driver.
const DefaultInterval = 5 * time.Second

// Throttle admits at most one position update per driver per interval.
// Updates arriving inside the window are silently absorbed: not queued, not
// an error, and the previously accepted position keeps standing.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	now      func() time.Time
}

// NewThrottle creates a Throttle. A non-positive interval falls back to
// DefaultInterval.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttle{
		interval: interval,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether an update from the driver may be applied now, and if
// so opens a new window.
func (t *Throttle) Allow(driverID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.last[driverID]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.last[driverID] = now
	return true
}

// Forget drops the driver's window state. Called when the driver's session
// closes so a reconnect starts fresh.
func (t *Throttle) Forget(driverID string) {
	t.mu.Lock()
	delete(t.last, driverID)
	t.mu.Unlock()
}
