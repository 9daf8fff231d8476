package surface

import (
	"math"
	"sync"
	"time"
)

// decayTimescale is the one-second window from spec §4.3 ("subject to an
// exponential decay with a timescale of one second so pressure reflects
// recent load only").
const decayTimescale = time.Second

// decayingCounter is a single scalar that decays exponentially toward zero
// between updates, used for Surface's aggregate pull-pressure counter (spec
// Invariant 5: "Pull pressure on a Surface reflects only requests received
// within a bounded recent window; it never grows unboundedly").
type decayingCounter struct {
	mu    sync.Mutex
	value float64
	last  time.Time
}

func newDecayingCounter(now time.Time) *decayingCounter {
	return &decayingCounter{last: now}
}

func (d *decayingCounter) decayLocked(now time.Time) {
	elapsed := now.Sub(d.last).Seconds()
	if elapsed <= 0 {
		return
	}
	d.value *= math.Exp(-elapsed / decayTimescale.Seconds())
	d.last = now
}

// Add folds n into the counter after decaying it to now.
func (d *decayingCounter) Add(now time.Time, n float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decayLocked(now)
	d.value += n
}

// Value returns the counter decayed to now, without mutating its stored
// timestamp (read-only — safe to call from snapshot_stats without disturbing
// the decay curve observed by the pacer).
func (d *decayingCounter) Value(now time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	elapsed := now.Sub(d.last).Seconds()
	if elapsed <= 0 {
		return d.value
	}
	return d.value * math.Exp(-elapsed/decayTimescale.Seconds())
}
