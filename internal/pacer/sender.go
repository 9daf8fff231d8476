package pacer

import (
	"math"
	"sync/atomic"
)

// SenderPacer tracks the emit rate for one Surface, adjusted every
// UpdateInterval from observed pull pressure per spec §4.5:
//
//	pressure > rate * overshootFactor  -> rate *= 1.1 (capped)
//	pressure == 0 for the interval     -> rate *= 0.9 (floored)
//
// "Rate changes are logged as events for telemetry" (spec §4.5) and "the
// source's pacer increments a counter... the specified semantics above treat
// it as a total count of adjustment events" (spec §9 resolution) — tracked
// here as Adjustments, a running total, not an average.
type SenderPacer struct {
	bucket *TokenBucket

	min, max float64

	rateBits uint64 // float64 rate bits, accessed atomically
	adjusted uint64
}

// NewSenderPacer builds a pacer starting at initial chunks/sec, bounded to
// [min, max].
func NewSenderPacer(initial, min, max float64) *SenderPacer {
	p := &SenderPacer{
		bucket: NewTokenBucket(initial),
		min:    min,
		max:    max,
	}
	p.storeRate(initial)
	return p
}

func (p *SenderPacer) storeRate(rate float64) {
	atomic.StoreUint64(&p.rateBits, math.Float64bits(rate))
}

// Rate returns the current emit rate in chunks/sec.
func (p *SenderPacer) Rate() float64 {
	return math.Float64frombits(atomic.LoadUint64(&p.rateBits))
}

// Adjustments returns the total number of rate-adjustment events applied so
// far (spec §9).
func (p *SenderPacer) Adjustments() uint64 {
	return atomic.LoadUint64(&p.adjusted)
}

// Allow gates one outbound emission against the current token bucket.
func (p *SenderPacer) Allow() bool {
	return p.bucket.Allow()
}

// Update applies one adjustment step given the pull pressure observed over
// the interval just elapsed. Called once per UpdateInterval by the endpoint
// driver's timer service.
func (p *SenderPacer) Update(pressure float64) {
	rate := p.Rate()

	switch {
	case pressure > rate*overshootFactor:
		rate *= rateIncreaseStep
		if rate > p.max {
			rate = p.max
		}
		atomic.AddUint64(&p.adjusted, 1)
	case pressure == 0:
		rate *= rateDecreaseStep
		if rate < p.min {
			rate = p.min
		}
		atomic.AddUint64(&p.adjusted, 1)
	default:
		return
	}

	p.storeRate(rate)
	p.bucket.SetRate(rate)
}
