// Package ratelimiter implements the per-provider token bucket and the
// adaptive multi-provider selector that sits on top of it.
package ratelimiter

import (
	"sync"
	"time"
)

const (
	// SafetyFactorMin and SafetyFactorMax bound the adaptive safety factor
	// applied to every provider's declared per-minute limit.
	SafetyFactorMin = 0.3
	SafetyFactorMax = 1.0
)

// Bucket is a monotonic-clock token bucket with a soft capacity derived
// from an adjustable safety factor.
type Bucket struct {
	mu sync.Mutex

	limitPerMinute int
	safetyFactor   float64
	tokens         float64
	lastRefill     time.Time
}

// NewBucket constructs a Bucket for a provider with the given declared limit
// and initial safety factor, full at creation time.
func NewBucket(limitPerMinute int, safetyFactor float64) *Bucket {
	if limitPerMinute < 1 {
		limitPerMinute = 1
	}
	safetyFactor = clampSafety(safetyFactor)
	b := &Bucket{
		limitPerMinute: limitPerMinute,
		safetyFactor:   safetyFactor,
		lastRefill:     time.Now(),
	}
	b.tokens = float64(b.effectiveCapacityLocked())
	return b
}

func clampSafety(s float64) float64 {
	if s < SafetyFactorMin {
		return SafetyFactorMin
	}
	if s > SafetyFactorMax {
		return SafetyFactorMax
	}
	return s
}

// effectiveCapacityLocked returns floor(L*s), minimum 1. Caller must hold mu.
func (b *Bucket) effectiveCapacityLocked() int {
	c := int(float64(b.limitPerMinute) * b.safetyFactor)
	if c < 1 {
		c = 1
	}
	return c
}

// refillLocked advances tokens according to elapsed time since the last
// refill. Caller must hold mu.
func (b *Bucket) refillLocked(now time.Time) {
	capEff := float64(b.effectiveCapacityLocked())
	rate := b.refillRateLocked()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(capEff, b.tokens+elapsed*rate)
	}
	b.lastRefill = now
}



// refillRateLocked returns tokens/second. Caller must hold mu.
func (b *Bucket) refillRateLocked() float64 {
	return float64(b.limitPerMinute) * b.safetyFactor / 60.0
}

// TryTake attempts to take one token, non-blocking. Returns true on success.
func (b *Bucket) TryTake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// TimeUntilAvailable returns how long until at least one token is available.
func (b *Bucket) TimeUntilAvailable() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens >= 1 {
		return 0
	}
	rate := b.refillRateLocked()
	if rate <= 0 {
		return time.Hour
	}
	secs := (1 - b.tokens) / rate
	return time.Duration(secs * float64(time.Second))
}

// AdjustSafety applies delta to the safety factor, clamped to [min, max].
func (b *Bucket) AdjustSafety(delta float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.safetyFactor = clampSafety(b.safetyFactor + delta)
}

// SafetyFactor returns the current safety factor.
func (b *Bucket) SafetyFactor() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.safetyFactor
}

// BucketState is a snapshot returned by PeekState for the selector.
type BucketState struct {
	Tokens               float64
	EffectiveCapacity    int
	RefillRatePerSecond  float64
	LastRefill           time.Time
}

// PeekState refills and returns the current bucket state without consuming
// a token.
func (b *Bucket) PeekState() BucketState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return BucketState{
		Tokens:              b.tokens,
		EffectiveCapacity:   b.effectiveCapacityLocked(),
		RefillRatePerSecond: b.refillRateLocked(),
		LastRefill:          b.lastRefill,
	}
}
