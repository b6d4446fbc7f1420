// Package backoff provides the exponential reconnect delay schedule used
// by the connector supervisors. Delays double from a base up to a cap,
// with optional jitter to avoid synchronized reconnect storms.
package backoff

import (
	"math/rand"
	"time"
)

type Backoff struct {
	base    time.Duration
	max     time.Duration
	jitter  float64
	attempt int
}

// New creates a backoff calculator. jitter is a fraction in [0,1); 0.2
// spreads each delay by ±20%.
func New(base, max time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = 5 * time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, jitter: jitter}
}

// Next returns the delay to wait before the next attempt and advances the
// schedule. The sequence is base, 2*base, 4*base, ... capped at max.
func (b *Backoff) Next() time.Duration {
	shift := b.attempt
	if shift > 30 {
		shift = 30
	}
	delay := b.base * time.Duration(int64(1)<<uint(shift))
	if delay > b.max || delay <= 0 {
		delay = b.max
	}

	if b.jitter > 0 {
		factor := 1.0 + (rand.Float64()*2-1)*b.jitter
		delay = time.Duration(float64(delay) * factor)
	}

	b.attempt++
	return delay
}

// Reset restarts the schedule at the base delay. Called after a sustained
// period of healthy operation.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt reports how many delays have been handed out since the last
// reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
