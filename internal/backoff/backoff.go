// Package backoff computes exponential retry delays with an optional
// randomised jitter.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

// Policy describes an exponential backoff:
// delay(attempt) = min(Initial * Multiplier^(attempt-1), Max), then jittered by
// up to ±Jitter (a fraction of the delay).
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	// Rand returns a value in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

func (p Policy) withDefaults() Policy {
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Second
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// Base returns the un-jittered delay for attempt (1-based). Attempts below 1
// yield zero. The sequence is non-decreasing and never exceeds Max.
func (p Policy) Base(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	p = p.withDefaults()

	delay := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.Max) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return p.Max
	}
	return time.Duration(delay)
}

// Delay returns Base(attempt) with jitter applied.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base(attempt)
	p = p.withDefaults()
	if base == 0 || p.Jitter == 0 {
		return base
	}
	// uniform in [-Jitter, +Jitter)
	factor := 1 + p.Jitter*(2*p.Rand()-1)
	return time.Duration(float64(base) * factor)
}

// Sleep waits d on clock, returning early with ctx's error if it is done first.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}
