// Package backoff computes jittered retry delays.
package backoff

import (
	"context"
	rand "math/rand/v2"
	"time"
)

// Policy describes a decorrelated jitter backoff.
//
// Given the previous delay, the next delay is drawn from
// [Base, prev*Multiplier) and capped at Max.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64

	rng *rand.Rand
}

// New returns a policy with the given bounds. A non-zero seed makes the
// jitter deterministic; a seeded policy must not be shared across goroutines.
func New(base, maxDelay time.Duration, seed int64) Policy {
	p := Policy{Base: base, Max: maxDelay, Multiplier: 3}
	if seed != 0 {
		s1 := uint64(seed)
		p.rng = rand.New(rand.NewPCG(s1, s1^0x9e3779b97f4a7c15)) //nolint:gosec
	}
	return p
}

// Next returns the delay that follows prev.
func (p Policy) Next(prev time.Duration) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	if p.Max > 0 && p.Max < base {
		return p.Max
	}
	if prev <= 0 {
		return base
	}

	span := time.Duration(float64(prev)*mult) - base
	if span <= 0 {
		span = base
	}
	var jitter int64
	if p.rng != nil {
		jitter = p.rng.Int64N(int64(span))
	} else {
		jitter = rand.Int64N(int64(span)) //nolint:gosec // non-crypto backoff jitter
	}
	next := base + time.Duration(jitter)
	if p.Max > 0 && next > p.Max {
		return p.Max
	}

	return next
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
