// Package backoff computes retry delays for outbox events.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating instead of overflowing.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(multiplier)
}

// Policy is exponential backoff with equal jitter: the delay for a given
// ceiling d lies in [d/2, d). On the attempt whose ceiling is clipped by Cap
// the floor is raised to the previous ceiling, so successive delays never
// decrease up to and including the first capped one.
type Policy struct {
	Base time.Duration
	Cap  time.Duration

	// Int64N returns a value in [0, n). Defaults to math/rand.
	Int64N func(n int64) int64
}

func NewPolicy(base, cap time.Duration) Policy {
	return Policy{Base: base, Cap: cap}
}

// Ceiling is the un-jittered delay after the given number of failed attempts.
func (p Policy) Ceiling(attempts int) time.Duration {
	d := Exponential(p.Base, attempts-1)
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}

	return d
}

// Delay returns the jittered wait before the next attempt after attempts
// failures.
func (p Policy) Delay(attempts int) time.Duration {
	d := p.Ceiling(attempts)
	if d <= 1 {
		return d
	}

	floor := d / 2
	if prev := p.Ceiling(attempts - 1); attempts > 1 && prev > floor && prev < d {
		floor = prev
	}
	n := int64(d - floor)

	intn := p.Int64N
	if intn == nil {
		intn = rand.Int63n
	}

	return floor + time.Duration(intn(n))
}

// SleepWithContext sleeps for d or until ctx is done.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
