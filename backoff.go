package rolesync

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff is an exponential retry delay: Base * 2^n, capped at Max, then
// stretched by up to Jitter (0.1 => +10%).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Delay returns the wait before the retry that follows the n'th failed
// attempt (n starts at 0).
func (b Backoff) Delay(n int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	d := math.Pow(2, float64(n)) * float64(b.Base)
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d *= 1 + rand.Float64()*b.Jitter
	}
	return time.Duration(d)
}

// sleep blocks for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
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
