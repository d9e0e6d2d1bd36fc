package session

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff bounds the reconnect schedule. Delays double from Initial up to Max
// and are jittered into [d/2, d].
type Backoff struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

func (b Backoff) normalized() Backoff {
	if b.Initial <= 0 {
		b.Initial = 500 * time.Millisecond
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 1
	}
	return b
}

// Delay returns the wait before attempt+1.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.normalized()
	d := float64(b.Initial) * math.Pow(2, float64(attempt))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	j := d / 2
	return time.Duration(j + rand.Float64()*j)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
