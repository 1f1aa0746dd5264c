package timeutil

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts the time source so cooldown, stickiness and idle logic
// can be tested without sleeping.
type Clock interface {
	// Now returns the current time (UTC expected).
	Now() time.Time
	// Since measures the interval from t.
	Since(t time.Time) time.Duration
	// Sleep waits d, cancellable through ctx.
	Sleep(ctx context.Context, d time.Duration) error
}

// UTCClock is the system clock in UTC.
type UTCClock struct{}

func (UTCClock) Now() time.Time                  { return time.Now().UTC() }
func (UTCClock) Since(t time.Time) time.Duration { return time.Since(t) }
func (UTCClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FrozenClock is a fixed time source with manual advancing. Sleep advances
// the clock instead of waiting, so retry loops finish instantly in tests.
type FrozenClock struct {
	mu sync.RWMutex
	t  time.Time
}

func NewFrozenClock(t time.Time) *FrozenClock {
	return &FrozenClock{t: t}
}

func (c *FrozenClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t
}

func (c *FrozenClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *FrozenClock) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if d > 0 {
		c.Advance(d)
	}
	return nil
}

func (c *FrozenClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *FrozenClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Default is the process-wide clock (UTC).
var Default Clock = UTCClock{}

// Now is an alias for Default.Now().
func Now() time.Time { return Default.Now() }
