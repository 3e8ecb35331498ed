package sim

import (
	"context"
	"sync"
	"time"
)

// Clock is virtual time for the simulated chip. Sleep advances it instantly unless the
// clock was made real-time, in which case it also waits.
type Clock struct {
	mu       sync.Mutex
	start    time.Time
	now      time.Time
	sleeps   int
	realTime bool
}

func NewClock(realTime bool) *Clock {
	t := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	if realTime {
		t = time.Now()
	}
	return &Clock{start: t, now: t, realTime: realTime}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.realTime {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps++
	c.mu.Unlock()
	return nil
}

// Elapsed is the virtual time slept since the clock was made.
func (c *Clock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(c.start)
}

func (c *Clock) Sleeps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleeps
}
