package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/stakehold/internal/clock"
)

// Epoch is the default start time of a FakeClock.
var Epoch = time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)

// FakeClock is a manually advanced clock.Clock for deterministic tests.
//
// Timers fire only inside Advance, one at a time in deadline order (ties
// broken by registration order). While a callback runs, Now() reports that
// timer's deadline. Callbacks run on the goroutine calling Advance with the
// clock's lock released, so they may arm or stop other timers.
//
// Thread-safety: all methods are safe for concurrent use.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int64
	timers []*fakeTimer
}

var _ clock.Clock = (*FakeClock)(nil)

// NewFakeClock creates a clock at Epoch.
func NewFakeClock() *FakeClock {
	return NewFakeClockAt(Epoch)
}

// NewFakeClockAt creates a clock at the given time.
func NewFakeClockAt(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc arms a one-shot timer.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return c.arm(d, 0, f)
}

// Every arms a periodic timer. The first firing is one interval from now.
func (c *FakeClock) Every(interval time.Duration, f func()) clock.Timer {
	if interval <= 0 {
		panic("FakeClock: non-positive interval")
	}
	return c.arm(interval, interval, f)
}

func (c *FakeClock) arm(d, interval time.Duration, f func()) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d < 0 {
		d = 0
	}
	c.seq++
	t := &fakeTimer{
		clock:    c,
		id:       c.seq,
		deadline: c.now.Add(d),
		interval: interval,
		f:        f,
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward by d, firing every timer that falls due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		t := c.nextDue(target)
		if t == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = t.deadline
		if t.interval > 0 {
			t.deadline = t.deadline.Add(t.interval)
		} else {
			t.done = true
			c.remove(t)
		}
		f := t.f
		c.mu.Unlock()

		f()
	}
}

// Pending returns the number of armed timers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// nextDue returns the earliest timer due at or before target. Caller holds mu.
func (c *FakeClock) nextDue(target time.Time) *fakeTimer {
	if len(c.timers) == 0 {
		return nil
	}
	sort.SliceStable(c.timers, func(i, j int) bool {
		a, b := c.timers[i], c.timers[j]
		if !a.deadline.Equal(b.deadline) {
			return a.deadline.Before(b.deadline)
		}
		return a.id < b.id
	})
	first := c.timers[0]
	if first.deadline.After(target) {
		return nil
	}
	return first
}

// remove drops t from the armed set. Caller holds mu.
func (c *FakeClock) remove(t *fakeTimer) {
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

type fakeTimer struct {
	clock    *FakeClock
	id       int64
	deadline time.Time
	interval time.Duration
	f        func()
	done     bool
}

// Stop disarms the timer. Returns false if it already fired or was stopped.
func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	t.clock.remove(t)
	return true
}
