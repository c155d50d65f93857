// Package clock is the engine's only source of time.
//
// Every component that needs the current time or a deadline takes a Clock.
// Production code uses Wall; tests use testutil.FakeClock, which fires
// timers deterministically as the test advances time.
package clock

import (
	"sync"
	"time"
)

// Clock produces timestamps, one-shot deadlines and periodic ticks.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f once, after d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer

	// Every calls f every interval until the returned Timer is stopped.
	Every(interval time.Duration, f func()) Timer
}

// Timer is a cancellable one-shot or periodic timer.
//
// Stop prevents further firings. It returns true if the call stopped the
// timer and false if the timer had already fired (one-shot) or was already
// stopped. Calling Stop more than once is a no-op.
type Timer interface {
	Stop() bool
}

// Wall is the real-time Clock.
type Wall struct{}

// Now returns time.Now().
func (Wall) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc.
func (Wall) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Every runs f on its own goroutine at each tick of a time.Ticker.
func (Wall) Every(interval time.Duration, f func()) Timer {
	t := &wallTicker{
		ticker: time.NewTicker(interval),
		stop:   make(chan struct{}),
	}
	go t.run(f)
	return t
}

type wallTicker struct {
	once    sync.Once
	ticker  *time.Ticker
	stop    chan struct{}
	stopped bool
	mu      sync.Mutex
}

func (t *wallTicker) run(f func()) {
	for {
		select {
		case <-t.stop:
			return
		case <-t.ticker.C:
			// A tick may race with Stop; drop it once stopped.
			t.mu.Lock()
			stopped := t.stopped
			t.mu.Unlock()
			if stopped {
				return
			}
			f()
		}
	}
}

func (t *wallTicker) Stop() bool {
	stoppedNow := false
	t.once.Do(func() {
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
		t.ticker.Stop()
		close(t.stop)
		stoppedNow = true
	})
	return stoppedNow
}

// Group tracks the timers armed for one owner so they can be cancelled
// together. The zero value is ready to use.
type Group struct {
	mu     sync.Mutex
	timers []Timer
}

// Add registers t and returns it.
func (g *Group) Add(t Timer) Timer {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timers = append(g.timers, t)
	return t
}

// StopAll stops every registered timer and forgets them.
func (g *Group) StopAll() {
	g.mu.Lock()
	timers := g.timers
	g.timers = nil
	g.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
}

// Len returns the number of registered timers.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}
