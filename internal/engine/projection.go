package engine

import (
	"time"

	"github.com/roach88/stakehold/internal/ledger"
	"github.com/roach88/stakehold/internal/presence"
	"github.com/roach88/stakehold/internal/session"
)

// Projection is the read-only view handed to the presentation layer.
type Projection struct {
	// Session is the active session, nil when the slot is empty.
	Session *session.Session `json:"session,omitempty"`

	// Last is the most recently finished session of this process.
	Last *session.Session `json:"last,omitempty"`

	RemainingSeconds int64          `json:"remaining_seconds"`
	Presence         presence.Flags `json:"presence"`
	Ledger           ledger.Status  `json:"ledger"`
	At               time.Time      `json:"at"`
}

type subscriber struct {
	id int
	fn func(Projection)
}

// Snapshot returns the current projection.
func (e *Engine) Snapshot() Projection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.projectionLocked()
}

func (e *Engine) projectionLocked() Projection {
	now := e.clk.Now()
	p := Projection{Ledger: ledger.StatusNone, At: now}
	if e.cur != nil {
		s := e.cur.Clone()
		p.Session = &s
		if s.Lifecycle == session.Running {
			p.RemainingSeconds = int64(s.Remaining(now) / time.Second)
		}
		p.Ledger = e.rec.Status(&s)
	}
	if e.last != nil {
		s := e.last.Clone()
		p.Last = &s
		if p.Session == nil {
			p.Ledger = e.rec.Status(&s)
		}
	}
	if e.monitor != nil {
		p.Presence = e.monitor.Flags()
	}
	return p
}

// Subscribe registers fn for every tick and transition and returns a
// function that removes it. fn runs on the caller of the transition (often
// a timer goroutine) and must not block or call back into the Engine
// synchronously.
func (e *Engine) Subscribe(fn func(Projection)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSub++
	id := e.nextSub
	e.subs = append(e.subs, subscriber{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// publish delivers the current projection to subscribers.
func (e *Engine) publish() {
	e.mu.Lock()
	if len(e.subs) == 0 {
		e.mu.Unlock()
		return
	}
	p := e.projectionLocked()
	subs := make([]subscriber, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, s := range subs {
		s.fn(p)
	}
}
