package engine

import (
	"log/slog"

	"github.com/roach88/stakehold/internal/presence"
	"github.com/roach88/stakehold/internal/session"
)

// armLocked starts the countdown, the projection tick and the presence
// monitor for a Running session. Caller holds mu.
func (e *Engine) armLocked(s *session.Session) {
	e.disarmLocked()
	gen := e.gen
	id := s.ID

	e.timers.Add(e.clk.AfterFunc(s.Remaining(e.clk.Now()), func() {
		if err := e.dispatch(e.ctx, event{kind: evCountdown, sessionID: id, gen: gen}); err != nil {
			slog.Error("countdown transition failed", "session_id", id, "error", err)
		}
	}))
	e.timers.Add(e.clk.Every(e.cfg.TickInterval, func() {
		e.tick(gen)
	}))

	e.monitor = presence.NewMonitor(e.clk, e.cfg.Presence, e.rnd, e.presenceSink(id, gen))
	e.monitor.Start(s.Deadline())
}

// disarmLocked stops every timer and the presence monitor and invalidates
// callbacks already in flight. Caller holds mu.
func (e *Engine) disarmLocked() {
	e.gen++
	e.timers.StopAll()
	if e.monitor != nil {
		e.monitor.Stop()
		e.monitor = nil
	}
}

func (e *Engine) tick(gen uint64) {
	e.mu.Lock()
	stale := gen != e.gen
	e.mu.Unlock()
	if !stale {
		e.publish()
	}
}

// presenceSink turns monitor signals into engine events for one session.
func (e *Engine) presenceSink(id string, gen uint64) presence.Sink {
	return presence.SinkFunc(func(sig presence.Signal) {
		switch sig.Kind {
		case presence.KindForfeit:
			err := e.dispatch(e.ctx, event{kind: evForfeit, sessionID: id, gen: gen, reason: sig.Reason})
			if err != nil && !session.IsNoop(err) {
				slog.Warn("presence forfeit failed", "session_id", id, "channel", sig.Channel, "error", err)
			}
		case presence.KindWarning:
			slog.Debug("presence warning", "session_id", id, "channel", sig.Channel)
			e.notify("warning", "Stay on task", sig.Message, id)
			e.publish()
		case presence.KindChallenge:
			slog.Debug("presence challenge", "session_id", id, "deadline", sig.Deadline)
			e.notify("checkpoint", "Presence check", sig.Message, id)
			e.publish()
		}
	})
}
