package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/stakehold/internal/session"
)

// storeRetryDelay is the wait before a timer or presence transition that
// failed to store is applied again.
const storeRetryDelay = time.Second

// eventKind tags an event entering apply.
type eventKind string

const (
	evCountdown    eventKind = "countdown"
	evForfeit      eventKind = "forfeit"
	evGiveUp       eventKind = "give_up"
	evProof        eventKind = "proof"
	evRetry        eventKind = "retry"
	evSettled      eventKind = "settled"
	evSettleFailed eventKind = "settle_failed"
	evResolved     eventKind = "resolved"
	evDegraded     eventKind = "degraded"
)

// event is one input to the state machine.
//
// Timer and presence events carry the generation they were armed under;
// user intents and ledger results carry gen 0.
type event struct {
	kind      eventKind
	sessionID string
	gen       uint64

	reason    string
	digest    string
	intent    session.Intent
	txRef     string
	objectRef string
	attempts  int
	err       error
}

// leg is a ledger settlement to run outside the lock.
type leg struct {
	s      session.Session
	intent session.Intent
}

// dispatch applies ev, runs the settlement leg it produced (if any) and
// publishes the new projection.
//
// A decision taken here must reach the store even if the caller gives up,
// so the caller's cancellation is dropped; its values are kept.
func (e *Engine) dispatch(ctx context.Context, ev event) error {
	ctx = context.WithoutCancel(ctx)
	e.mu.Lock()
	l, err := e.apply(ctx, ev)
	e.mu.Unlock()
	e.publish()
	if l == nil {
		return err
	}
	return e.settle(ctx, *l)
}

// settle runs one ledger leg and feeds the result back through apply.
func (e *Engine) settle(ctx context.Context, l leg) error {
	ctx = context.WithoutCancel(ctx)
	var (
		txRef string
		err   error
	)
	switch l.intent {
	case session.IntentComplete:
		txRef, err = e.rec.RecordComplete(ctx, &l.s)
	case session.IntentForfeit:
		txRef, err = e.rec.RecordForfeit(ctx, &l.s)
	default:
		err = session.WrapError(session.CodeInvalidTransition, l.s.ID, nil, "submitting without an intent")
	}
	if err != nil {
		return e.dispatch(ctx, event{kind: evSettleFailed, sessionID: l.s.ID, intent: l.intent, err: err})
	}
	return e.dispatch(ctx, event{kind: evSettled, sessionID: l.s.ID, intent: l.intent, txRef: txRef})
}

// apply is the single arbitration point. Caller holds mu.
//
// A returned leg must be run with settle after mu is released.
func (e *Engine) apply(ctx context.Context, ev event) (*leg, error) {
	if ev.gen != 0 && ev.gen != e.gen {
		slog.Debug("dropping stale timer event", "event", ev.kind, "session_id", ev.sessionID)
		return nil, nil
	}

	switch ev.kind {
	case evCountdown:
		return nil, e.applyCountdown(ctx, ev)
	case evForfeit, evGiveUp:
		return e.applyForfeit(ctx, ev)
	case evProof:
		return e.applyProof(ctx, ev)
	case evRetry:
		return e.applyRetry(ev)
	case evSettled:
		return nil, e.applySettled(ctx, ev)
	case evSettleFailed:
		return nil, e.applySettleFailed(ctx, ev)
	case evResolved:
		e.applyResolved(ev)
		return nil, nil
	case evDegraded:
		return nil, e.applyDegraded(ctx, ev)
	}
	return nil, fmt.Errorf("engine: unknown event %q", ev.kind)
}

// active returns the session in the slot. With no session it reports
// ErrAlreadyTerminal if the last session was id (or id is empty), and
// ErrNoActiveSession otherwise.
func (e *Engine) active(id string) (*session.Session, error) {
	if e.cur != nil && (id == "" || e.cur.ID == id) {
		return e.cur, nil
	}
	if e.cur == nil && e.last != nil && (id == "" || e.last.ID == id) {
		return nil, session.WrapError(session.CodeAlreadyTerminal, e.last.ID, nil, "session already %s", e.last.Lifecycle)
	}
	return nil, session.NewError(session.CodeNoActiveSession, "no active session")
}

func (e *Engine) applyCountdown(ctx context.Context, ev event) error {
	s := e.cur
	if s == nil || s.ID != ev.sessionID || s.Lifecycle != session.Running {
		return nil
	}
	if _, err := e.update(ctx, func(s *session.Session) {
		s.Lifecycle = session.AwaitingProof
	}); err != nil {
		e.redeliverLocked(ev)
		return err
	}
	e.disarmLocked()
	slog.Info("countdown finished", "session_id", s.ID, "lifecycle", session.AwaitingProof)
	e.notify("awaiting_proof", "Time's up", "Submit your proof to complete the session.", s.ID)
	return nil
}

func (e *Engine) applyForfeit(ctx context.Context, ev event) (*leg, error) {
	s, err := e.active(ev.sessionID)
	if err != nil {
		if ev.gen != 0 {
			return nil, nil
		}
		return nil, err
	}
	switch s.Lifecycle {
	case session.Running:
	case session.AwaitingProof:
		if ev.kind == evGiveUp {
			return nil, session.WrapError(session.CodeInvalidTransition, s.ID, nil, "countdown finished, submit proof instead")
		}
		return nil, nil
	default:
		return nil, session.WrapError(session.CodeAlreadyTerminal, s.ID, nil, "session already %s", s.Lifecycle)
	}

	reason := ev.reason
	if ev.kind == evGiveUp {
		reason = session.ReasonGaveUp
	}
	id := s.ID

	// The session stays armed until the decision is stored. A presence
	// forfeit that fails to store is delivered again.
	if !s.LedgerLinked() {
		if err := e.finishLocked(ctx, func(s *session.Session) {
			s.Lifecycle = session.Forfeited
			s.ForfeitReason = reason
			s.Settlement = session.SettlementLocal
		}); err != nil {
			if e.cur != nil && e.cur.Lifecycle.Active() {
				e.redeliverLocked(ev)
				return nil, err
			}
			// Stored as forfeited but not yet moved to history.
			e.forfeitDecided(id, ev.kind, reason)
			return nil, err
		}
		e.forfeitDecided(id, ev.kind, reason)
		return nil, nil
	}
	next, err := e.update(ctx, func(s *session.Session) {
		s.Lifecycle = session.Submitting
		s.Intent = session.IntentForfeit
		s.ForfeitReason = reason
	})
	if err != nil {
		e.redeliverLocked(ev)
		return nil, err
	}
	e.disarmLocked()
	e.forfeitDecided(id, ev.kind, reason)
	e.inFlight = true
	return &leg{s: next.Clone(), intent: session.IntentForfeit}, nil
}

func (e *Engine) forfeitDecided(id string, kind eventKind, reason string) {
	slog.Info("forfeit decided", "session_id", id, "event", kind, "reason", reason)
	e.notify("forfeit", "Session forfeited", reason, id)
}

// redeliverLocked schedules a timer or presence event whose transition
// could not be stored. User intents are not redelivered; their caller gets
// the error. Caller holds mu.
func (e *Engine) redeliverLocked(ev event) {
	if ev.gen == 0 || ev.gen != e.gen || e.closed {
		return
	}
	slog.Warn("transition not stored, retrying", "session_id", ev.sessionID, "event", ev.kind, "delay", storeRetryDelay)
	e.timers.Add(e.clk.AfterFunc(storeRetryDelay, func() {
		if err := e.dispatch(e.ctx, ev); err != nil && !session.IsNoop(err) {
			slog.Error("transition retry failed", "session_id", ev.sessionID, "event", ev.kind, "error", err)
		}
	}))
}

func (e *Engine) applyProof(ctx context.Context, ev event) (*leg, error) {
	s, err := e.active(ev.sessionID)
	if err != nil {
		return nil, err
	}
	switch s.Lifecycle {
	case session.AwaitingProof:
	case session.Running:
		return nil, session.WrapError(session.CodeInvalidTransition, s.ID, nil,
			"countdown still running (%s left)", s.Remaining(e.clk.Now()))
	default:
		return nil, session.WrapError(session.CodeAlreadyTerminal, s.ID, nil, "session already %s", s.Lifecycle)
	}

	if !s.LedgerLinked() {
		return nil, e.finishLocked(ctx, func(s *session.Session) {
			s.Lifecycle = session.Completed
			s.ProofDigest = ev.digest
			s.Settlement = session.SettlementLocal
		})
	}
	next, err := e.update(ctx, func(s *session.Session) {
		s.Lifecycle = session.Submitting
		s.Intent = session.IntentComplete
		s.ProofDigest = ev.digest
	})
	if err != nil {
		return nil, err
	}
	slog.Info("completion submitted", "session_id", s.ID)
	e.inFlight = true
	return &leg{s: next.Clone(), intent: session.IntentComplete}, nil
}

func (e *Engine) applyRetry(ev event) (*leg, error) {
	s, err := e.active(ev.sessionID)
	if err != nil {
		return nil, err
	}
	if s.Lifecycle != session.Submitting {
		return nil, session.WrapError(session.CodeInvalidTransition, s.ID, nil, "nothing to retry while %s", s.Lifecycle)
	}
	if e.inFlight {
		return nil, session.WrapError(session.CodeInvalidTransition, s.ID, nil, "settlement already in progress")
	}
	slog.Info("retrying settlement", "session_id", s.ID, "intent", s.Intent)
	e.inFlight = true
	return &leg{s: s.Clone(), intent: s.Intent}, nil
}

func (e *Engine) applySettled(ctx context.Context, ev event) error {
	e.inFlight = false
	s := e.cur
	if s == nil || s.ID != ev.sessionID || s.Lifecycle != session.Submitting {
		slog.Warn("settlement result for a session no longer submitting", "session_id", ev.sessionID)
		return nil
	}
	return e.finishLocked(ctx, func(s *session.Session) {
		if ev.intent == session.IntentComplete {
			s.Lifecycle = session.Completed
		} else {
			s.Lifecycle = session.Forfeited
		}
		s.SettleTxRef = ev.txRef
		s.Settlement = session.SettlementConfirmed
		s.LastError = ""
	})
}

func (e *Engine) applySettleFailed(ctx context.Context, ev event) error {
	e.inFlight = false
	s := e.cur
	if s == nil || s.ID != ev.sessionID || s.Lifecycle != session.Submitting {
		return ev.err
	}

	if ev.intent == session.IntentComplete {
		if _, err := e.update(ctx, func(s *session.Session) {
			s.LastError = ev.err.Error()
		}); err != nil {
			return errors.Join(ev.err, err)
		}
		slog.Warn("completion write failed, session kept for retry",
			"session_id", s.ID, "retryable", session.IsRetryable(ev.err), "error", ev.err)
		e.notify("settle_failed", "Completion not recorded yet", "The ledger did not accept the completion. Retry from the session view.", s.ID)
		return ev.err
	}

	slog.Warn("forfeit write failed, settling locally",
		"session_id", s.ID, "error", ev.err)
	id := s.ID
	if err := e.finishLocked(ctx, func(s *session.Session) {
		s.Lifecycle = session.Forfeited
		s.Settlement = session.SettlementPending
		s.LastError = ev.err.Error()
	}); err != nil {
		return err
	}
	e.rec.ScheduleSettlement(id)
	return nil
}

func (e *Engine) applyResolved(ev event) {
	if e.cur == nil || e.cur.ID != ev.sessionID || e.cur.LedgerObjectRef != "" {
		return
	}
	e.cur.LedgerObjectRef = ev.objectRef
}

func (e *Engine) applyDegraded(ctx context.Context, ev event) error {
	msg := ""
	if ev.err != nil {
		msg = ev.err.Error()
	}
	if e.cur != nil && e.cur.ID == ev.sessionID {
		_, err := e.update(ctx, func(s *session.Session) {
			s.ResolveAttempts = ev.attempts
			s.LastError = msg
		})
		return err
	}
	_, err := e.store.UpdateHistory(ctx, ev.sessionID, func(s *session.Session) error {
		s.ResolveAttempts = ev.attempts
		s.LastError = msg
		return nil
	})
	return err
}

// update writes fn to the active session and refreshes cur.
// Caller holds mu and cur is non-nil.
func (e *Engine) update(ctx context.Context, fn func(*session.Session)) (*session.Session, error) {
	id := e.cur.ID
	now := e.clk.Now()
	next, err := e.store.UpdateActive(ctx, id, func(s *session.Session) error {
		fn(s)
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	e.cur = next
	return next, nil
}

// finishLocked makes the active session terminal and moves it to history.
// Caller holds mu.
//
// The terminal write and the move are two store steps; a crash between
// them leaves a terminal session in the slot, which Recover moves on.
func (e *Engine) finishLocked(ctx context.Context, fn func(*session.Session)) error {
	now := e.clk.Now()
	next, err := e.update(ctx, func(s *session.Session) {
		fn(s)
		s.EndedAt = &now
	})
	if err != nil {
		return err
	}
	e.disarmLocked()
	if err := e.store.Settle(ctx, next); err != nil {
		return fmt.Errorf("settle %s: %w", next.ID, err)
	}
	e.cur = nil
	e.last = next
	e.recordStats(ctx, next)

	slog.Info("session finished",
		"session_id", next.ID,
		"lifecycle", next.Lifecycle,
		"settlement", next.Settlement)
	if next.Lifecycle == session.Completed {
		e.notify("completed", "Session completed", "Proof recorded. Well done.", next.ID)
	}
	return nil
}
