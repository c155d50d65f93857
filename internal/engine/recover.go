package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/stakehold/internal/ledger"
	"github.com/roach88/stakehold/internal/session"
)

// Recover loads the active slot left by a previous process and resumes it.
//
//   - Running: the countdown and presence monitor resume with the time
//     left; a deadline that passed while down moves it to AwaitingProof
//   - AwaitingProof: waits for proof
//   - Submitting: the ledger leg is re-driven
//   - Completed/Forfeited still in the slot: moved to history
//
// A session whose ledger object is unknown gets a resolution scheduled.
// Recover returns the settlement error of a re-driven leg, if any; the
// session is kept either way.
func (e *Engine) Recover(ctx context.Context) error {
	s, err := e.store.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	e.mu.Lock()
	e.disarmLocked()
	e.cur = s
	l, err := e.recoverLocked(ctx)
	var resolveID string
	if e.cur != nil && e.cur.NeedsResolution() {
		resolveID = e.cur.ID
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if resolveID != "" {
		e.rec.ScheduleResolution(resolveID)
	}
	e.publish()
	if l != nil {
		return e.settle(ctx, *l)
	}
	return nil
}

func (e *Engine) recoverLocked(ctx context.Context) (*leg, error) {
	s := e.cur
	if s == nil {
		return nil, nil
	}
	log := slog.With("session_id", s.ID, "lifecycle", s.Lifecycle)

	switch s.Lifecycle {
	case session.Completed, session.Forfeited:
		if err := e.store.Settle(ctx, s); err != nil {
			return nil, fmt.Errorf("recover: %w", err)
		}
		e.cur = nil
		e.last = s
		e.recordStats(ctx, s)
		if s.Settlement == session.SettlementPending {
			e.rec.ScheduleSettlement(s.ID)
		}
		log.Info("moved finished session to history")

	case session.Running:
		if e.clk.Now().Before(s.Deadline()) {
			e.armLocked(s)
			log.Info("resumed session", "remaining", s.Remaining(e.clk.Now()))
			return nil, nil
		}
		if _, err := e.update(ctx, func(s *session.Session) {
			s.Lifecycle = session.AwaitingProof
		}); err != nil {
			return nil, fmt.Errorf("recover: %w", err)
		}
		log.Info("countdown finished while offline")
		e.notify("awaiting_proof", "Time's up", "Submit your proof to complete the session.", s.ID)

	case session.AwaitingProof:
		log.Info("session awaiting proof")

	case session.Submitting:
		e.inFlight = true
		log.Info("re-driving settlement", "intent", s.Intent, "ledger", ledger.ShortRef(s.LedgerTxRef))
		return &leg{s: s.Clone(), intent: s.Intent}, nil
	}
	return nil, nil
}

func (e *Engine) onResolved(s session.Session) {
	err := e.dispatch(e.ctx, event{kind: evResolved, sessionID: s.ID, objectRef: s.LedgerObjectRef})
	if err != nil {
		slog.Warn("failed to apply resolution", "session_id", s.ID, "error", err)
	}
}

func (e *Engine) onDegraded(id string, attempts int, cause error) {
	err := e.dispatch(e.ctx, event{kind: evDegraded, sessionID: id, attempts: attempts, err: cause})
	if err != nil {
		slog.Warn("failed to record degraded resolution", "session_id", id, "error", err)
	}
	e.notify("ledger_degraded", "Ledger sync delayed", "Your session was recorded but is not visible on the ledger yet. It will be retried.", id)
}
