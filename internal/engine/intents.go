package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/stakehold/internal/canonical"
	"github.com/roach88/stakehold/internal/session"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("engine: closed")

// Start creates and arms a new session.
//
// Staked sessions are committed on the ledger first; a rejected or failed
// commit creates nothing. Free sessions consume one unit of the daily free
// quota and never touch the ledger.
func (e *Engine) Start(ctx context.Context, cfg session.StartConfig) (*session.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if err := e.startableLocked(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.starting = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.starting = false
		e.mu.Unlock()
	}()

	now := e.clk.Now()
	s := &session.Session{
		ID:              e.ids.Generate(),
		Owner:           e.store.Owner(),
		Name:            cfg.Name,
		Category:        cfg.Category,
		DurationSeconds: cfg.DurationSeconds,
		Mode:            cfg.Mode,
		StakeAmount:     cfg.StakeAmount,
		Beneficiary:     cfg.Beneficiary,
		StartedAt:       now,
		Lifecycle:       session.Running,
		UpdatedAt:       now,
	}

	switch cfg.Mode {
	case session.ModeFree:
		s.Settlement = session.SettlementLocal
		st, err := e.store.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("start: %w", err)
		}
		if err := st.UseFree(now, e.cfg.FreeSessionsPerDay); err != nil {
			return nil, err
		}
	case session.ModeStaked:
		txRef, err := e.rec.RecordStart(ctx, s)
		if err != nil {
			return nil, err
		}
		s.LedgerTxRef = txRef
		// committed: the local record must follow
		ctx = context.WithoutCancel(ctx)
	}

	if err := e.store.CreateActive(ctx, s); err != nil {
		if s.LedgerLinked() {
			slog.Error("ledger commit has no local session",
				"session_id", s.ID, "tx_ref", s.LedgerTxRef, "error", err)
		}
		return nil, fmt.Errorf("start: %w", err)
	}
	if cfg.Mode == session.ModeFree {
		if _, err := e.store.UpdateStats(ctx, func(st *session.Stats) error {
			return st.UseFree(now, e.cfg.FreeSessionsPerDay)
		}); err != nil {
			slog.Warn("failed to consume free session", "session_id", s.ID, "error", err)
		}
	}

	e.mu.Lock()
	e.cur = s
	e.armLocked(s)
	e.mu.Unlock()

	if s.LedgerLinked() {
		e.rec.ScheduleResolution(s.ID)
	}
	slog.Info("session started",
		"session_id", s.ID,
		"mode", s.Mode,
		"duration_seconds", s.DurationSeconds,
		"tx_ref", s.LedgerTxRef)
	e.notify("started", "Session started", startBody(s), s.ID)
	e.publish()

	out := s.Clone()
	return &out, nil
}

func startBody(s *session.Session) string {
	name := s.Name
	if name == "" {
		name = "Focus session"
	}
	return fmt.Sprintf("%s: %s on the clock", name, s.Duration())
}

// startableLocked reports why a new session cannot start. Caller holds mu.
func (e *Engine) startableLocked() error {
	switch {
	case e.closed:
		return ErrClosed
	case e.starting:
		return session.NewError(session.CodeSessionActive, "a session is already starting")
	case e.cur != nil && e.cur.Lifecycle.Active():
		return session.WrapError(session.CodeSessionActive, e.cur.ID, nil, "session is %s", e.cur.Lifecycle)
	}
	return nil
}

// SubmitProof completes an AwaitingProof session with the given proof.
// For a ledger-linked session the error of a failed completion write is
// returned and the session stays Submitting until RetrySettlement.
func (e *Engine) SubmitProof(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return session.NewError(session.CodeEmptyProof, "proof text is empty")
	}
	return e.dispatch(ctx, event{kind: evProof, digest: canonical.ProofDigest(text)})
}

// GiveUp forfeits a Running session. Calling it again after the decision
// returns ErrAlreadyTerminal.
func (e *Engine) GiveUp(ctx context.Context) error {
	return e.dispatch(ctx, event{kind: evGiveUp})
}

// RetrySettlement re-drives the ledger write of a Submitting session.
func (e *Engine) RetrySettlement(ctx context.Context) error {
	return e.dispatch(ctx, event{kind: evRetry})
}

// AcknowledgeCheckpoint answers the pending presence check.
func (e *Engine) AcknowledgeCheckpoint() error {
	e.mu.Lock()
	if e.cur == nil {
		e.mu.Unlock()
		return session.NewError(session.CodeNoActiveSession, "no active session")
	}
	var err error
	if e.monitor == nil {
		err = session.WrapError(session.CodeInvalidTransition, e.cur.ID, nil, "presence checks are off while %s", e.cur.Lifecycle)
	} else if aerr := e.monitor.Acknowledge(); aerr != nil {
		err = session.WrapError(session.CodeInvalidTransition, e.cur.ID, aerr, "acknowledge checkpoint")
	}
	e.mu.Unlock()
	if err == nil {
		e.publish()
	}
	return err
}

// SetHidden reports the visibility of the session view.
func (e *Engine) SetHidden(hidden bool) error {
	return e.withMonitor(func() {
		e.monitor.SetHidden(hidden)
	})
}

// RecordInput reports pointer or keyboard activity.
func (e *Engine) RecordInput() error {
	return e.withMonitor(func() {
		e.monitor.RecordInput()
	})
}

// withMonitor runs fn when the presence monitor is armed. Outside Running
// the signal is accepted and ignored.
func (e *Engine) withMonitor(fn func()) error {
	e.mu.Lock()
	if e.cur == nil {
		e.mu.Unlock()
		return session.NewError(session.CodeNoActiveSession, "no active session")
	}
	armed := e.monitor != nil
	if armed {
		fn()
	}
	e.mu.Unlock()
	if armed {
		e.publish()
	}
	return nil
}
