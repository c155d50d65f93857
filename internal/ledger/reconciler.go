package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/stakehold/internal/clock"
	"github.com/roach88/stakehold/internal/session"
	"github.com/roach88/stakehold/internal/store"
)

// DefaultGraceDelay is the wait before the first resolution attempt.
const DefaultGraceDelay = 2 * time.Second

// ErrNotLinked is returned when resolving a session that has no ledger
// commitment.
var ErrNotLinked = errors.New("ledger: session has no ledger commitment")

// Status is the ledger linkage of a session as shown to the user.
type Status string

const (
	StatusNone      Status = "none"
	StatusResolving Status = "resolving"
	StatusResolved  Status = "resolved"
	StatusDegraded  Status = "degraded"
)

// Config configures a Reconciler.
type Config struct {
	GraceDelay time.Duration `yaml:"grace_delay"`
	Policy     Policy        `yaml:"policy"`
}

// DefaultConfig returns the standard reconciler settings.
func DefaultConfig() Config {
	return Config{GraceDelay: DefaultGraceDelay, Policy: DefaultPolicy()}
}

// Hooks lets the owner of the session react to background resolution.
// Hooks run without the Reconciler's lock held.
type Hooks struct {
	// OnResolved is called with the stored session after its object ref
	// was found.
	OnResolved func(s session.Session)

	// OnDegraded is called once when the retry schedule is exhausted.
	OnDegraded func(id string, attempts int, err error)
}

// Reconciler owns every interaction with the ledger.
//
// Thread-safety: all methods are safe for concurrent use.
type Reconciler struct {
	ledger Ledger
	store  store.Store
	clk    clock.Clock
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	hooks    Hooks
	timers   map[string]clock.Timer
	attempts map[string]int
	closed   bool

	// owed settlement retries, by history entry
	settleTimers   map[string]clock.Timer
	settleAttempts map[string]int
}

// NewReconciler creates a Reconciler.
func NewReconciler(l Ledger, st store.Store, clk clock.Clock, cfg Config) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		ledger:   l,
		store:    st,
		clk:      clk,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]clock.Timer),
		attempts: make(map[string]int),

		settleTimers:   make(map[string]clock.Timer),
		settleAttempts: make(map[string]int),
	}
}

// SetHooks installs the resolution hooks.
func (r *Reconciler) SetHooks(h Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = h
}

// Close cancels every scheduled resolution attempt.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	for id, t := range r.settleTimers {
		t.Stop()
		delete(r.settleTimers, id)
	}
	r.cancel()
}

// classify maps a ledger error onto the session taxonomy.
func classify(id, op string, err error) error {
	if session.CodeOf(err) == session.CodeRejectedByLedger {
		return err
	}
	return session.WrapError(session.CodeLedgerWriteFailed, id, err, "%s", op)
}

// RecordStart submits the commit write for a staked session and returns
// the transaction ref. The object is not yet resolvable; call
// ScheduleResolution once the ref is stored.
func (r *Reconciler) RecordStart(ctx context.Context, s *session.Session) (string, error) {
	txRef, err := r.ledger.SubmitCommit(ctx, Commit{
		SessionID:       s.ID,
		Owner:           s.Owner,
		DurationSeconds: s.DurationSeconds,
		StakeAmount:     s.StakeAmount,
		Beneficiary:     s.Beneficiary,
	})
	if err != nil {
		return "", classify(s.ID, "submit commit", err)
	}
	slog.Info("ledger commit recorded", "session_id", s.ID, "tx_ref", txRef)
	return txRef, nil
}

// ScheduleResolution arms the first resolution attempt after the grace
// delay. Scheduling an already scheduled session is a no-op.
func (r *Reconciler) ScheduleResolution(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.timers[id]; ok {
		return
	}
	r.scheduleLocked(id, r.cfg.GraceDelay)
}

func (r *Reconciler) scheduleLocked(id string, d time.Duration) {
	if r.closed {
		return
	}
	r.timers[id] = r.clk.AfterFunc(d, func() { r.attempt(id) })
}

// attempt is one scheduled resolution try.
func (r *Reconciler) attempt(id string) {
	r.mu.Lock()
	delete(r.timers, id)
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	_, err := r.Resolve(r.ctx, id)
	if err == nil || !session.IsRetryable(err) {
		if err != nil {
			slog.Debug("resolution stopped", "session_id", id, "error", err)
		}
		return
	}

	r.mu.Lock()
	r.attempts[id]++
	n := r.attempts[id]
	if r.cfg.Policy.ShouldRetry(n) {
		delay := r.cfg.Policy.Delay(n - 1)
		slog.Debug("resolution retry scheduled", "session_id", id, "attempt", n, "delay", delay)
		r.scheduleLocked(id, delay)
		r.mu.Unlock()
		return
	}
	onDegraded := r.hooks.OnDegraded
	r.mu.Unlock()

	slog.Warn("ledger object unresolved, giving up until next heal",
		"session_id", id, "attempts", n, "error", err)
	if onDegraded != nil {
		onDegraded(id, n, err)
	}
}

// Attempts returns how many scheduled resolution attempts failed for id.
func (r *Reconciler) Attempts(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[id]
}

// Status reports the ledger linkage of s.
func (r *Reconciler) Status(s *session.Session) Status {
	switch {
	case !s.LedgerLinked():
		return StatusNone
	case s.LedgerObjectRef != "":
		return StatusResolved
	}
	n := max(r.Attempts(s.ID), s.ResolveAttempts)
	if n >= r.cfg.Policy.MaxAttempts {
		return StatusDegraded
	}
	return StatusResolving
}

// Resolve looks up the ledger object for a session and stores it.
//
// A session that already has an object ref returns it without touching the
// ledger. Otherwise the first object owned by the session's owner and
// labelled with its id is patched in; if the store already holds a ref
// (a concurrent resolve won), that ref is returned. Returns
// ErrUnresolvedLedgerObject when the ledger has not indexed it yet.
func (r *Reconciler) Resolve(ctx context.Context, id string) (string, error) {
	s, err := r.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", id, err)
	}
	if s.LedgerObjectRef != "" {
		return s.LedgerObjectRef, nil
	}
	if !s.LedgerLinked() {
		return "", fmt.Errorf("resolve %s: %w", id, ErrNotLinked)
	}

	refs, err := r.ledger.FindObjectsByOwnerAndLabel(ctx, s.Owner, s.ID)
	if err != nil {
		return "", session.WrapError(session.CodeUnresolvedLedgerObject, id, err, "object lookup failed")
	}
	if len(refs) == 0 {
		return "", session.WrapError(session.CodeUnresolvedLedgerObject, id, nil, "object not indexed yet")
	}

	patched, err := r.store.PatchLedgerRefs(ctx, id, "", refs[0])
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", id, err)
	}

	r.mu.Lock()
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
	delete(r.attempts, id)
	onResolved := r.hooks.OnResolved
	r.mu.Unlock()

	slog.Info("ledger object resolved", "session_id", id, "object_ref", patched.LedgerObjectRef)
	if onResolved != nil {
		onResolved(*patched)
	}
	return patched.LedgerObjectRef, nil
}

// objectRef returns s's object ref, resolving it first if needed.
func (r *Reconciler) objectRef(ctx context.Context, s *session.Session) (string, error) {
	if s.LedgerObjectRef != "" {
		return s.LedgerObjectRef, nil
	}
	ref, err := r.Resolve(ctx, s.ID)
	if err != nil {
		if session.CodeOf(err) == session.CodeUnresolvedLedgerObject {
			return "", err
		}
		return "", session.WrapError(session.CodeUnresolvedLedgerObject, s.ID, err, "resolve before settle")
	}
	return ref, nil
}

// RecordComplete writes the completion outcome for s.
func (r *Reconciler) RecordComplete(ctx context.Context, s *session.Session) (string, error) {
	return r.settle(ctx, s, OutcomeComplete)
}

// RecordForfeit writes the forfeit outcome for s.
func (r *Reconciler) RecordForfeit(ctx context.Context, s *session.Session) (string, error) {
	return r.settle(ctx, s, OutcomeForfeit)
}

func (r *Reconciler) settle(ctx context.Context, s *session.Session, outcome Outcome) (string, error) {
	objRef, err := r.objectRef(ctx, s)
	if err != nil {
		return "", err
	}
	settle := Settle{ObjectRef: objRef, Outcome: outcome}
	if outcome == OutcomeComplete {
		settle.ProofDigest = s.ProofDigest
	}
	txRef, err := r.ledger.SubmitSettle(ctx, settle)
	if err != nil {
		return "", classify(s.ID, "submit settle", err)
	}
	slog.Info("ledger settle recorded", "session_id", s.ID, "outcome", outcome, "tx_ref", txRef)
	return txRef, nil
}

// ScheduleSettlement arms a retry of the owed ledger write of a history
// entry, backing off on the retry policy. Once the policy is used up the
// entry waits for the next Heal. Scheduling an already scheduled entry is
// a no-op.
func (r *Reconciler) ScheduleSettlement(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.settleTimers[id]; ok {
		return
	}
	r.scheduleSettleLocked(id, r.cfg.Policy.Delay(r.settleAttempts[id]))
}

func (r *Reconciler) scheduleSettleLocked(id string, d time.Duration) {
	if r.closed {
		return
	}
	r.settleTimers[id] = r.clk.AfterFunc(d, func() { r.attemptSettlement(id) })
}

// attemptSettlement is one scheduled try of an owed settlement.
func (r *Reconciler) attemptSettlement(id string) {
	r.mu.Lock()
	delete(r.settleTimers, id)
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	s, err := r.store.Get(r.ctx, id)
	if err == nil && s.Settlement == session.SettlementPending {
		err = r.healSettlement(r.ctx, s)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.settleAttempts, id)
		return
	}
	r.settleAttempts[id]++
	n := r.settleAttempts[id]
	if session.IsRetryable(err) && r.cfg.Policy.ShouldRetry(n) {
		delay := r.cfg.Policy.Delay(n)
		slog.Debug("settlement retry scheduled", "session_id", id, "attempt", n, "delay", delay)
		r.scheduleSettleLocked(id, delay)
		return
	}
	delete(r.settleAttempts, id)
	slog.Warn("owed settlement still unwritten, waiting for heal",
		"session_id", id, "attempts", n, "error", err)
}

// HealReport summarises one Heal pass.
type HealReport struct {
	Resolved []string          `json:"resolved"`
	Settled  []string          `json:"settled"`
	Failed   map[string]string `json:"failed"`
}

// Heal repairs ledger linkage after a restart or outage: it resolves the
// active session if its object is unknown and retries every owed forfeit
// write in history. Per-session failures are reported, not returned.
func (r *Reconciler) Heal(ctx context.Context) (*HealReport, error) {
	report := &HealReport{Resolved: []string{}, Settled: []string{}, Failed: map[string]string{}}

	active, err := r.store.GetActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("heal: %w", err)
	}
	if active != nil && active.NeedsResolution() {
		if _, err := r.Resolve(ctx, active.ID); err != nil {
			report.Failed[active.ID] = err.Error()
		} else {
			report.Resolved = append(report.Resolved, active.ID)
		}
	}

	pending, err := r.store.PendingSettlements(ctx)
	if err != nil {
		return nil, fmt.Errorf("heal: %w", err)
	}
	for i := range pending {
		s := &pending[i]
		if err := r.healSettlement(ctx, s); err != nil {
			report.Failed[s.ID] = err.Error()
			continue
		}
		report.Settled = append(report.Settled, s.ID)
	}

	slog.Info("heal complete",
		"resolved", len(report.Resolved),
		"settled", len(report.Settled),
		"failed", len(report.Failed))
	return report, nil
}

func (r *Reconciler) healSettlement(ctx context.Context, s *session.Session) error {
	outcome := OutcomeForfeit
	if s.Lifecycle == session.Completed {
		outcome = OutcomeComplete
	}
	txRef, err := r.settle(ctx, s, outcome)
	if err != nil {
		if _, uerr := r.store.UpdateHistory(ctx, s.ID, func(h *session.Session) error {
			h.LastError = err.Error()
			return nil
		}); uerr != nil {
			slog.Warn("failed to record heal error", "session_id", s.ID, "error", uerr)
		}
		return err
	}
	_, err = r.store.UpdateHistory(ctx, s.ID, func(h *session.Session) error {
		h.SettleTxRef = txRef
		h.Settlement = session.SettlementConfirmed
		h.LastError = ""
		return nil
	})
	if err == nil {
		slog.Info("owed settlement written", "session_id", s.ID, "tx_ref", txRef)
	}
	return err
}
