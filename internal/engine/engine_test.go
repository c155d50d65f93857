package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stakehold/internal/canonical"
	"github.com/roach88/stakehold/internal/engine"
	"github.com/roach88/stakehold/internal/ledger"
	"github.com/roach88/stakehold/internal/ledger/sim"
	"github.com/roach88/stakehold/internal/notify"
	"github.com/roach88/stakehold/internal/presence"
	"github.com/roach88/stakehold/internal/session"
	"github.com/roach88/stakehold/internal/store"
	"github.com/roach88/stakehold/internal/testutil"
)

const (
	owner       = "0xa11ce000"
	beneficiary = "0xc4a41700"
)

type recorder struct {
	notify.Recorder
}

func (r *recorder) Notify(n notify.Notification) {
	_ = r.Recorder.Notify(n)
}

func (r *recorder) kinds() []string {
	var out []string
	for _, n := range r.Items() {
		out = append(out, n.Kind)
	}
	return out
}

type fixture struct {
	clk    *testutil.FakeClock
	sim    *sim.Ledger
	store  store.Store
	rec    *ledger.Reconciler
	notes  *recorder
	engine *engine.Engine
	cfg    engine.Config
	ids    *testutil.SeqIDGenerator
}

func newFixture(t *testing.T, opts ...sim.Option) *fixture {
	t.Helper()
	clk := testutil.NewFakeClock()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "engine.db"), owner)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	l := sim.New(clk, opts...)
	rec := ledger.NewReconciler(l, st, clk, ledger.DefaultConfig())
	t.Cleanup(rec.Close)

	f := &fixture{
		clk:   clk,
		sim:   l,
		store: st,
		rec:   rec,
		notes: &recorder{},
		cfg:   engine.DefaultConfig(),
		ids:   testutil.NewSeqIDGenerator("s"),
	}
	f.engine = f.newEngine(t)
	return f
}

// newEngine builds an engine over the fixture's store, ledger and clock,
// as a restarted process would.
func (f *fixture) newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e := engine.New(f.store, f.rec, f.clk,
		engine.WithConfig(f.cfg),
		engine.WithIDGenerator(f.ids),
		engine.WithRand(testutil.NewSeqRand(0)),
		engine.WithNotifier(f.notes),
	)
	t.Cleanup(e.Close)
	return e
}

func (f *fixture) startFree(t *testing.T, seconds int64) *session.Session {
	t.Helper()
	s, err := f.engine.Start(context.Background(), session.StartConfig{
		Name:            "Read chapter 4",
		DurationSeconds: seconds,
		Mode:            session.ModeFree,
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) startStaked(t *testing.T, seconds, stake int64) *session.Session {
	t.Helper()
	s, err := f.engine.Start(context.Background(), session.StartConfig{
		DurationSeconds: seconds,
		Mode:            session.ModeStaked,
		StakeAmount:     stake,
		Beneficiary:     beneficiary,
	})
	require.NoError(t, err)
	return s
}

// stayPresent advances the clock by d in steps of at most 10s, giving
// input and answering checkpoint challenges so no presence channel fires.
func (f *fixture) stayPresent(t *testing.T, d time.Duration) {
	t.Helper()
	for d > 0 {
		step := min(d, 10*time.Second)
		_ = f.engine.RecordInput()
		if f.engine.Snapshot().Presence.ChallengePending {
			require.NoError(t, f.engine.AcknowledgeCheckpoint())
		}
		f.clk.Advance(step)
		d -= step
	}
}

func (f *fixture) history(t *testing.T) []session.Session {
	t.Helper()
	h, err := f.store.History(context.Background(), 0)
	require.NoError(t, err)
	return h
}

func (f *fixture) stats(t *testing.T) session.Stats {
	t.Helper()
	st, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	return st
}

func TestStart_FreeSession(t *testing.T) {
	f := newFixture(t)
	s := f.startFree(t, 1500)

	assert.Equal(t, "s-1", s.ID)
	assert.Equal(t, owner, s.Owner)
	assert.Equal(t, session.Running, s.Lifecycle)
	assert.Equal(t, testutil.Epoch, s.StartedAt)
	assert.Equal(t, session.SettlementLocal, s.Settlement)
	assert.False(t, s.LedgerLinked())

	p := f.engine.Snapshot()
	require.NotNil(t, p.Session)
	assert.Equal(t, int64(1500), p.RemainingSeconds)
	assert.Equal(t, ledger.StatusNone, p.Ledger)

	active, err := f.store.GetActive(context.Background())
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, s.ID, active.ID)

	assert.Equal(t, 1, f.stats(t).FreeUsedToday)
	assert.Zero(t, f.sim.Calls().Commits)
	assert.Contains(t, f.notes.kinds(), "started")
}

func TestStart_InvalidConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  session.StartConfig
	}{
		{"zero duration", session.StartConfig{DurationSeconds: 0}},
		{"negative duration", session.StartConfig{DurationSeconds: -5}},
		{"staked without stake", session.StartConfig{DurationSeconds: 60, Mode: session.ModeStaked, Beneficiary: beneficiary}},
		{"staked bad beneficiary", session.StartConfig{DurationSeconds: 60, Mode: session.ModeStaked, StakeAmount: 5, Beneficiary: "charity"}},
		{"unknown mode", session.StartConfig{DurationSeconds: 60, Mode: "gift"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Start(ctx, tt.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, session.ErrInvalidConfig)
		})
	}
	assert.Nil(t, f.engine.Snapshot().Session)
	assert.Zero(t, f.sim.Calls().Commits)
}

func TestStart_FreeQuotaExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for range session.DefaultFreeSessionsPerDay {
		f.startFree(t, 60)
		require.NoError(t, f.engine.GiveUp(ctx))
	}
	_, err := f.engine.Start(ctx, session.StartConfig{DurationSeconds: 60})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrInvalidConfig)

	// Staked sessions are not limited by the free quota.
	f.startStaked(t, 60, 10)

	// A new day resets the quota.
	require.NoError(t, f.engine.GiveUp(ctx))
	f.clk.Advance(24 * time.Hour)
	f.startFree(t, 60)
}

func TestStart_RejectsWhileActive(t *testing.T) {
	f := newFixture(t)
	first := f.startFree(t, 60)

	_, err := f.engine.Start(context.Background(), session.StartConfig{DurationSeconds: 60})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrSessionActive)
	assert.ErrorIs(t, err, session.ErrInvalidConfig)
	assert.Equal(t, first.ID, f.engine.Snapshot().Session.ID)
}

func TestStart_StakedRecordsCommit(t *testing.T) {
	f := newFixture(t)
	s := f.startStaked(t, 1500, 2_000_000_000)

	assert.Equal(t, "tx-0001", s.LedgerTxRef)
	assert.Empty(t, s.LedgerObjectRef)
	assert.Equal(t, ledger.StatusResolving, f.engine.Snapshot().Ledger)

	obj, ok := f.sim.ObjectForSession(s.ID)
	require.True(t, ok)
	assert.Equal(t, owner, obj.Owner)
	assert.Equal(t, beneficiary, obj.Commit.Beneficiary)

	// Resolution runs after the grace delay.
	f.stayPresent(t, ledger.DefaultGraceDelay)
	p := f.engine.Snapshot()
	assert.Equal(t, "obj-0001", p.Session.LedgerObjectRef)
	assert.Equal(t, ledger.StatusResolved, p.Ledger)
}

func TestStart_StakedRejectedByLedger(t *testing.T) {
	f := newFixture(t, sim.WithMinStake(100))
	_, err := f.engine.Start(context.Background(), session.StartConfig{
		DurationSeconds: 60,
		Mode:            session.ModeStaked,
		StakeAmount:     50,
		Beneficiary:     beneficiary,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrRejectedByLedger)

	active, err := f.store.GetActive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.Nil(t, f.engine.Snapshot().Session)
}

func TestStart_StakedCommitFailure(t *testing.T) {
	f := newFixture(t)
	f.sim.FailCommit(1)
	_, err := f.engine.Start(context.Background(), session.StartConfig{
		DurationSeconds: 60,
		Mode:            session.ModeStaked,
		StakeAmount:     5,
		Beneficiary:     beneficiary,
	})
	require.Error(t, err)
	assert.True(t, session.IsRetryable(err))
	assert.Nil(t, f.engine.Snapshot().Session)

	// The user can start again once the ledger is back.
	f.startStaked(t, 60, 5)
}

func TestCountdown_ReachesAwaitingProofExactlyOnce(t *testing.T) {
	for _, seconds := range []int64{1, 45, 181, 1500} {
		t.Run(time.Duration(seconds*int64(time.Second)).String(), func(t *testing.T) {
			f := newFixture(t)
			var mu sync.Mutex
			transitions := 0
			prev := session.Running
			cancel := f.engine.Subscribe(func(p engine.Projection) {
				mu.Lock()
				defer mu.Unlock()
				if p.Session == nil {
					return
				}
				if p.Session.Lifecycle == session.AwaitingProof && prev != session.AwaitingProof {
					transitions++
				}
				prev = p.Session.Lifecycle
			})
			defer cancel()

			f.startFree(t, seconds)
			f.stayPresent(t, time.Duration(seconds)*time.Second-time.Millisecond)
			assert.Equal(t, session.Running, f.engine.Snapshot().Session.Lifecycle)

			f.clk.Advance(time.Millisecond)
			p := f.engine.Snapshot()
			require.NotNil(t, p.Session)
			assert.Equal(t, session.AwaitingProof, p.Session.Lifecycle)
			assert.Zero(t, p.RemainingSeconds)
			assert.Equal(t, presence.Flags{}, p.Presence)
			assert.Zero(t, f.clk.Pending(), "no timer may stay armed after the countdown")

			// Long after, nothing else happens.
			f.clk.Advance(time.Hour)
			assert.Equal(t, session.AwaitingProof, f.engine.Snapshot().Session.Lifecycle)
			mu.Lock()
			assert.Equal(t, 1, transitions)
			mu.Unlock()
			assert.Empty(t, f.history(t))
		})
	}
}

func TestGiveUp_FreeSessionForfeitsLocally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.startFree(t, 600)
	f.stayPresent(t, time.Minute)

	require.NoError(t, f.engine.GiveUp(ctx))

	p := f.engine.Snapshot()
	assert.Nil(t, p.Session)
	require.NotNil(t, p.Last)
	assert.Equal(t, session.Forfeited, p.Last.Lifecycle)

	h := f.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, s.ID, h[0].ID)
	assert.Equal(t, session.ReasonGaveUp, h[0].ForfeitReason)
	assert.Equal(t, session.SettlementLocal, h[0].Settlement)
	require.NotNil(t, h[0].EndedAt)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), *h[0].EndedAt)
	assert.Zero(t, f.clk.Pending())

	err := f.engine.GiveUp(ctx)
	require.Error(t, err)
	assert.True(t, session.IsNoop(err))
	assert.ErrorIs(t, err, session.ErrAlreadyTerminal)

	assert.Equal(t, 1, f.stats(t).TotalForfeited)
	assert.Contains(t, f.notes.kinds(), "forfeit")
}

func TestGiveUp_StakedSettlesOnLedger(t *testing.T) {
	f := newFixture(t)
	s := f.startStaked(t, 600, 1_000)

	require.NoError(t, f.engine.GiveUp(context.Background()))

	h := f.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, session.Forfeited, h[0].Lifecycle)
	assert.Equal(t, session.SettlementConfirmed, h[0].Settlement)
	assert.Equal(t, "obj-0001", h[0].LedgerObjectRef)
	assert.Equal(t, "tx-0002", h[0].SettleTxRef)
	assert.Empty(t, h[0].LastError)

	obj, ok := f.sim.ObjectForSession(s.ID)
	require.True(t, ok)
	assert.Equal(t, ledger.OutcomeForfeit, obj.Outcome)
}

func TestGiveUp_AfterCountdownIsInvalid(t *testing.T) {
	f := newFixture(t)
	f.startFree(t, 30)
	f.stayPresent(t, 30*time.Second)

	err := f.engine.GiveUp(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
	assert.Equal(t, session.AwaitingProof, f.engine.Snapshot().Session.Lifecycle)
}

func TestGiveUp_NoSession(t *testing.T) {
	f := newFixture(t)
	err := f.engine.GiveUp(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrNoActiveSession)
}

func TestForfeitWriteFailure_SettlesLocally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.startStaked(t, 600, 1_000)
	f.sim.FailSettle(1)

	require.NoError(t, f.engine.GiveUp(ctx))

	active, err := f.store.GetActive(ctx)
	require.NoError(t, err)
	assert.Nil(t, active, "a failed forfeit write must not leave the slot occupied")

	h := f.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, session.Forfeited, h[0].Lifecycle)
	assert.Equal(t, session.SettlementPending, h[0].Settlement)
	assert.Contains(t, h[0].LastError, "injected")

	// The user is not blocked.
	f.startFree(t, 60)

	report, err := f.rec.Heal(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID}, report.Settled)

	h = f.history(t)
	entry := h[len(h)-1]
	assert.Equal(t, s.ID, entry.ID)
	assert.Equal(t, session.SettlementConfirmed, entry.Settlement)
	assert.Empty(t, entry.LastError)
}

// flakyStore fails the next n writes to the active slot.
type flakyStore struct {
	store.Store

	mu    sync.Mutex
	fails int
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) failNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails = n
}

func (s *flakyStore) UpdateActive(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	s.mu.Lock()
	fail := s.fails > 0
	if fail {
		s.fails--
	}
	s.mu.Unlock()
	if fail {
		return nil, errDiskFull
	}
	return s.Store.UpdateActive(ctx, id, fn)
}

// useStore rebuilds the reconciler and engine over st.
func (f *fixture) useStore(t *testing.T, st store.Store) {
	t.Helper()
	f.engine.Close()
	f.store = st
	f.rec = ledger.NewReconciler(f.sim, st, f.clk, ledger.DefaultConfig())
	t.Cleanup(f.rec.Close)
	f.engine = f.newEngine(t)
}

func (f *fixture) count(kind string) int {
	n := 0
	for _, k := range f.notes.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func TestGiveUp_CancelledContextStillSettles(t *testing.T) {
	f := newFixture(t)
	s := f.startStaked(t, 600, 1_000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.engine.GiveUp(ctx))

	active, err := f.store.GetActive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, active)

	h := f.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, s.ID, h[0].ID)
	assert.Equal(t, session.Forfeited, h[0].Lifecycle)
	assert.Equal(t, session.SettlementConfirmed, h[0].Settlement)
	assert.Equal(t, 1, f.count("forfeit"))

	f.startFree(t, 60)
}

func TestGiveUp_StoreFailureKeepsSessionRunning(t *testing.T) {
	f := newFixture(t)
	fl := &flakyStore{Store: f.store}
	f.useStore(t, fl)
	s := f.startFree(t, 60)

	fl.failNext(1)
	err := f.engine.GiveUp(context.Background())
	require.ErrorIs(t, err, errDiskFull)

	p := f.engine.Snapshot()
	require.NotNil(t, p.Session)
	assert.Equal(t, session.Running, p.Session.Lifecycle)
	assert.NotZero(t, f.clk.Pending(), "the session stays armed")
	assert.Zero(t, f.count("forfeit"))
	assert.Empty(t, f.history(t))

	// The countdown still runs.
	f.stayPresent(t, time.Minute)
	p = f.engine.Snapshot()
	require.NotNil(t, p.Session)
	assert.Equal(t, s.ID, p.Session.ID)
	assert.Equal(t, session.AwaitingProof, p.Session.Lifecycle)
}

func TestCountdown_StoreFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	fl := &flakyStore{Store: f.store}
	f.useStore(t, fl)
	f.startFree(t, 30)

	fl.failNext(1)
	f.stayPresent(t, 30*time.Second)
	assert.Equal(t, session.Running, f.engine.Snapshot().Session.Lifecycle)
	assert.Zero(t, f.count("awaiting_proof"))

	f.stayPresent(t, time.Second)
	assert.Equal(t, session.AwaitingProof, f.engine.Snapshot().Session.Lifecycle)
	assert.Equal(t, 1, f.count("awaiting_proof"))
	assert.Zero(t, f.clk.Pending())
}

func TestPresenceForfeit_StoreFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	fl := &flakyStore{Store: f.store}
	f.useStore(t, fl)
	s := f.startFree(t, 600)
	require.NoError(t, f.engine.SetHidden(true))

	fl.failNext(1)
	f.clk.Advance(30 * time.Second)
	require.NotNil(t, f.engine.Snapshot().Session)
	assert.Zero(t, f.count("forfeit"))

	f.clk.Advance(time.Second)
	assert.Nil(t, f.engine.Snapshot().Session)
	h := f.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, s.ID, h[0].ID)
	assert.Equal(t, session.Forfeited, h[0].Lifecycle)
	assert.NotEmpty(t, h[0].ForfeitReason)
	assert.Equal(t, 1, f.count("forfeit"))
}

func TestForfeitWriteFailure_RetriedWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "retention.db"), owner, store.WithHistoryLimit(2))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	f.useStore(t, st)

	s := f.startStaked(t, 600, 1_000)
	f.sim.FailSettle(1)
	require.NoError(t, f.engine.GiveUp(ctx))

	// Later sessions push the owed forfeit past the retention limit.
	for range 2 {
		f.startFree(t, 60)
		require.NoError(t, f.engine.GiveUp(ctx))
	}
	pending, err := st.PendingSettlements(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, s.ID, pending[0].ID)

	f.clk.Advance(ledger.DefaultPolicy().Delay(0))

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.SettlementConfirmed, got.Settlement)
	assert.NotEmpty(t, got.SettleTxRef)
	assert.Equal(t, 2, f.sim.Calls().Settles)

	obj, ok := f.sim.ObjectForSession(s.ID)
	require.True(t, ok)
	assert.Equal(t, ledger.OutcomeForfeit, obj.Outcome)
}

func TestForfeitUnresolvedObject_SettlesLocally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sim.SetDropIndexing(true)
	s := f.startStaked(t, 600, 1_000)

	require.NoError(t, f.engine.GiveUp(ctx))
	h := f.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, session.SettlementPending, h[0].Settlement)
	assert.Empty(t, h[0].LedgerObjectRef)

	f.sim.SetDropIndexing(false)
	f.sim.IndexAll()
	report, err := f.rec.Heal(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID}, report.Settled)

	h = f.history(t)
	assert.Equal(t, "obj-0001", h[0].LedgerObjectRef)
	assert.Equal(t, session.SettlementConfirmed, h[0].Settlement)
}

func TestSubmitProof_Completes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.startStaked(t, 300, 3_000_000_000)
	f.stayPresent(t, 300*time.Second)

	require.NoError(t, f.engine.SubmitProof(ctx, "finished the outline"))

	p := f.engine.Snapshot()
	assert.Nil(t, p.Session)
	require.NotNil(t, p.Last)
	assert.Equal(t, session.Completed, p.Last.Lifecycle)
	assert.Equal(t, ledger.StatusResolved, p.Ledger)

	h := f.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, canonical.ProofDigest("finished the outline"), h[0].ProofDigest)
	assert.Equal(t, session.SettlementConfirmed, h[0].Settlement)

	obj, ok := f.sim.ObjectForSession(s.ID)
	require.True(t, ok)
	assert.Equal(t, ledger.OutcomeComplete, obj.Outcome)
	assert.Equal(t, h[0].ProofDigest, obj.Digest)

	st := f.stats(t)
	assert.Equal(t, 1, st.TotalCompleted)
	assert.Equal(t, 1, st.Streak)
	assert.Equal(t, session.Points(3_000_000_000, engine.DefaultTokenUnit), st.Score)
	assert.Equal(t, int64(16), st.Score)

	err := f.engine.SubmitProof(ctx, "again")
	assert.True(t, session.IsNoop(err))
}

func TestSubmitProof_FreeCompletesLocally(t *testing.T) {
	f := newFixture(t)
	f.startFree(t, 60)
	f.stayPresent(t, time.Minute)

	require.NoError(t, f.engine.SubmitProof(context.Background(), "done"))
	h := f.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, session.Completed, h[0].Lifecycle)
	assert.Equal(t, session.SettlementLocal, h[0].Settlement)
	assert.Zero(t, f.sim.Calls().Settles)
	assert.Contains(t, f.notes.kinds(), "completed")
}

func TestSubmitProof_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.engine.SubmitProof(ctx, "notes")
	assert.ErrorIs(t, err, session.ErrNoActiveSession)

	f.startFree(t, 60)
	err = f.engine.SubmitProof(ctx, "notes")
	assert.ErrorIs(t, err, session.ErrInvalidTransition, "countdown still running")

	f.stayPresent(t, time.Minute)
	for _, text := range []string{"", "   ", "\n\t"} {
		err = f.engine.SubmitProof(ctx, text)
		assert.ErrorIs(t, err, session.ErrEmptyProof)
	}
	assert.Equal(t, session.AwaitingProof, f.engine.Snapshot().Session.Lifecycle)
}

func TestSubmitProof_WriteFailureKeepsSubmitting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startStaked(t, 60, 1_000)
	f.stayPresent(t, time.Minute)
	f.sim.FailSettle(1)

	err := f.engine.SubmitProof(ctx, "draft done")
	require.Error(t, err)
	assert.True(t, session.IsRetryable(err))

	p := f.engine.Snapshot()
	require.NotNil(t, p.Session)
	assert.Equal(t, session.Submitting, p.Session.Lifecycle)
	assert.Equal(t, session.IntentComplete, p.Session.Intent)
	assert.NotEmpty(t, p.Session.LastError)
	assert.Empty(t, f.history(t), "completion is never granted without the ledger")

	// Later signals are no-ops, not new decisions.
	assert.True(t, session.IsNoop(f.engine.GiveUp(ctx)))
	assert.True(t, session.IsNoop(f.engine.SubmitProof(ctx, "other")))

	require.NoError(t, f.engine.RetrySettlement(ctx))
	h := f.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, session.Completed, h[0].Lifecycle)
	assert.Equal(t, canonical.ProofDigest("draft done"), h[0].ProofDigest)
	assert.Empty(t, h[0].LastError)
	assert.Equal(t, 2, f.sim.Calls().Settles)
}

func TestRetrySettlement_NothingToRetry(t *testing.T) {
	f := newFixture(t)
	f.startFree(t, 60)
	err := f.engine.RetrySettlement(context.Background())
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
}

func TestExclusivity_ConcurrentGiveUpAndPresence(t *testing.T) {
	f := newFixture(t)
	f.startStaked(t, 600, 1_000)
	require.NoError(t, f.engine.SetHidden(true))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.engine.GiveUp(context.Background())
		}()
	}
	f.clk.Advance(30 * time.Second)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			assert.True(t, session.IsNoop(err), "unexpected error: %v", err)
		}
	}
	h := f.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, session.Forfeited, h[0].Lifecycle)
	assert.Equal(t, 1, f.sim.Calls().Settles)
	assert.Equal(t, 1, f.stats(t).TotalForfeited)
}

func TestExclusivity_SimultaneousChannels(t *testing.T) {
	f := newFixture(t)
	f.cfg.Presence.IdleWarning = 20 * time.Second
	f.cfg.Presence.IdleForfeit = 30 * time.Second
	f.engine = f.newEngine(t)

	f.startFree(t, 600)
	require.NoError(t, f.engine.SetHidden(true))
	f.clk.Advance(30 * time.Second)

	h := f.history(t)
	require.Len(t, h, 1)
	assert.Contains(t, []string{session.ReasonLeftTab, session.ReasonNoInput}, h[0].ForfeitReason)
	assert.Equal(t, 1, f.stats(t).TotalForfeited)

	f.clk.Advance(time.Hour)
	assert.Len(t, f.history(t), 1)
}

func TestPresence_VisibilityEpisodes(t *testing.T) {
	f := newFixture(t)
	f.startFree(t, 600)

	require.NoError(t, f.engine.SetHidden(true))
	f.clk.Advance(29 * time.Second)
	assert.True(t, f.engine.Snapshot().Presence.VisibilityWarning)
	require.NoError(t, f.engine.SetHidden(false))
	require.NoError(t, f.engine.RecordInput())

	require.NoError(t, f.engine.SetHidden(true))
	f.clk.Advance(29 * time.Second)
	require.NoError(t, f.engine.SetHidden(false))
	assert.Equal(t, session.Running, f.engine.Snapshot().Session.Lifecycle)
	assert.Contains(t, f.notes.kinds(), "warning")

	require.NoError(t, f.engine.RecordInput())
	require.NoError(t, f.engine.SetHidden(true))
	f.clk.Advance(30 * time.Second)

	h := f.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, session.ReasonLeftTab, h[0].ForfeitReason)
}

func TestPresence_Idle(t *testing.T) {
	f := newFixture(t)
	f.cfg.Presence.CheckpointMin = 400 * time.Second
	f.cfg.Presence.CheckpointMax = 420 * time.Second
	f.engine = f.newEngine(t)
	f.startFree(t, 600)

	f.clk.Advance(119 * time.Second)
	require.NoError(t, f.engine.RecordInput())
	f.clk.Advance(119 * time.Second)
	assert.Equal(t, session.Running, f.engine.Snapshot().Session.Lifecycle)

	f.clk.Advance(time.Second)
	h := f.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, session.ReasonNoInput, h[0].ForfeitReason)
}

func TestPresence_CheckpointUnanswered(t *testing.T) {
	f := newFixture(t)
	f.startFree(t, 1500)

	// SeqRand(0) puts the first challenge at the minimum interval.
	for range 18 {
		require.NoError(t, f.engine.RecordInput())
		f.clk.Advance(10 * time.Second)
	}
	p := f.engine.Snapshot()
	require.True(t, p.Presence.ChallengePending)
	assert.Equal(t, testutil.Epoch.Add(210*time.Second), p.Presence.ChallengeDeadline)

	require.NoError(t, f.engine.RecordInput())
	f.clk.Advance(29 * time.Second)
	assert.Equal(t, session.Running, f.engine.Snapshot().Session.Lifecycle)
	f.clk.Advance(time.Second)

	h := f.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, session.ReasonFailedCheck, h[0].ForfeitReason)
}

func TestPresence_CheckpointAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.startFree(t, 1500)

	err := f.engine.AcknowledgeCheckpoint()
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
	assert.ErrorIs(t, err, presence.ErrNoChallenge)

	for range 18 {
		require.NoError(t, f.engine.RecordInput())
		f.clk.Advance(10 * time.Second)
	}
	f.clk.Advance(29 * time.Second)
	require.NoError(t, f.engine.AcknowledgeCheckpoint())
	f.clk.Advance(time.Second)

	p := f.engine.Snapshot()
	require.NotNil(t, p.Session)
	assert.Equal(t, session.Running, p.Session.Lifecycle)
	assert.False(t, p.Presence.ChallengePending)
}

func TestPresenceSignals_NoActiveSession(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.engine.SetHidden(true), session.ErrNoActiveSession)
	assert.ErrorIs(t, f.engine.RecordInput(), session.ErrNoActiveSession)
	assert.ErrorIs(t, f.engine.AcknowledgeCheckpoint(), session.ErrNoActiveSession)
}

func TestRecover_ResumesRunning(t *testing.T) {
	f := newFixture(t)
	s := f.startFree(t, 1500)
	f.stayPresent(t, 100*time.Second)
	f.engine.Close()

	f.engine = f.newEngine(t)
	require.NoError(t, f.engine.Recover(context.Background()))

	p := f.engine.Snapshot()
	require.NotNil(t, p.Session)
	assert.Equal(t, s.ID, p.Session.ID)
	assert.Equal(t, session.Running, p.Session.Lifecycle)
	assert.Equal(t, int64(1400), p.RemainingSeconds)

	f.stayPresent(t, 1400*time.Second)
	assert.Equal(t, session.AwaitingProof, f.engine.Snapshot().Session.Lifecycle)
}

func TestRecover_DeadlinePassedWhileDown(t *testing.T) {
	f := newFixture(t)
	f.startFree(t, 300)
	f.engine.Close()
	f.clk.Advance(time.Hour)

	f.engine = f.newEngine(t)
	require.NoError(t, f.engine.Recover(context.Background()))
	p := f.engine.Snapshot()
	require.NotNil(t, p.Session)
	assert.Equal(t, session.AwaitingProof, p.Session.Lifecycle)
	assert.Zero(t, f.clk.Pending())
	assert.Contains(t, f.notes.kinds(), "awaiting_proof")

	require.NoError(t, f.engine.SubmitProof(context.Background(), "done offline"))
	assert.Len(t, f.history(t), 1)
}

func TestRecover_RedrivesSubmitting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.startStaked(t, 60, 1_000)
	f.stayPresent(t, time.Minute)
	f.sim.FailSettle(1)
	require.Error(t, f.engine.SubmitProof(ctx, "proof"))
	f.engine.Close()

	f.engine = f.newEngine(t)
	require.NoError(t, f.engine.Recover(ctx))

	assert.Nil(t, f.engine.Snapshot().Session)
	h := f.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, s.ID, h[0].ID)
	assert.Equal(t, session.Completed, h[0].Lifecycle)
	assert.Equal(t, session.SettlementConfirmed, h[0].Settlement)
}

func TestRecover_MovesTerminalSlotToHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.startFree(t, 60)
	f.engine.Close()

	ended := f.clk.Now()
	done := s.Clone()
	done.Lifecycle = session.Forfeited
	done.ForfeitReason = session.ReasonGaveUp
	done.EndedAt = &ended
	require.NoError(t, f.store.PutActive(ctx, &done))

	f.engine = f.newEngine(t)
	require.NoError(t, f.engine.Recover(ctx))

	active, err := f.store.GetActive(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)
	h := f.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, s.ID, h[0].ID)
	assert.Equal(t, 1, f.stats(t).TotalForfeited)
}

func TestRecover_HealsUnresolvedObject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sim.SetDropIndexing(true)
	s := f.startStaked(t, 1500, 1_000)
	f.engine.Close()
	f.rec.Close()

	f.sim.SetDropIndexing(false)
	f.sim.IndexAll()
	f.rec = ledger.NewReconciler(f.sim, f.store, f.clk, ledger.DefaultConfig())
	t.Cleanup(f.rec.Close)
	f.engine = f.newEngine(t)
	require.NoError(t, f.engine.Recover(ctx))
	assert.Equal(t, ledger.StatusResolving, f.engine.Snapshot().Ledger)

	f.stayPresent(t, ledger.DefaultGraceDelay)
	p := f.engine.Snapshot()
	require.NotNil(t, p.Session)
	assert.Equal(t, "obj-0001", p.Session.LedgerObjectRef)

	// A second resolution is a no-op returning the same ref.
	ref, err := f.rec.Resolve(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "obj-0001", ref)
}

func TestResolution_DegradesAfterRetries(t *testing.T) {
	f := newFixture(t)
	f.sim.SetDropIndexing(true)
	s := f.startStaked(t, 1500, 1_000)

	f.stayPresent(t, time.Minute)
	p := f.engine.Snapshot()
	require.NotNil(t, p.Session)
	assert.Equal(t, ledger.StatusDegraded, p.Ledger)
	assert.Equal(t, ledger.DefaultPolicy().MaxAttempts, p.Session.ResolveAttempts)
	assert.NotEmpty(t, p.Session.LastError)
	assert.Equal(t, session.Running, p.Session.Lifecycle, "ledger trouble never ends the session")
	assert.Contains(t, f.notes.kinds(), "ledger_degraded")

	stored, err := f.store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultPolicy().MaxAttempts, stored.ResolveAttempts)
}

func TestSubscribe_TicksAndCancel(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var got []int64
	cancel := f.engine.Subscribe(func(p engine.Projection) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, p.RemainingSeconds)
	})

	f.startFree(t, 60)
	f.clk.Advance(3 * time.Second)
	cancel()
	f.clk.Advance(3 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{60, 59, 58, 57}, got)
}

func TestClose_StopsTimers(t *testing.T) {
	f := newFixture(t)
	f.startFree(t, 60)
	require.NotZero(t, f.clk.Pending())
	f.engine.Close()
	assert.Zero(t, f.clk.Pending())

	_, err := f.engine.Start(context.Background(), session.StartConfig{DurationSeconds: 60})
	assert.ErrorIs(t, err, engine.ErrClosed)
}
