package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stakehold/internal/session"
)

var t0 = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

type factory func(t *testing.T, opts ...Option) Store

func newRunning(id string) *session.Session {
	return &session.Session{
		ID:              id,
		Owner:           "alice",
		DurationSeconds: 1500,
		Mode:            session.ModeFree,
		StartedAt:       t0,
		Lifecycle:       session.Running,
		Settlement:      session.SettlementLocal,
		UpdatedAt:       t0,
	}
}

func terminal(s *session.Session, lc session.Lifecycle) *session.Session {
	out := s.Clone()
	end := t0.Add(s.Duration())
	out.Lifecycle = lc
	out.EndedAt = &end
	if lc == session.Completed {
		out.ProofDigest = "digest"
	}
	return &out
}

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, open factory) {
	ctx := context.Background()

	t.Run("empty slot", func(t *testing.T) {
		st := open(t)
		got, err := st.GetActive(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)

		hist, err := st.History(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, hist)
		assert.Equal(t, "alice", st.Owner())
	})

	t.Run("create and get", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.CreateActive(ctx, newRunning("s1")))

		got, err := st.GetActive(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "s1", got.ID)
		assert.Equal(t, session.Running, got.Lifecycle)
		assert.True(t, got.StartedAt.Equal(t0))

		byID, err := st.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "s1", byID.ID)
	})

	t.Run("create rejects occupied slot", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.CreateActive(ctx, newRunning("s1")))

		err := st.CreateActive(ctx, newRunning("s2"))
		require.Error(t, err)
		assert.ErrorIs(t, err, session.ErrSessionActive)
	})

	t.Run("create replaces terminal slot", func(t *testing.T) {
		st := open(t)
		s1 := newRunning("s1")
		require.NoError(t, st.CreateActive(ctx, s1))
		_, err := st.UpdateActive(ctx, "s1", func(s *session.Session) error {
			*s = *terminal(s, session.Forfeited)
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, st.CreateActive(ctx, newRunning("s2")))
	})

	t.Run("update enforces invariants", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.CreateActive(ctx, newRunning("s1")))

		_, err := st.UpdateActive(ctx, "s1", func(s *session.Session) error {
			s.Lifecycle = session.Completed
			return nil
		})
		assert.ErrorIs(t, err, session.ErrInvalidTransition)

		got, err := st.UpdateActive(ctx, "s1", func(s *session.Session) error {
			s.Lifecycle = session.AwaitingProof
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, session.AwaitingProof, got.Lifecycle)

		_, err = st.UpdateActive(ctx, "other", func(s *session.Session) error { return nil })
		assert.ErrorIs(t, err, session.ErrNoActiveSession)

		boom := fmt.Errorf("boom")
		_, err = st.UpdateActive(ctx, "s1", func(s *session.Session) error { return boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("put clears and guards", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.CreateActive(ctx, newRunning("s1")))
		assert.ErrorIs(t, st.PutActive(ctx, newRunning("s2")), session.ErrSessionActive)

		require.NoError(t, st.PutActive(ctx, nil))
		got, err := st.GetActive(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("patch ledger refs is set-once", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.CreateActive(ctx, newRunning("s1")))

		got, err := st.PatchLedgerRefs(ctx, "s1", "tx-1", "")
		require.NoError(t, err)
		assert.Equal(t, "tx-1", got.LedgerTxRef)

		got, err = st.PatchLedgerRefs(ctx, "s1", "", "obj-1")
		require.NoError(t, err)
		assert.Equal(t, "obj-1", got.LedgerObjectRef)

		got, err = st.PatchLedgerRefs(ctx, "s1", "tx-2", "obj-2")
		require.NoError(t, err)
		assert.Equal(t, "tx-1", got.LedgerTxRef)
		assert.Equal(t, "obj-1", got.LedgerObjectRef)

		_, err = st.PatchLedgerRefs(ctx, "missing", "", "obj")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("patch reaches history", func(t *testing.T) {
		st := open(t)
		s1 := newRunning("s1")
		s1.LedgerTxRef = "tx-1"
		require.NoError(t, st.CreateActive(ctx, s1))
		done := terminal(s1, session.Forfeited)
		done.Settlement = session.SettlementPending
		require.NoError(t, st.Settle(ctx, done))

		got, err := st.PatchLedgerRefs(ctx, "s1", "", "obj-1")
		require.NoError(t, err)
		assert.Equal(t, "obj-1", got.LedgerObjectRef)
		assert.Equal(t, session.Forfeited, got.Lifecycle)

		byID, err := st.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "obj-1", byID.LedgerObjectRef)
	})

	t.Run("settle moves slot to history", func(t *testing.T) {
		st := open(t)
		s1 := newRunning("s1")
		require.NoError(t, st.CreateActive(ctx, s1))
		require.NoError(t, st.Settle(ctx, terminal(s1, session.Completed)))

		got, err := st.GetActive(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)

		hist, err := st.History(ctx, 10)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, session.Completed, hist[0].Lifecycle)
		require.NotNil(t, hist[0].EndedAt)

		// settling again is idempotent
		require.NoError(t, st.Settle(ctx, terminal(s1, session.Completed)))
		hist, err = st.History(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, hist, 1)
	})

	t.Run("settle rejects non-terminal", func(t *testing.T) {
		st := open(t)
		s1 := newRunning("s1")
		require.NoError(t, st.CreateActive(ctx, s1))
		assert.ErrorIs(t, st.Settle(ctx, s1), session.ErrInvalidTransition)
		assert.ErrorIs(t, st.AppendHistory(ctx, s1), session.ErrInvalidTransition)
	})

	t.Run("history newest first and capped", func(t *testing.T) {
		st := open(t, WithHistoryLimit(3))
		for i := 1; i <= 5; i++ {
			s := newRunning(fmt.Sprintf("s%d", i))
			require.NoError(t, st.AppendHistory(ctx, terminal(s, session.Completed)))
		}

		hist, err := st.History(ctx, 0)
		require.NoError(t, err)
		require.Len(t, hist, 3)
		assert.Equal(t, "s5", hist[0].ID)
		assert.Equal(t, "s4", hist[1].ID)
		assert.Equal(t, "s3", hist[2].ID)

		hist, err = st.History(ctx, 1)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, "s5", hist[0].ID)

		_, err = st.Get(ctx, "s1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("pending settlements", func(t *testing.T) {
		st := open(t)
		for i, settlement := range []session.Settlement{
			session.SettlementPending, session.SettlementConfirmed, session.SettlementPending,
		} {
			s := terminal(newRunning(fmt.Sprintf("s%d", i+1)), session.Forfeited)
			s.Settlement = settlement
			require.NoError(t, st.AppendHistory(ctx, s))
		}

		pending, err := st.PendingSettlements(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "s1", pending[0].ID)
		assert.Equal(t, "s3", pending[1].ID)

		_, err = st.UpdateHistory(ctx, "s1", func(s *session.Session) error {
			s.Settlement = session.SettlementConfirmed
			s.SettleTxRef = "tx-settle"
			return nil
		})
		require.NoError(t, err)

		pending, err = st.PendingSettlements(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "s3", pending[0].ID)

		// position is kept on update
		hist, err := st.History(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, "s1", hist[2].ID)
		assert.Equal(t, "tx-settle", hist[2].SettleTxRef)
	})

	t.Run("trim keeps owed settlements", func(t *testing.T) {
		st := open(t, WithHistoryLimit(2))
		owed := terminal(newRunning("s1"), session.Forfeited)
		owed.Settlement = session.SettlementPending
		require.NoError(t, st.AppendHistory(ctx, owed))
		for i := 2; i <= 4; i++ {
			s := newRunning(fmt.Sprintf("s%d", i))
			require.NoError(t, st.AppendHistory(ctx, terminal(s, session.Completed)))
		}

		hist, err := st.History(ctx, 0)
		require.NoError(t, err)
		require.Len(t, hist, 3)
		assert.Equal(t, "s4", hist[0].ID)
		assert.Equal(t, "s3", hist[1].ID)
		assert.Equal(t, "s1", hist[2].ID)

		pending, err := st.PendingSettlements(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "s1", pending[0].ID)

		// once settled it falls under the limit again
		_, err = st.UpdateHistory(ctx, "s1", func(s *session.Session) error {
			s.Settlement = session.SettlementConfirmed
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, st.AppendHistory(ctx, terminal(newRunning("s5"), session.Completed)))

		hist, err = st.History(ctx, 0)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, "s5", hist[0].ID)
		assert.Equal(t, "s4", hist[1].ID)
		_, err = st.Get(ctx, "s1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update history guards lifecycle", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.AppendHistory(ctx, terminal(newRunning("s1"), session.Forfeited)))
		_, err := st.UpdateHistory(ctx, "s1", func(s *session.Session) error {
			s.Lifecycle = session.Completed
			return nil
		})
		assert.ErrorIs(t, err, session.ErrInvalidTransition)

		_, err = st.UpdateHistory(ctx, "nope", func(s *session.Session) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("stats", func(t *testing.T) {
		st := open(t)
		stats, err := st.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, "alice", stats.Owner)
		assert.Zero(t, stats.TotalCompleted)

		_, err = st.UpdateStats(ctx, func(s *session.Stats) error {
			return s.UseFree(t0, 3)
		})
		require.NoError(t, err)

		stats, err = st.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.FreeUsedToday)
		assert.Equal(t, session.Day(t0), stats.Day)
	})

	t.Run("concurrent creates admit one", func(t *testing.T) {
		st := open(t)
		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = st.CreateActive(ctx, newRunning(fmt.Sprintf("s%d", i)))
			}(i)
		}
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			assert.ErrorIs(t, err, session.ErrSessionActive)
		}
		assert.Equal(t, 1, ok)
	})
}
