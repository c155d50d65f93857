package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stakehold/internal/api"
	"github.com/roach88/stakehold/internal/engine"
	"github.com/roach88/stakehold/internal/ledger"
	"github.com/roach88/stakehold/internal/ledger/rpc"
	"github.com/roach88/stakehold/internal/ledger/sim"
	"github.com/roach88/stakehold/internal/session"
	"github.com/roach88/stakehold/internal/store"
	"github.com/roach88/stakehold/internal/testutil"
)

const (
	owner       = "0xa11ce000"
	beneficiary = "0xc4a41700"
)

// fixture is a store file plus the simulated ledger that seeded it. The
// ledger is reachable over JSON-RPC so commands see the same objects.
type fixture struct {
	dir    string
	dbPath string
	clk    *testutil.FakeClock
	sim    *sim.Ledger
	rpcURL string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	clk := testutil.NewFakeClock()
	l := sim.New(clk)
	srv := httptest.NewServer(rpc.NewHandler(l, slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(srv.Close)

	return &fixture{
		dir:    dir,
		dbPath: filepath.Join(dir, "stakehold.db"),
		clk:    clk,
		sim:    l,
		rpcURL: srv.URL,
	}
}

// seed runs fn against an engine over the fixture's store and ledger.
func (f *fixture) seed(t *testing.T, fn func(ctx context.Context, eng *engine.Engine)) {
	t.Helper()
	st, err := store.OpenSQLite(f.dbPath, owner)
	require.NoError(t, err)
	rec := ledger.NewReconciler(f.sim, st, f.clk, ledger.DefaultConfig())
	eng := engine.New(st, rec, f.clk,
		engine.WithIDGenerator(testutil.NewSeqIDGenerator("s")),
		engine.WithRand(testutil.NewSeqRand(0)),
	)
	fn(context.Background(), eng)
	eng.Close()
	rec.Close()
	require.NoError(t, st.Close())
}

// config writes a config file for the fixture. ledgerBackend is "sim" or
// "rpc"; rpc points at the seeding ledger.
func (f *fixture) config(t *testing.T, ledgerBackend string) string {
	t.Helper()
	cfg := fmt.Sprintf(`owner: %q
store:
  path: %q
ledger:
  backend: %s
  url: %q
  explorer_base: "https://explorer.test"
  network: testnet
`, owner, f.dbPath, ledgerBackend, f.rpcURL)
	path := filepath.Join(f.dir, "stakehold.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runCLIContext(t, context.Background(), args...)
}

func runCLIContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

type response[T any] struct {
	Status string    `json:"status"`
	Data   T         `json:"data"`
	Error  *CLIError `json:"error"`
}

func decodeResponse[T any](t *testing.T, out string) response[T] {
	t.Helper()
	var resp response[T]
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func startStaked(t *testing.T, ctx context.Context, eng *engine.Engine) *session.Session {
	t.Helper()
	s, err := eng.Start(ctx, session.StartConfig{
		Name:            "Deep work",
		DurationSeconds: 60,
		Mode:            session.ModeStaked,
		StakeAmount:     1_000,
		Beneficiary:     beneficiary,
	})
	require.NoError(t, err)
	return s
}

func TestStatus_NoActiveSession(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, "sim")

	out, err := runCLI(t, "--config", cfg, "status")
	require.NoError(t, err)
	assert.Equal(t, "No active session for "+owner+"\n", out)

	out, err = runCLI(t, "--config", cfg, "--format", "json", "status")
	require.NoError(t, err)
	resp := decodeResponse[StatusResult](t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, owner, resp.Data.Owner)
	assert.Nil(t, resp.Data.Session)
}

func TestStatus_RunningSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(ctx context.Context, eng *engine.Engine) {
		startStaked(t, ctx, eng)
	})
	cfg := f.config(t, "sim")

	out, err := runCLI(t, "--config", cfg, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Session s-1 Deep work (staked)")
	assert.Contains(t, out, "Lifecycle:  running")
	assert.Contains(t, out, "Stake:      1000 -> "+beneficiary)
	assert.Contains(t, out, "Commit tx:  https://explorer.test/txblock/tx-0001?network=testnet")
	// The fake clock's countdown ended long before the wall clock.
	assert.Contains(t, out, "Remaining:  0s")

	out, err = runCLI(t, "--config", cfg, "--format", "json", "status")
	require.NoError(t, err)
	resp := decodeResponse[StatusResult](t, out)
	require.NotNil(t, resp.Data.Session)
	assert.Equal(t, "s-1", resp.Data.Session.ID)
	assert.Equal(t, session.Running, resp.Data.Session.Lifecycle)
	assert.Zero(t, resp.Data.RemainingSeconds)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(ctx context.Context, eng *engine.Engine) {
		startStaked(t, ctx, eng)
		require.NoError(t, eng.GiveUp(ctx))

		_, err := eng.Start(ctx, session.StartConfig{Name: "Reading", DurationSeconds: 60, Mode: session.ModeFree})
		require.NoError(t, err)
		f.clk.Advance(60 * time.Second)
		require.NoError(t, eng.SubmitProof(ctx, "read two chapters"))
	})
	cfg := f.config(t, "sim")

	out, err := runCLI(t, "--config", cfg, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "SETTLE TX")
	assert.Contains(t, out, "forfeited (gave up)")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "confirmed")

	out, err = runCLI(t, "--config", cfg, "--format", "json", "history")
	require.NoError(t, err)
	resp := decodeResponse[api.HistoryResponse](t, out)
	require.Len(t, resp.Data.Sessions, 2)

	// Newest first.
	free, staked := resp.Data.Sessions[0], resp.Data.Sessions[1]
	assert.Equal(t, "s-2", free.ID)
	assert.Equal(t, session.SettlementLocal, free.Settlement)
	assert.Empty(t, free.CommitURL)

	assert.Equal(t, "s-1", staked.ID)
	assert.Equal(t, session.Forfeited, staked.Lifecycle)
	assert.Equal(t, "https://explorer.test/txblock/tx-0001?network=testnet", staked.CommitURL)
	assert.Equal(t, "https://explorer.test/txblock/tx-0002?network=testnet", staked.SettleURL)

	out, err = runCLI(t, "--config", cfg, "--format", "json", "history", "--limit", "1")
	require.NoError(t, err)
	assert.Len(t, decodeResponse[api.HistoryResponse](t, out).Data.Sessions, 1)
}

func TestHistory_EmptyAndBadLimit(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, "sim")

	out, err := runCLI(t, "--config", cfg, "history")
	require.NoError(t, err)
	assert.Equal(t, "No finished sessions.\n", out)

	_, err = runCLI(t, "--config", cfg, "history", "--limit", "-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(ctx context.Context, eng *engine.Engine) {
		_, err := eng.Start(ctx, session.StartConfig{DurationSeconds: 60, Mode: session.ModeFree})
		require.NoError(t, err)
		f.clk.Advance(60 * time.Second)
		require.NoError(t, eng.SubmitProof(ctx, "done"))
	})
	cfg := f.config(t, "sim")

	out, err := runCLI(t, "--config", cfg, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Owner:            "+owner)
	assert.Contains(t, out, "Streak:           1 day(s)")
	assert.Contains(t, out, "Completed:        1")
	assert.Contains(t, out, "of 3 left today")

	out, err = runCLI(t, "--config", cfg, "--format", "json", "stats")
	require.NoError(t, err)
	resp := decodeResponse[api.StatsResponse](t, out)
	assert.Equal(t, 1, resp.Data.TotalCompleted)
	assert.Equal(t, 10, int(resp.Data.Score))
	// The seeded day is not today on the wall clock.
	assert.Equal(t, 3, resp.Data.FreeRemaining)
}

func TestRetry_NothingToRetry(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, "rpc")

	out, err := runCLI(t, "--config", cfg, "--format", "json", "retry")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decodeResponse[any](t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NO_ACTIVE_SESSION", resp.Error.Code)
}

func TestRetry_SettlesSubmittingSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(ctx context.Context, eng *engine.Engine) {
		startStaked(t, ctx, eng)
		f.clk.Advance(60 * time.Second)
		f.sim.FailSettle(1)
		err := eng.SubmitProof(ctx, "shipped the feature")
		require.Error(t, err)
		assert.True(t, session.IsRetryable(err))
	})
	cfg := f.config(t, "rpc")

	out, err := runCLI(t, "--config", cfg, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Lifecycle:  submitting")
	assert.Contains(t, out, "Intent:     complete")

	out, err = runCLI(t, "--config", cfg, "retry")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ s-1 settled")
	assert.Contains(t, out, "Lifecycle:  completed")
	assert.Contains(t, out, "Settle tx:  https://explorer.test/txblock/tx-0002?network=testnet")

	obj, ok := f.sim.ObjectForSession("s-1")
	require.True(t, ok)
	assert.Equal(t, ledger.OutcomeComplete, obj.Outcome)

	out, err = runCLI(t, "--config", cfg, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No active session")
}

func TestRetry_LedgerStillFailing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(ctx context.Context, eng *engine.Engine) {
		startStaked(t, ctx, eng)
		f.clk.Advance(60 * time.Second)
		f.sim.FailSettle(1)
		require.Error(t, eng.SubmitProof(ctx, "shipped"))
	})
	f.sim.FailSettle(1)
	cfg := f.config(t, "rpc")

	out, err := runCLI(t, "--config", cfg, "--format", "json", "retry")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decodeResponse[any](t, out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "LEDGER_WRITE_FAILED", resp.Error.Code)

	out, err = runCLI(t, "--config", cfg, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Lifecycle:  submitting")
}

func TestHeal(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(ctx context.Context, eng *engine.Engine) {
		startStaked(t, ctx, eng)
		f.sim.FailSettle(1)
		// The forfeit settles locally and the ledger write stays owed.
		require.NoError(t, eng.GiveUp(ctx))
	})

	// A fresh simulated ledger has never seen the object.
	out, err := runCLI(t, "--config", f.config(t, "sim"), "heal")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ s-1")
	assert.Contains(t, out, "Heal Summary: 0 resolved, 0 settled, 1 failed")

	cfg := f.config(t, "rpc")
	out, err = runCLI(t, "--config", cfg, "heal")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ s-1 settled")
	assert.Contains(t, out, "Heal Summary: 0 resolved, 1 settled, 0 failed")

	out, err = runCLI(t, "--config", cfg, "--format", "json", "history")
	require.NoError(t, err)
	sessions := decodeResponse[api.HistoryResponse](t, out).Data.Sessions
	require.Len(t, sessions, 1)
	assert.Equal(t, session.SettlementConfirmed, sessions[0].Settlement)
	assert.Empty(t, sessions[0].LastError)

	// Nothing left owed.
	out, err = runCLI(t, "--config", cfg, "--format", "json", "heal")
	require.NoError(t, err)
	resp := decodeResponse[ledger.HealReport](t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Empty(t, resp.Data.Settled)
	assert.Empty(t, resp.Data.Failed)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		file  string
		valid bool
	}{
		{"full.yaml", true},
		{"unknown_key.yaml", false},
		{"bad_duration.yaml", false},
		{"bad_thresholds.yaml", false},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			path := filepath.Join("..", "config", "testdata", tt.file)
			out, err := runCLI(t, "config", "validate", path)
			if tt.valid {
				require.NoError(t, err)
				assert.Equal(t, "✓ "+path+"\n", out)
				return
			}
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))
			assert.Contains(t, out, "✗ "+path)
		})
	}
}

func TestConfigValidate_JSON(t *testing.T) {
	path := filepath.Join("..", "config", "testdata", "unknown_key.yaml")
	out, err := runCLI(t, "--format", "json", "config", "validate", path)
	require.Error(t, err)

	resp := decodeResponse[any](t, out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_INVALID_CONFIG", resp.Error.Code)
}

func TestConfigShow_RedactsToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_token: s3cret\nlisten: \"127.0.0.1:9999\"\n"), 0o644))

	out, err := runCLI(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "127.0.0.1:9999")
	assert.Contains(t, out, "<redacted>")
	assert.NotContains(t, out, "s3cret")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := runCLI(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestServe_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, "sim")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	out, err := runCLIContext(t, ctx, "--config", cfg, "serve", "--listen", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Contains(t, out, "Listening on 127.0.0.1:")
}

func TestServe_ListenError(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, "sim")

	_, err := runCLI(t, "--config", cfg, "serve", "--listen", "not-an-address")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to listen")
}

func TestLedgerServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	out, err := runCLIContext(t, ctx, "ledger", "serve", "--listen", "127.0.0.1:0", "--index-delay", "0s")
	require.NoError(t, err)
	assert.Contains(t, out, "Ledger listening on 127.0.0.1:")
}

func TestLedgerServe_BadFlags(t *testing.T) {
	_, err := runCLI(t, "ledger", "serve", "--min-stake", "-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
