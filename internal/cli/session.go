package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stakehold/internal/api"
	"github.com/roach88/stakehold/internal/config"
	"github.com/roach88/stakehold/internal/ledger"
	"github.com/roach88/stakehold/internal/session"
)

// StatusResult is the output of the status command.
type StatusResult struct {
	Owner            string            `json:"owner"`
	Session          *api.HistoryEntry `json:"session,omitempty"`
	RemainingSeconds int64             `json:"remaining_seconds"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active session",
		Long: `Show the session occupying the active slot, read from the store.

The store is not modified; a countdown that ran out while no engine was
serving is shown with 0s remaining until the engine recovers it.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, rootOpts, func(ctx context.Context, a *app) error {
				return runStatus(ctx, a, rootOpts.formatter(cmd))
			})
		},
	}
}

func runStatus(ctx context.Context, a *app, out *OutputFormatter) error {
	s, err := a.store.GetActive(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read active session", err)
	}

	result := StatusResult{Owner: a.store.Owner()}
	if s != nil {
		entry := explorer(a.cfg).Entry(*s)
		result.Session = &entry
		if s.Lifecycle == session.Running {
			result.RemainingSeconds = int64(s.Remaining(a.clk.Now()) / time.Second)
		}
	}
	if out.JSON() {
		return out.Success(result)
	}

	w := out.Writer
	if result.Session == nil {
		fmt.Fprintf(w, "No active session for %s\n", result.Owner)
		return nil
	}
	writeSession(w, result.Session)
	if s.Lifecycle == session.Running {
		fmt.Fprintf(w, "  Remaining:  %s\n", time.Duration(result.RemainingSeconds)*time.Second)
	}
	return nil
}

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished sessions, newest first",
		Long: `List finished sessions, newest first, with explorer links for
ledger-backed sessions.

Example:
  stakehold history --limit 10
  stakehold history --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Limit < 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("--limit must not be negative, got %d", opts.Limit))
			}
			return withStore(cmd, rootOpts, func(ctx context.Context, a *app) error {
				return runHistory(ctx, a, opts.Limit, rootOpts.formatter(cmd))
			})
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum number of sessions (0 for all retained)")

	return cmd
}

func runHistory(ctx context.Context, a *app, limit int, out *OutputFormatter) error {
	if limit == 0 {
		limit = a.cfg.Store.HistoryLimit
	}
	sessions, err := a.store.History(ctx, limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read history", err)
	}

	exp := explorer(a.cfg)
	resp := api.HistoryResponse{Sessions: make([]api.HistoryEntry, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, exp.Entry(s))
	}
	if out.JSON() {
		return out.Success(resp)
	}

	if len(resp.Sessions) == 0 {
		fmt.Fprintln(out.Writer, "No finished sessions.")
		return nil
	}
	tw := tabwriter.NewWriter(out.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tMODE\tOUTCOME\tSETTLEMENT\tSETTLE TX")
	for _, e := range resp.Sessions {
		outcome := string(e.Lifecycle)
		if e.ForfeitReason != "" {
			outcome += " (" + e.ForfeitReason + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.StartedAt.UTC().Format(time.DateTime),
			e.Duration(),
			e.Mode,
			outcome,
			e.Settlement,
			orDash(ledger.ShortRef(e.SettleTxRef)))
	}
	return tw.Flush()
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Show streak, score and today's free sessions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, rootOpts, func(ctx context.Context, a *app) error {
				return runStats(ctx, a, rootOpts.formatter(cmd))
			})
		},
	}
}

func runStats(ctx context.Context, a *app, out *OutputFormatter) error {
	st, err := a.store.Stats(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read stats", err)
	}
	resp := api.StatsResponse{
		Stats:         st,
		FreeRemaining: st.FreeRemaining(a.clk.Now(), a.cfg.Engine.FreeSessionsPerDay),
	}
	if out.JSON() {
		return out.Success(resp)
	}

	w := out.Writer
	fmt.Fprintf(w, "Owner:            %s\n", resp.Owner)
	fmt.Fprintf(w, "Streak:           %d day(s)\n", resp.Streak)
	fmt.Fprintf(w, "Score:            %d\n", resp.Score)
	fmt.Fprintf(w, "Completed:        %d\n", resp.TotalCompleted)
	fmt.Fprintf(w, "Forfeited:        %d\n", resp.TotalForfeited)
	fmt.Fprintf(w, "Free sessions:    %d of %d left today\n", resp.FreeRemaining, a.cfg.Engine.FreeSessionsPerDay)
	return nil
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Re-drive the owed ledger write of the active session",
		Long: `Re-drive the ledger write of a session stuck in submitting.

Use it when no engine is serving. While "stakehold serve" runs, use
POST /session/retry instead.

Exit codes:
  0 - The session settled
  1 - Nothing to retry, or the ledger write failed again
  2 - Command error`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, rootOpts, func(ctx context.Context, a *app) error {
				return runRetry(ctx, a, rootOpts.formatter(cmd))
			})
		},
	}
}

func runRetry(ctx context.Context, a *app, out *OutputFormatter) error {
	s, err := a.store.GetActive(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read active session", err)
	}
	if s == nil || s.Lifecycle != session.Submitting {
		msg := "no settlement to retry"
		if out.JSON() {
			_ = out.Error(string(session.CodeNoActiveSession), msg, nil)
		}
		return NewExitError(ExitFailure, msg)
	}
	id := s.ID

	a.openLedger()
	out.VerboseLog("re-driving %s write for %s", s.Intent, id)
	if err := a.openEngine(ctx); err != nil {
		if out.JSON() {
			_ = out.Error(errorCode(err), err.Error(), map[string]string{"session_id": id})
		}
		return WrapExitError(ExitFailure, "settlement failed", err)
	}

	settled, err := a.store.Get(ctx, id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read settled session", err)
	}
	entry := explorer(a.cfg).Entry(*settled)
	if out.JSON() {
		return out.Success(entry)
	}
	fmt.Fprintf(out.Writer, "✓ %s settled\n", id)
	writeSession(out.Writer, &entry)
	return nil
}

// withStore loads config, opens the store and runs fn against it.
func withStore(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Error("error closing", "error", closeErr)
		}
	}()
	return fn(ctx, a)
}

func explorer(cfg *config.Config) api.Explorer {
	return api.Explorer{Base: cfg.Ledger.ExplorerBase, Network: cfg.Ledger.Network}
}

// writeSession prints the text form of one session.
func writeSession(w io.Writer, e *api.HistoryEntry) {
	title := e.ID
	if e.Name != "" {
		title += " " + e.Name
	}
	fmt.Fprintf(w, "Session %s (%s)\n", title, e.Mode)
	fmt.Fprintf(w, "  Lifecycle:  %s\n", e.Lifecycle)
	if e.Intent != session.IntentNone {
		fmt.Fprintf(w, "  Intent:     %s\n", e.Intent)
	}
	if e.ForfeitReason != "" {
		fmt.Fprintf(w, "  Reason:     %s\n", e.ForfeitReason)
	}
	fmt.Fprintf(w, "  Duration:   %s\n", e.Duration())
	fmt.Fprintf(w, "  Started:    %s\n", e.StartedAt.UTC().Format(time.RFC3339))
	if e.Mode == session.ModeStaked {
		fmt.Fprintf(w, "  Stake:      %d -> %s\n", e.StakeAmount, e.Beneficiary)
	}
	if e.CommitURL != "" {
		fmt.Fprintf(w, "  Commit tx:  %s\n", e.CommitURL)
	}
	if e.SettleURL != "" {
		fmt.Fprintf(w, "  Settle tx:  %s\n", e.SettleURL)
	}
	if e.Settlement != "" {
		fmt.Fprintf(w, "  Settlement: %s\n", e.Settlement)
	}
	if e.LastError != "" {
		fmt.Fprintf(w, "  Last error: %s\n", e.LastError)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
