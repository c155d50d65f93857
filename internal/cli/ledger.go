package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stakehold/internal/clock"
	"github.com/roach88/stakehold/internal/ledger"
	"github.com/roach88/stakehold/internal/ledger/rpc"
	"github.com/roach88/stakehold/internal/ledger/sim"
)

// NewHealCommand creates the heal command.
func NewHealCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "heal",
		Short: "Reconcile the store with the configured ledger once",
		Long: `Run one reconciliation pass against the configured ledger.

The active session's ledger object is resolved if it is unknown, and every
finished session that still owes a forfeit write is settled.

Exit codes:
  0 - Nothing left owed
  1 - One or more sessions could not be healed
  2 - Command error`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, rootOpts, func(ctx context.Context, a *app) error {
				a.openLedger()
				return runHeal(ctx, a, rootOpts.formatter(cmd))
			})
		},
	}
}

func runHeal(ctx context.Context, a *app, out *OutputFormatter) error {
	report, err := a.reconciler.Heal(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "heal failed", err)
	}

	if out.JSON() {
		if len(report.Failed) > 0 {
			_ = out.Error("E_HEAL_INCOMPLETE", fmt.Sprintf("%d session(s) not healed", len(report.Failed)), report)
		} else if err := out.Success(report); err != nil {
			return err
		}
	} else {
		w := out.Writer
		for _, id := range report.Resolved {
			fmt.Fprintf(w, "✓ %s resolved\n", id)
		}
		for _, id := range report.Settled {
			fmt.Fprintf(w, "✓ %s settled\n", id)
		}
		failed := make([]string, 0, len(report.Failed))
		for id := range report.Failed {
			failed = append(failed, id)
		}
		slices.Sort(failed)
		for _, id := range failed {
			fmt.Fprintf(w, "✗ %s\n", id)
			fmt.Fprintf(w, "  %s\n", report.Failed[id])
		}
		fmt.Fprintf(w, "\nHeal Summary: %d resolved, %d settled, %d failed\n",
			len(report.Resolved), len(report.Settled), len(report.Failed))
	}

	if len(report.Failed) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d session(s) not healed", len(report.Failed)))
	}
	return nil
}

// LedgerServeOptions holds flags for the ledger serve command.
type LedgerServeOptions struct {
	*RootOptions
	Listen     string
	MinStake   int64
	IndexDelay time.Duration
}

// NewLedgerCommand creates the ledger command group.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Local ledger tools",
	}
	cmd.AddCommand(newLedgerServeCommand(rootOpts))
	return cmd
}

func newLedgerServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LedgerServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory ledger over JSON-RPC",
		Long: `Serve the simulated ledger at POST /rpc for local development.

Point an engine at it with ledger.backend: rpc and ledger.url set to this
address. State is lost when the process stops.

Example:
  stakehold ledger serve --listen 127.0.0.1:8745 --index-delay 3s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "127.0.0.1:8745", "listen address")
	cmd.Flags().Int64Var(&opts.MinStake, "min-stake", 1, "smallest accepted stake")
	cmd.Flags().DurationVar(&opts.IndexDelay, "index-delay", time.Second, "delay before a new object is findable")

	return cmd
}

func runLedgerServe(opts *LedgerServeOptions, cmd *cobra.Command) error {
	if opts.MinStake < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--min-stake must not be negative, got %d", opts.MinStake))
	}
	if opts.IndexDelay < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--index-delay must not be negative, got %s", opts.IndexDelay))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var l ledger.Ledger = sim.New(clock.Wall{},
		sim.WithMinStake(opts.MinStake),
		sim.WithIndexDelay(opts.IndexDelay))

	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	slog.Info("ledger serving", "addr", ln.Addr().String(), "min_stake", opts.MinStake, "index_delay", opts.IndexDelay)
	fmt.Fprintf(cmd.OutOrStdout(), "Ledger listening on %s\n", ln.Addr())

	return serveHTTP(ctx, ln, rpc.NewHandler(l, slog.Default()))
}
