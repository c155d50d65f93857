package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stakehold/internal/api"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session engine and HTTP API",
		Long: `Run the session engine behind the HTTP API.

On start the session left by a previous process is recovered: a running
countdown resumes, an owed ledger write is re-driven, and one heal pass
repairs ledger linkage. The process stops on SIGINT or SIGTERM.

Example:
  stakehold serve --config stakehold.yaml
  stakehold serve --listen 127.0.0.1:9000 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
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
	a.openLedger()
	if err := a.openEngine(ctx); err != nil {
		slog.Warn("recovered session still owes a ledger write", "error", err)
	}
	if report, err := a.reconciler.Heal(ctx); err != nil {
		slog.Warn("heal failed", "error", err)
	} else {
		slog.Info("heal finished",
			"resolved", len(report.Resolved),
			"settled", len(report.Settled),
			"failed", len(report.Failed))
	}

	router := api.NewRouter(a.engine, api.RouterOptions{
		Token:    cfg.APIToken,
		Explorer: explorer(cfg),
		Logger:   slog.Default(),
	})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	slog.Info("serving", "addr", ln.Addr().String(), "owner", cfg.Owner, "auth", cfg.APIToken != "")
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", ln.Addr())

	if err := serveHTTP(ctx, ln, router); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

// serveHTTP serves h on ln until ctx is done or SIGINT/SIGTERM arrives,
// then shuts down gracefully.
func serveHTTP(ctx context.Context, ln net.Listener, h http.Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown error", err)
	}
	return nil
}
