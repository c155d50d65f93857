package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/stakehold/internal/clock"
	"github.com/roach88/stakehold/internal/config"
	"github.com/roach88/stakehold/internal/engine"
	"github.com/roach88/stakehold/internal/ledger"
	"github.com/roach88/stakehold/internal/ledger/rpc"
	"github.com/roach88/stakehold/internal/ledger/sim"
	"github.com/roach88/stakehold/internal/notify"
	"github.com/roach88/stakehold/internal/store"
)

// app is the set of components a command runs against, built from config.
// Commands take what they need: read-only commands stop at the store.
type app struct {
	cfg *config.Config
	clk clock.Clock

	store      store.Store
	ledger     ledger.Ledger
	reconciler *ledger.Reconciler
	dispatcher *notify.Dispatcher
	engine     *engine.Engine

	closers []func() error
}

// openStore opens the configured store backend.
func openStore(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, clk: clock.Wall{}}

	switch cfg.Store.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr, DB: cfg.Store.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, WrapExitError(ExitCommandError, "failed to reach redis", err)
		}
		st, err := store.NewRedis(client, cfg.Owner, cfg.StoreOptions()...)
		if err != nil {
			client.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open store", err)
		}
		a.store = st
		a.closers = append(a.closers, st.Close)
	default:
		st, err := store.OpenSQLite(cfg.Store.Path, cfg.Owner, cfg.StoreOptions()...)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open store", err)
		}
		a.store = st
		a.closers = append(a.closers, st.Close)
	}
	slog.Debug("store ready", "backend", cfg.Store.Backend, "owner", cfg.Owner)
	return a, nil
}

// openLedger adds the configured ledger and a reconciler over the store.
func (a *app) openLedger() {
	a.ledger = newLedger(a.cfg, a.clk)
	a.reconciler = ledger.NewReconciler(a.ledger, a.store, a.clk, a.cfg.Ledger.Reconciler)
	a.closers = append(a.closers, func() error {
		a.reconciler.Close()
		return nil
	})
	slog.Debug("ledger ready", "backend", a.cfg.Ledger.Backend, "network", a.cfg.Ledger.Network)
}

func newLedger(cfg *config.Config, clk clock.Clock) ledger.Ledger {
	if cfg.Ledger.Backend == config.LedgerRPC {
		return rpc.NewClient(cfg.Ledger.URL, cfg.Ledger.Timeout)
	}
	return sim.New(clk,
		sim.WithMinStake(cfg.Ledger.MinStake),
		sim.WithIndexDelay(cfg.Ledger.IndexDelay))
}

// openEngine adds the notification dispatcher and the engine, then
// recovers the session left by a previous process. The returned error is
// the settlement error of a re-driven ledger write; the engine is usable
// either way.
func (a *app) openEngine(ctx context.Context) error {
	sinks := []notify.Sink{notify.LogSink{Logger: slog.Default()}}
	if a.cfg.Notify.RedisChannel != "" {
		addr := a.cfg.Notify.RedisAddr
		if addr == "" {
			addr = a.cfg.Store.RedisAddr
		}
		client := redis.NewClient(&redis.Options{Addr: addr})
		a.closers = append(a.closers, client.Close)
		sinks = append(sinks, notify.NewRedisSink(client, a.cfg.Notify.RedisChannel))
	}
	a.dispatcher = notify.NewDispatcher(a.cfg.Notify.Workers, sinks...)
	a.closers = append(a.closers, func() error {
		a.dispatcher.Close()
		return nil
	})

	a.engine = engine.New(a.store, a.reconciler, a.clk,
		engine.WithConfig(a.cfg.Engine),
		engine.WithNotifier(a.dispatcher))
	a.closers = append(a.closers, func() error {
		a.engine.Close()
		return nil
	})

	return a.engine.Recover(ctx)
}

// Close releases everything in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close: %w", errors.Join(errs...))
	}
	return nil
}
