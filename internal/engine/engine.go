package engine

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/roach88/stakehold/internal/clock"
	"github.com/roach88/stakehold/internal/ledger"
	"github.com/roach88/stakehold/internal/notify"
	"github.com/roach88/stakehold/internal/presence"
	"github.com/roach88/stakehold/internal/session"
	"github.com/roach88/stakehold/internal/store"
)

// DefaultTokenUnit is the number of minor stake units in one whole token.
const DefaultTokenUnit int64 = 1_000_000_000

// DefaultTickInterval is how often subscribers receive a projection while
// a session is running.
const DefaultTickInterval = time.Second

// Config holds the engine's tunables.
type Config struct {
	Presence           presence.Config `yaml:"presence"`
	FreeSessionsPerDay int             `yaml:"free_sessions_per_day"`
	TokenUnit          int64           `yaml:"token_unit"`
	TickInterval       time.Duration   `yaml:"tick_interval"`
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		Presence:           presence.DefaultConfig(),
		FreeSessionsPerDay: session.DefaultFreeSessionsPerDay,
		TokenUnit:          DefaultTokenUnit,
		TickInterval:       DefaultTickInterval,
	}
}

// Notifier receives user notifications. *notify.Dispatcher satisfies it.
type Notifier interface {
	Notify(n notify.Notification)
}

type nopNotifier struct{}

func (nopNotifier) Notify(notify.Notification) {}

// Engine runs the active session of one owner.
//
// Thread-safety: all exported methods are safe for concurrent use. State
// changes are serialised by mu; ledger calls run without it.
type Engine struct {
	store    store.Store
	rec      *ledger.Reconciler
	clk      clock.Clock
	ids      IDGenerator
	rnd      presence.Rand
	notifier Notifier
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cur      *session.Session
	last     *session.Session
	gen      uint64
	timers   clock.Group
	monitor  *presence.Monitor
	starting bool
	inFlight bool
	subs     []subscriber
	nextSub  int
	closed   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithIDGenerator sets the session id source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithRand sets the checkpoint random source. Tests pass a fixed sequence
// to force specific challenge intervals.
func WithRand(r presence.Rand) Option {
	return func(e *Engine) {
		e.rnd = r
	}
}

// WithNotifier sets where user notifications go. Default: discarded.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// New creates an Engine and installs its reconciler hooks. Call Recover
// before accepting intents so a session left by a previous process is
// picked up.
func New(st store.Store, rec *ledger.Reconciler, clk clock.Clock, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    st,
		rec:      rec,
		clk:      clk,
		ids:      UUIDv7Generator{},
		notifier: nopNotifier{},
		cfg:      DefaultConfig(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rnd == nil {
		seed := uint64(clk.Now().UnixNano())
		e.rnd = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	if e.cfg.TickInterval <= 0 {
		e.cfg.TickInterval = DefaultTickInterval
	}
	rec.SetHooks(ledger.Hooks{
		OnResolved: e.onResolved,
		OnDegraded: e.onDegraded,
	})
	return e
}

// Close stops every timer. The store and reconciler are left open for
// their owner to close.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.disarmLocked()
	e.mu.Unlock()
	e.cancel()
}

// Owner returns the owner this engine serves.
func (e *Engine) Owner() string {
	return e.store.Owner()
}

// Store returns the backing store for read paths (history, stats).
func (e *Engine) Store() store.Store {
	return e.store
}

// Reconciler returns the ledger reconciler.
func (e *Engine) Reconciler() *ledger.Reconciler {
	return e.rec
}

// Stats returns the owner's stats and the free sessions left today.
func (e *Engine) Stats(ctx context.Context) (session.Stats, int, error) {
	st, err := e.store.Stats(ctx)
	if err != nil {
		return session.Stats{}, 0, err
	}
	left := st.FreeRemaining(e.clk.Now(), e.cfg.FreeSessionsPerDay)
	return st, left, nil
}

// notify queues a notification for the current session.
func (e *Engine) notify(kind, title, body, sessionID string) {
	e.notifier.Notify(notify.Notification{
		Kind:      kind,
		Title:     title,
		Body:      body,
		SessionID: sessionID,
		At:        e.clk.Now(),
	})
}

// recordStats folds a terminal session into the owner's stats. Failures
// are logged: stats never block settlement.
func (e *Engine) recordStats(ctx context.Context, s *session.Session) {
	_, err := e.store.UpdateStats(ctx, func(st *session.Stats) error {
		st.RecordOutcome(s, e.cfg.TokenUnit)
		return nil
	})
	if err != nil {
		slog.Warn("failed to update stats", "session_id", s.ID, "error", err)
	}
}
