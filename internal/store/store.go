package store

import (
	"context"
	"errors"

	"github.com/roach88/stakehold/internal/session"
)

// DefaultHistoryLimit is the number of history entries kept per owner.
const DefaultHistoryLimit = 100

// ErrNotFound is returned when a session id is in neither the active slot
// nor history.
var ErrNotFound = errors.New("store: session not found")

// Store is the per-owner session store.
type Store interface {
	// Owner returns the owner the store is keyed by.
	Owner() string

	// GetActive returns the active slot, or nil when empty.
	GetActive(ctx context.Context) (*session.Session, error)

	// CreateActive places a new Running session in the slot. Fails with
	// session.ErrSessionActive if a non-terminal session is there.
	CreateActive(ctx context.Context, s *session.Session) error

	// PutActive replaces the slot. nil clears it. A replacement of the same
	// session is checked with session.CheckUpdate.
	PutActive(ctx context.Context, s *session.Session) error

	// UpdateActive applies fn to the active session atomically. id must
	// match the slot.
	UpdateActive(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error)

	// PatchLedgerRefs fills empty LedgerTxRef/LedgerObjectRef fields on the
	// session with this id, wherever it lives. Empty arguments are ignored.
	PatchLedgerRefs(ctx context.Context, id, txRef, objectRef string) (*session.Session, error)

	// Get returns the session with this id from the slot or history.
	Get(ctx context.Context, id string) (*session.Session, error)

	// AppendHistory adds a terminal session to history, replacing an entry
	// with the same id.
	AppendHistory(ctx context.Context, s *session.Session) error

	// Settle appends s to history and clears the slot in one step.
	Settle(ctx context.Context, s *session.Session) error

	// History returns up to limit entries, newest first. limit <= 0 means all.
	History(ctx context.Context, limit int) ([]session.Session, error)

	// UpdateHistory applies fn to a history entry atomically.
	UpdateHistory(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error)

	// PendingSettlements returns history entries whose ledger write is owed.
	PendingSettlements(ctx context.Context) ([]session.Session, error)

	// Stats returns the owner's stats.
	Stats(ctx context.Context) (session.Stats, error)

	// UpdateStats applies fn to the owner's stats atomically.
	UpdateStats(ctx context.Context, fn func(*session.Stats) error) (session.Stats, error)

	// Close releases the backend.
	Close() error
}

// Option configures a backend.
type Option func(*options)

type options struct {
	historyLimit int
	keyPrefix    string
}

func defaultOptions() options {
	return options{historyLimit: DefaultHistoryLimit, keyPrefix: "stakehold"}
}

// WithHistoryLimit sets the history retention count.
func WithHistoryLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.historyLimit = n
		}
	}
}

// WithKeyPrefix sets the Redis key prefix. Ignored by SQLite.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}
