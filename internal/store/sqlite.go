package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/stakehold/internal/session"
)

//go:embed schema.sql
var schemaSQL string

// user_version 1 adds the pending-settlement index on history.
const currentSchemaVersion = 1

// SQLite is the SQLite-backed Store.
type SQLite struct {
	db    *sql.DB
	owner string
	opts  options
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens the session database at path for owner, creating
// tables and applying migrations on first use. Reopening an existing file
// leaves its rows untouched. The connection runs in WAL mode with a 5s
// busy timeout so status reads do not block the serving process.
func OpenSQLite(path, owner string, opts ...Option) (*SQLite, error) {
	if owner == "" {
		return nil, errors.New("open store: owner is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db, owner: owner, opts: o}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Owner returns the owner the store is keyed by.
func (s *SQLite) Owner() string {
	return s.owner
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema installs the embedded schema, then migrates.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations steps user_version up to currentSchemaVersion.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the pending-settlement index used by heal.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_history_pending
		ON history(owner, settlement) WHERE settlement = 'pending'
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma reports whether pragma name reads back as expected. Tests only.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// withTx runs fn in a transaction, committing on nil error.
func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) readActive(ctx context.Context, q queryer) (*session.Session, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM active_sessions WHERE owner = ?`, s.owner).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read active: %w", err)
	}
	return unmarshalSession([]byte(data))
}

func (s *SQLite) writeActive(ctx context.Context, q queryer, sess *session.Session) error {
	if sess == nil {
		_, err := q.ExecContext(ctx, `DELETE FROM active_sessions WHERE owner = ?`, s.owner)
		if err != nil {
			return fmt.Errorf("clear active: %w", err)
		}
		return nil
	}
	data, err := marshalSession(sess)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO active_sessions (owner, session_id, lifecycle, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner) DO UPDATE SET
			session_id = excluded.session_id,
			lifecycle = excluded.lifecycle,
			data = excluded.data
	`, s.owner, sess.ID, string(sess.Lifecycle), data)
	if err != nil {
		return fmt.Errorf("write active: %w", err)
	}
	return nil
}

func (s *SQLite) readHistoryEntry(ctx context.Context, q queryer, id string) (*session.Session, error) {
	var data string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM history WHERE owner = ? AND session_id = ?`, s.owner, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history entry: %w", err)
	}
	return unmarshalSession([]byte(data))
}

// writeHistory upserts an entry and trims the owner's history to the limit.
// An existing entry keeps its position. Entries with an owed settlement
// are never trimmed.
func (s *SQLite) writeHistory(ctx context.Context, q queryer, sess *session.Session) error {
	data, err := marshalSession(sess)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO history (owner, session_id, lifecycle, settlement, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner, session_id) DO UPDATE SET
			lifecycle = excluded.lifecycle,
			settlement = excluded.settlement,
			data = excluded.data
	`, s.owner, sess.ID, string(sess.Lifecycle), string(sess.Settlement), data)
	if err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		DELETE FROM history
		WHERE owner = ? AND settlement != ? AND seq NOT IN (
			SELECT seq FROM history WHERE owner = ? ORDER BY seq DESC LIMIT ?
		)
	`, s.owner, string(session.SettlementPending), s.owner, s.opts.historyLimit)
	if err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}

// GetActive returns the active slot, or nil when empty.
func (s *SQLite) GetActive(ctx context.Context) (*session.Session, error) {
	return s.readActive(ctx, s.db)
}

// CreateActive places a new Running session in the slot.
func (s *SQLite) CreateActive(ctx context.Context, sess *session.Session) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.readActive(ctx, tx)
		if err != nil {
			return err
		}
		if err := checkCreate(current, sess); err != nil {
			return err
		}
		return s.writeActive(ctx, tx, sess)
	})
}

// PutActive replaces or clears the slot.
func (s *SQLite) PutActive(ctx context.Context, sess *session.Session) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.readActive(ctx, tx)
		if err != nil {
			return err
		}
		if err := checkPut(current, sess); err != nil {
			return err
		}
		return s.writeActive(ctx, tx, sess)
	})
}

// UpdateActive applies fn to the active session atomically.
func (s *SQLite) UpdateActive(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	var out *session.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.readActive(ctx, tx)
		if err != nil {
			return err
		}
		if current == nil || current.ID != id {
			return session.WrapError(session.CodeNoActiveSession, id, nil, "session is not in the active slot")
		}
		next, err := applyUpdate(current, fn)
		if err != nil {
			return err
		}
		out = next
		return s.writeActive(ctx, tx, next)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PatchLedgerRefs fills empty ledger refs on the slot or a history entry.
func (s *SQLite) PatchLedgerRefs(ctx context.Context, id, txRef, objectRef string) (*session.Session, error) {
	var out *session.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.readActive(ctx, tx)
		if err != nil {
			return err
		}
		inSlot := current != nil && current.ID == id
		if !inSlot {
			current, err = s.readHistoryEntry(ctx, tx, id)
			if err != nil {
				return err
			}
		}
		if current == nil {
			return fmt.Errorf("patch ledger refs %s: %w", id, ErrNotFound)
		}
		next := current.Clone()
		if !patchRefs(&next, txRef, objectRef) {
			out = current
			return nil
		}
		if err := session.CheckUpdate(current, &next); err != nil {
			return err
		}
		out = &next
		if inSlot {
			return s.writeActive(ctx, tx, &next)
		}
		return s.writeHistory(ctx, tx, &next)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the session with this id from the slot or history.
func (s *SQLite) Get(ctx context.Context, id string) (*session.Session, error) {
	current, err := s.readActive(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if current != nil && current.ID == id {
		return current, nil
	}
	entry, err := s.readHistoryEntry(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return entry, nil
}

// AppendHistory adds a terminal session to history.
func (s *SQLite) AppendHistory(ctx context.Context, sess *session.Session) error {
	if err := checkHistory(sess); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.writeHistory(ctx, tx, sess)
	})
}

// Settle appends sess to history and clears the slot if it holds sess.
func (s *SQLite) Settle(ctx context.Context, sess *session.Session) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.readActive(ctx, tx)
		if err != nil {
			return err
		}
		if err := checkSettle(current, sess); err != nil {
			return err
		}
		if err := s.writeHistory(ctx, tx, sess); err != nil {
			return err
		}
		if current != nil && current.ID == sess.ID {
			return s.writeActive(ctx, tx, nil)
		}
		return nil
	})
}

// History returns up to limit entries, newest first.
func (s *SQLite) History(ctx context.Context, limit int) ([]session.Session, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryHistory(ctx, `
		SELECT data FROM history WHERE owner = ?
		ORDER BY seq DESC LIMIT ?
	`, s.owner, limit)
}

// PendingSettlements returns history entries whose ledger write is owed,
// oldest first.
func (s *SQLite) PendingSettlements(ctx context.Context) ([]session.Session, error) {
	return s.queryHistory(ctx, `
		SELECT data FROM history WHERE owner = ? AND settlement = ?
		ORDER BY seq ASC
	`, s.owner, string(session.SettlementPending))
}

func (s *SQLite) queryHistory(ctx context.Context, query string, args ...any) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := []session.Session{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		sess, err := unmarshalSession([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// UpdateHistory applies fn to a history entry atomically.
func (s *SQLite) UpdateHistory(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	var out *session.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.readHistoryEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("update history %s: %w", id, ErrNotFound)
		}
		next, err := applyUpdate(current, fn)
		if err != nil {
			return err
		}
		out = next
		return s.writeHistory(ctx, tx, next)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns the owner's stats.
func (s *SQLite) Stats(ctx context.Context) (session.Stats, error) {
	return s.readStats(ctx, s.db)
}

func (s *SQLite) readStats(ctx context.Context, q queryer) (session.Stats, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM stats WHERE owner = ?`, s.owner).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Stats{Owner: s.owner}, nil
	}
	if err != nil {
		return session.Stats{}, fmt.Errorf("read stats: %w", err)
	}
	return unmarshalStats([]byte(data))
}

// UpdateStats applies fn to the owner's stats atomically.
func (s *SQLite) UpdateStats(ctx context.Context, fn func(*session.Stats) error) (session.Stats, error) {
	var out session.Stats
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		st, err := s.readStats(ctx, tx)
		if err != nil {
			return err
		}
		if err := fn(&st); err != nil {
			return err
		}
		st.Owner = s.owner
		data, err := marshalStats(&st)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stats (owner, data) VALUES (?, ?)
			ON CONFLICT(owner) DO UPDATE SET data = excluded.data
		`, s.owner, data)
		if err != nil {
			return fmt.Errorf("write stats: %w", err)
		}
		out = st
		return nil
	})
	if err != nil {
		return session.Stats{}, err
	}
	return out, nil
}
