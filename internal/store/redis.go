package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/stakehold/internal/session"
)

// maxTxRetries bounds optimistic transaction retries on WATCH conflicts.
const maxTxRetries = 16

// Redis is the Redis-backed Store.
//
// Keys, per owner:
//
//	<prefix>:<owner>:active   string, JSON session
//	<prefix>:<owner>:history  list, JSON sessions, newest at index 0
//	<prefix>:<owner>:stats    string, JSON stats
type Redis struct {
	client *redis.Client
	owner  string
	opts   options
}

var _ Store = (*Redis)(nil)

// NewRedis creates a Redis store for owner.
func NewRedis(client *redis.Client, owner string, opts ...Option) (*Redis, error) {
	if owner == "" {
		return nil, errors.New("open store: owner is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{client: client, owner: owner, opts: o}, nil
}

// Owner returns the owner the store is keyed by.
func (r *Redis) Owner() string {
	return r.owner
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(name string) string {
	return fmt.Sprintf("%s:%s:%s", r.opts.keyPrefix, r.owner, name)
}

// watch runs fn in an optimistic transaction over the owner's keys,
// retrying on conflict.
func (r *Redis) watch(ctx context.Context, fn func(tx *redis.Tx) error) error {
	keys := []string{r.key("active"), r.key("history"), r.key("stats")}
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction: too many conflicts")
}

// reader is satisfied by *redis.Client and *redis.Tx.
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

func (r *Redis) readActive(ctx context.Context, c reader) (*session.Session, error) {
	data, err := c.Get(ctx, r.key("active")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read active: %w", err)
	}
	return unmarshalSession(data)
}

func (r *Redis) readHistory(ctx context.Context, c reader) ([]session.Session, error) {
	items, err := c.LRange(ctx, r.key("history"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]session.Session, 0, len(items))
	for _, item := range items {
		s, err := unmarshalSession([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func indexOf(entries []session.Session, id string) int {
	for i := range entries {
		if entries[i].ID == id {
			return i
		}
	}
	return -1
}

// queueActive stages a slot write. nil clears the slot.
func (r *Redis) queueActive(ctx context.Context, pipe redis.Pipeliner, s *session.Session) error {
	if s == nil {
		pipe.Del(ctx, r.key("active"))
		return nil
	}
	data, err := marshalSession(s)
	if err != nil {
		return err
	}
	pipe.Set(ctx, r.key("active"), data, 0)
	return nil
}

// queueHistory stages a history upsert of s over entries, the list as read
// in the same transaction. An existing entry is replaced in place; a new
// one is pushed and the list trimmed to the limit, keeping entries with an
// owed settlement.
func (r *Redis) queueHistory(ctx context.Context, pipe redis.Pipeliner, entries []session.Session, s *session.Session) error {
	data, err := marshalSession(s)
	if err != nil {
		return err
	}
	key := r.key("history")
	if idx := indexOf(entries, s.ID); idx >= 0 {
		pipe.LSet(ctx, key, int64(idx), data)
		return nil
	}

	limit := r.opts.historyLimit
	kept := retain(append([]session.Session{*s}, entries...), limit)
	if len(kept) <= limit {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(limit-1))
		return nil
	}
	items := make([]any, 0, len(kept))
	for i := range kept {
		item, err := marshalSession(&kept[i])
		if err != nil {
			return err
		}
		items = append(items, item)
	}
	pipe.Del(ctx, key)
	pipe.RPush(ctx, key, items...)
	return nil
}

// GetActive returns the active slot, or nil when empty.
func (r *Redis) GetActive(ctx context.Context) (*session.Session, error) {
	return r.readActive(ctx, r.client)
}

// CreateActive places a new Running session in the slot.
func (r *Redis) CreateActive(ctx context.Context, s *session.Session) error {
	return r.watch(ctx, func(tx *redis.Tx) error {
		current, err := r.readActive(ctx, tx)
		if err != nil {
			return err
		}
		if err := checkCreate(current, s); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.queueActive(ctx, pipe, s)
		})
		return err
	})
}

// PutActive replaces or clears the slot.
func (r *Redis) PutActive(ctx context.Context, s *session.Session) error {
	return r.watch(ctx, func(tx *redis.Tx) error {
		current, err := r.readActive(ctx, tx)
		if err != nil {
			return err
		}
		if err := checkPut(current, s); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.queueActive(ctx, pipe, s)
		})
		return err
	})
}

// UpdateActive applies fn to the active session atomically.
func (r *Redis) UpdateActive(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	var out *session.Session
	err := r.watch(ctx, func(tx *redis.Tx) error {
		current, err := r.readActive(ctx, tx)
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
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.queueActive(ctx, pipe, next)
		})
		out = next
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PatchLedgerRefs fills empty ledger refs on the slot or a history entry.
func (r *Redis) PatchLedgerRefs(ctx context.Context, id, txRef, objectRef string) (*session.Session, error) {
	var out *session.Session
	err := r.watch(ctx, func(tx *redis.Tx) error {
		current, err := r.readActive(ctx, tx)
		if err != nil {
			return err
		}
		var entries []session.Session
		inHistory := current == nil || current.ID != id
		if inHistory {
			entries, err = r.readHistory(ctx, tx)
			if err != nil {
				return err
			}
			idx := indexOf(entries, id)
			if idx < 0 {
				return fmt.Errorf("patch ledger refs %s: %w", id, ErrNotFound)
			}
			current = &entries[idx]
		}
		next := current.Clone()
		if !patchRefs(&next, txRef, objectRef) {
			out = current
			return nil
		}
		if err := session.CheckUpdate(current, &next); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if !inHistory {
				return r.queueActive(ctx, pipe, &next)
			}
			return r.queueHistory(ctx, pipe, entries, &next)
		})
		out = &next
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the session with this id from the slot or history.
func (r *Redis) Get(ctx context.Context, id string) (*session.Session, error) {
	current, err := r.readActive(ctx, r.client)
	if err != nil {
		return nil, err
	}
	if current != nil && current.ID == id {
		return current, nil
	}
	entries, err := r.readHistory(ctx, r.client)
	if err != nil {
		return nil, err
	}
	if idx := indexOf(entries, id); idx >= 0 {
		return &entries[idx], nil
	}
	return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
}

// AppendHistory adds a terminal session to history.
func (r *Redis) AppendHistory(ctx context.Context, s *session.Session) error {
	if err := checkHistory(s); err != nil {
		return err
	}
	return r.watch(ctx, func(tx *redis.Tx) error {
		entries, err := r.readHistory(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.queueHistory(ctx, pipe, entries, s)
		})
		return err
	})
}

// Settle appends s to history and clears the slot if it holds s.
func (r *Redis) Settle(ctx context.Context, s *session.Session) error {
	return r.watch(ctx, func(tx *redis.Tx) error {
		current, err := r.readActive(ctx, tx)
		if err != nil {
			return err
		}
		if err := checkSettle(current, s); err != nil {
			return err
		}
		entries, err := r.readHistory(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := r.queueHistory(ctx, pipe, entries, s); err != nil {
				return err
			}
			if current != nil && current.ID == s.ID {
				return r.queueActive(ctx, pipe, nil)
			}
			return nil
		})
		return err
	})
}

// History returns up to limit entries, newest first.
func (r *Redis) History(ctx context.Context, limit int) ([]session.Session, error) {
	entries, err := r.readHistory(ctx, r.client)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// PendingSettlements returns history entries whose ledger write is owed,
// oldest first.
func (r *Redis) PendingSettlements(ctx context.Context) ([]session.Session, error) {
	entries, err := r.readHistory(ctx, r.client)
	if err != nil {
		return nil, err
	}
	out := []session.Session{}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Settlement == session.SettlementPending {
			out = append(out, entries[i])
		}
	}
	return out, nil
}

// UpdateHistory applies fn to a history entry atomically.
func (r *Redis) UpdateHistory(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	var out *session.Session
	err := r.watch(ctx, func(tx *redis.Tx) error {
		entries, err := r.readHistory(ctx, tx)
		if err != nil {
			return err
		}
		idx := indexOf(entries, id)
		if idx < 0 {
			return fmt.Errorf("update history %s: %w", id, ErrNotFound)
		}
		next, err := applyUpdate(&entries[idx], fn)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.queueHistory(ctx, pipe, entries, next)
		})
		out = next
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Redis) readStats(ctx context.Context, c reader) (session.Stats, error) {
	data, err := c.Get(ctx, r.key("stats")).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Stats{Owner: r.owner}, nil
	}
	if err != nil {
		return session.Stats{}, fmt.Errorf("read stats: %w", err)
	}
	return unmarshalStats(data)
}

// Stats returns the owner's stats.
func (r *Redis) Stats(ctx context.Context) (session.Stats, error) {
	return r.readStats(ctx, r.client)
}

// UpdateStats applies fn to the owner's stats atomically.
func (r *Redis) UpdateStats(ctx context.Context, fn func(*session.Stats) error) (session.Stats, error) {
	var out session.Stats
	err := r.watch(ctx, func(tx *redis.Tx) error {
		st, err := r.readStats(ctx, tx)
		if err != nil {
			return err
		}
		if err := fn(&st); err != nil {
			return err
		}
		st.Owner = r.owner
		data, err := marshalStats(&st)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.key("stats"), data, 0)
			return nil
		})
		out = st
		return err
	})
	if err != nil {
		return session.Stats{}, err
	}
	return out, nil
}
