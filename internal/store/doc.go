// Package store provides durable storage for the active session slot, the
// session history and per-owner stats.
//
// Every backend is keyed by owner and holds:
//   - Active: at most one session record per owner
//   - History: terminal sessions, newest first, capped at a retention count
//   - Stats: the owner's free quota, streak and score
//
// # Invariants
//
// Writes to the active slot and to history go through session.CheckUpdate,
// so lifecycle rules hold regardless of the caller. CreateActive refuses to
// replace a non-terminal session. PatchLedgerRefs only fills empty ledger
// fields; it never touches lifecycle.
//
// # Backends
//
//   - SQLite (OpenSQLite): WAL mode, single connection, embedded schema with
//     user_version migrations, a transaction per read-modify-write
//   - Redis (NewRedis): JSON records, WATCH/MULTI optimistic transactions,
//     history as a list trimmed with LTRIM
package store
