// Package ledger translates session decisions into writes on an external
// append-only ledger and resolves the ledger's asynchronously assigned
// object identifiers.
//
// The ledger confirms a commit write with a transaction reference before
// the object representing the session is indexed. Reconciler closes that
// gap: it schedules a resolution attempt after a grace delay, retries on a
// bounded backoff schedule, heals unresolved sessions on startup and
// resolves again right before a settle write needs the object.
//
// Resolution is read-only on the ledger and idempotent: the object ref is
// written through store.PatchLedgerRefs, which never overwrites a set value.
package ledger
