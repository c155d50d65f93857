// Package engine implements the stakehold session state machine.
//
// The engine owns the single active session of one owner. It arms the
// countdown and the presence monitor, accepts user intents, decides
// completion or forfeiture, and hands those decisions to the ledger
// reconciler.
//
// ARCHITECTURE:
//
// Single Arbitration Point:
// Every state change goes through Engine.apply, which runs under the engine
// mutex. Timer callbacks, presence signals, HTTP handlers and ledger results
// are all turned into tagged events and funnelled through apply. This gives:
//   - First-wins exclusivity: the first terminal-causing event moves the
//     session to Submitting or a terminal state; later ones see
//     ErrAlreadyTerminal
//   - No stale timers: every timer event carries the session id and the
//     timer generation it was armed under, and apply drops mismatches
//   - Store writes in decision order
//
// Event Flow:
//  1. An intent or timer produces an event
//  2. apply validates it against the current lifecycle and writes the store
//  3. If the decision needs the ledger, apply returns a settlement leg
//  4. The leg runs outside the mutex (reconciler I/O may be slow)
//  5. Its result comes back as evSettled or evSettleFailed through apply
//
// Ledger Failure:
// A completion write failure leaves the session in Submitting with
// LastError set; RetrySettlement re-drives it. A forfeit write failure
// settles the session locally as Forfeited with Settlement=pending; the
// reconciler's Heal retries the write later.
//
// Projection:
// Snapshot returns the session, the countdown left, the presence warning
// flags and the ledger status. Subscribers receive a projection on every
// tick and after every transition.
package engine
