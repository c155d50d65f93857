// Package session defines the accountability session: its data model,
// lifecycle graph, invariants and error taxonomy.
//
// A Session is created Running, may reach AwaitingProof when its countdown
// expires, enters Submitting while a terminal decision is written to the
// ledger, and ends Completed or Forfeited. CheckUpdate is the single place
// the invariants are enforced; every store backend calls it on each write.
package session
