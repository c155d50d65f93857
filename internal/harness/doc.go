// Package harness runs scripted session scenarios against the engine.
//
// A scenario drives a real engine, store and reconciler on a fake clock
// against the simulated ledger, so every run is deterministic and its
// trace can be pinned in a golden file.
//
// # Scenario Format
//
//	name: staked_complete
//	description: "A staked session completes and settles on the ledger"
//	store: sqlite            # or redis (in-process miniredis)
//	engine:                  # overrides of the engine defaults
//	  presence:
//	    checkpoint_min: 100s
//	ledger:
//	  min_stake: 1
//	  index_delay: 0s
//	flow:
//	  - do: start
//	    args: { duration_seconds: 300, mode: staked, stake_amount: 5, beneficiary: "0xc4a41700" }
//	    expect: { outcome: ok, lifecycle: running }
//	  - do: present
//	    args: { for: 300s }
//	  - do: proof
//	    args: { text: "chapter drafted" }
//	    expect: { outcome: ok, lifecycle: completed }
//	assertions:
//	  - type: trace_contains
//	    kind: completed
//	  - type: final_state
//	    table: history
//	    expect: { settlement: confirmed }
//
// # Trace
//
// Each step adds an invoke event and a result event; notifications the
// engine emits in between are interleaved in order. Result outcomes are
// "ok", "noop" (the signal arrived after the decision) or an error code.
//
// # Assertion Types
//
//   - trace_contains: an event of a kind (step or notification) with
//     matching fields
//   - trace_order: kinds first appear in the given order
//   - trace_count: a kind occurs exactly N times
//   - final_state: a row of active, history, stats or ledger matches
//
// # Golden Traces
//
// RunWithGolden compares the canonical JSON of the trace with
// testdata/golden/{name}.golden; go test -update rewrites them.
package harness
