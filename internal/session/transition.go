package session

// allowed lists the lifecycle edges. Terminal states have none.
var allowed = map[Lifecycle][]Lifecycle{
	Running:       {AwaitingProof, Submitting, Forfeited},
	AwaitingProof: {Submitting, Completed},
	Submitting:    {Completed, Forfeited},
}

// CanTransition reports whether from → to is an edge of the lifecycle graph.
// Staying in the same state is always allowed.
func CanTransition(from, to Lifecycle) bool {
	if from == to {
		return true
	}
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckUpdate validates a write that replaces before with after.
//
// Invariants:
//   - the id never changes
//   - lifecycle moves only along the graph
//   - EndedAt is set iff the lifecycle is terminal, and never changes once set
//   - LedgerTxRef is never cleared or changed once set
//   - LedgerObjectRef is never overwritten with a different value
//   - a Submitting session always carries an intent
func CheckUpdate(before, after *Session) error {
	if before.ID != after.ID {
		return WrapError(CodeInvalidTransition, before.ID, nil, "session id changed to %q", after.ID)
	}
	if !CanTransition(before.Lifecycle, after.Lifecycle) {
		return WrapError(CodeInvalidTransition, before.ID, nil, "%s -> %s", before.Lifecycle, after.Lifecycle)
	}
	if before.EndedAt != nil && (after.EndedAt == nil || !after.EndedAt.Equal(*before.EndedAt)) {
		return WrapError(CodeInvalidTransition, before.ID, nil, "ended_at cannot change once set")
	}
	if before.LedgerTxRef != "" && after.LedgerTxRef != before.LedgerTxRef {
		return WrapError(CodeInvalidTransition, before.ID, nil, "ledger_tx_ref cannot change once set")
	}
	if before.LedgerObjectRef != "" && after.LedgerObjectRef != before.LedgerObjectRef {
		return WrapError(CodeInvalidTransition, before.ID, nil, "ledger_object_ref cannot change once set")
	}
	return CheckShape(after)
}

// CheckShape validates invariants that hold for any single snapshot.
func CheckShape(s *Session) error {
	if s.ID == "" {
		return NewError(CodeInvalidTransition, "session id is empty")
	}
	if s.Lifecycle.Terminal() != (s.EndedAt != nil) {
		return WrapError(CodeInvalidTransition, s.ID, nil, "ended_at must be set iff terminal (lifecycle=%s)", s.Lifecycle)
	}
	if s.Lifecycle == Submitting && s.Intent == IntentNone {
		return WrapError(CodeInvalidTransition, s.ID, nil, "submitting without an intent")
	}
	if s.Lifecycle == Completed && s.ProofDigest == "" {
		return WrapError(CodeInvalidTransition, s.ID, nil, "completed without a proof digest")
	}
	return nil
}
