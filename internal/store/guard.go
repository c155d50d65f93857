package store

import (
	"github.com/roach88/stakehold/internal/session"
)

// checkCreate validates placing s into a slot currently holding current.
func checkCreate(current, s *session.Session) error {
	if current != nil && current.Lifecycle.Active() {
		return &session.Error{
			Code:      session.CodeSessionActive,
			Message:   "active slot is occupied",
			SessionID: current.ID,
		}
	}
	if s.Lifecycle != session.Running {
		return session.WrapError(session.CodeInvalidTransition, s.ID, nil, "new session must be running, got %s", s.Lifecycle)
	}
	return session.CheckShape(s)
}

// checkPut validates replacing current with next in the slot.
func checkPut(current, next *session.Session) error {
	if next == nil {
		return nil
	}
	if current == nil || current.ID != next.ID {
		return checkCreate(current, next)
	}
	return session.CheckUpdate(current, next)
}

// checkSettle validates moving s out of a slot currently holding current.
func checkSettle(current, s *session.Session) error {
	if !s.Lifecycle.Terminal() {
		return session.WrapError(session.CodeInvalidTransition, s.ID, nil, "cannot settle %s session", s.Lifecycle)
	}
	if current != nil && current.ID == s.ID {
		return session.CheckUpdate(current, s)
	}
	return session.CheckShape(s)
}

// checkHistory validates a history entry.
func checkHistory(s *session.Session) error {
	if !s.Lifecycle.Terminal() {
		return session.WrapError(session.CodeInvalidTransition, s.ID, nil, "history entry must be terminal, got %s", s.Lifecycle)
	}
	return session.CheckShape(s)
}

// applyUpdate runs fn on a copy of current and validates the result.
func applyUpdate(current *session.Session, fn func(*session.Session) error) (*session.Session, error) {
	next := current.Clone()
	if err := fn(&next); err != nil {
		return nil, err
	}
	if err := session.CheckUpdate(current, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// patchRefs fills empty ledger refs. Returns false when nothing changed.
func patchRefs(s *session.Session, txRef, objectRef string) bool {
	changed := false
	if txRef != "" && s.LedgerTxRef == "" {
		s.LedgerTxRef = txRef
		changed = true
	}
	if objectRef != "" && s.LedgerObjectRef == "" {
		s.LedgerObjectRef = objectRef
		changed = true
	}
	return changed
}

// retain applies the history limit to entries, newest first: the first
// limit entries stay, and so does any older entry whose settlement is owed.
func retain(entries []session.Session, limit int) []session.Session {
	if len(entries) <= limit {
		return entries
	}
	out := entries[:limit:limit]
	for _, s := range entries[limit:] {
		if s.Settlement == session.SettlementPending {
			out = append(out, s)
		}
	}
	return out
}
