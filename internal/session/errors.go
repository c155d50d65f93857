package session

import (
	"errors"
	"fmt"
)

// Code categorises session errors.
type Code string

const (
	// CodeInvalidConfig: bad start parameters. Local, never retried.
	CodeInvalidConfig Code = "INVALID_CONFIG"

	// CodeEmptyProof: proof text was empty.
	CodeEmptyProof Code = "EMPTY_PROOF"

	// CodeAlreadyTerminal: the signal arrived after the decision was made.
	// It is a no-op, not a failure of the caller's action.
	CodeAlreadyTerminal Code = "ALREADY_TERMINAL"

	// CodeRejectedByLedger: the ledger refused the write (e.g. zero stake).
	CodeRejectedByLedger Code = "REJECTED_BY_LEDGER"

	// CodeUnresolvedLedgerObject: the ledger has not indexed the session's
	// object yet. Transient and retryable.
	CodeUnresolvedLedgerObject Code = "UNRESOLVED_LEDGER_OBJECT"

	// CodeLedgerWriteFailed: transport or signing failure. Transient.
	CodeLedgerWriteFailed Code = "LEDGER_WRITE_FAILED"

	// CodeSessionActive: a non-terminal session already occupies the slot.
	CodeSessionActive Code = "SESSION_ACTIVE"

	// CodeNoActiveSession: the intent needs an active session.
	CodeNoActiveSession Code = "NO_ACTIVE_SESSION"

	// CodeInvalidTransition: the write would break a lifecycle invariant.
	CodeInvalidTransition Code = "INVALID_TRANSITION"
)

// Error is the error type returned across the engine, reconciler and store.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// SessionID identifies the affected session, if any.
	SessionID string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.SessionID != "" {
		msg = fmt.Sprintf("%s (session=%s)", msg, e.SessionID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so the sentinels below work
// with errors.Is regardless of message or session. A start refused because
// the slot is taken is also an invalid start config.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Code == CodeInvalidConfig && e.Code == CodeSessionActive {
		return true
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInvalidConfig          = &Error{Code: CodeInvalidConfig, Message: "invalid config"}
	ErrEmptyProof             = &Error{Code: CodeEmptyProof, Message: "proof text is empty"}
	ErrAlreadyTerminal        = &Error{Code: CodeAlreadyTerminal, Message: "session already decided"}
	ErrRejectedByLedger       = &Error{Code: CodeRejectedByLedger, Message: "rejected by ledger"}
	ErrUnresolvedLedgerObject = &Error{Code: CodeUnresolvedLedgerObject, Message: "ledger object not resolved"}
	ErrLedgerWriteFailed      = &Error{Code: CodeLedgerWriteFailed, Message: "ledger write failed"}
	ErrSessionActive          = &Error{Code: CodeSessionActive, Message: "a session is already active"}
	ErrNoActiveSession        = &Error{Code: CodeNoActiveSession, Message: "no active session"}
	ErrInvalidTransition      = &Error{Code: CodeInvalidTransition, Message: "invalid transition"}
)

// NewError creates an Error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error around cause.
func WrapError(code Code, sessionID string, cause error, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		SessionID: sessionID,
		Err:       cause,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNoop returns true if err reports a signal that arrived too late to
// matter. Callers should treat it as success.
func IsNoop(err error) bool {
	return CodeOf(err) == CodeAlreadyTerminal
}

// IsRetryable returns true for transient ledger failures that leave the
// local session intact.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeUnresolvedLedgerObject, CodeLedgerWriteFailed:
		return true
	}
	return false
}

// IsValidation returns true for errors caused by the caller's input.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidConfig, CodeEmptyProof:
		return true
	}
	return false
}
