package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/roach88/stakehold/internal/session"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// NoopResponse answers a signal that arrived after the session was decided.
type NoopResponse struct {
	Noop   bool   `json:"noop"`
	Reason string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// decodeJSON decodes the request body into v. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// statusFor maps a session error code to an HTTP status.
func statusFor(code session.Code) int {
	switch code {
	case session.CodeInvalidConfig, session.CodeEmptyProof:
		return http.StatusBadRequest
	case session.CodeSessionActive, session.CodeInvalidTransition:
		return http.StatusConflict
	case session.CodeNoActiveSession:
		return http.StatusNotFound
	case session.CodeRejectedByLedger:
		return http.StatusUnprocessableEntity
	case session.CodeUnresolvedLedgerObject, session.CodeLedgerWriteFailed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeEngineError answers an engine error. AlreadyTerminal is a no-op,
// reported with 200.
func writeEngineError(w http.ResponseWriter, err error) {
	if session.IsNoop(err) {
		writeJSON(w, http.StatusOK, NoopResponse{Noop: true, Reason: err.Error()})
		return
	}
	code := session.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeError(w, status, string(code), err.Error())
}
