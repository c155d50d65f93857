package api

import (
	"net/http"

	"github.com/roach88/stakehold/internal/engine"
	"github.com/roach88/stakehold/internal/session"
)

// SessionHandler serves the active-session intents.
type SessionHandler struct {
	eng *engine.Engine
}

func NewSessionHandler(eng *engine.Engine) *SessionHandler {
	return &SessionHandler{eng: eng}
}

// ProofRequest is the body of POST /session/proof.
type ProofRequest struct {
	Text string `json:"text"`
}

// HiddenRequest is the body of POST /session/presence/hidden.
type HiddenRequest struct {
	Hidden bool `json:"hidden"`
}

// Get handles GET /session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Snapshot())
}

// Start handles POST /session/start
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req session.StartConfig
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(session.CodeInvalidConfig), "invalid request body: "+err.Error())
		return
	}
	if _, err := h.eng.Start(r.Context(), req); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.eng.Snapshot())
}

// Proof handles POST /session/proof
func (h *SessionHandler) Proof(w http.ResponseWriter, r *http.Request) {
	var req ProofRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(session.CodeEmptyProof), "invalid request body: "+err.Error())
		return
	}
	h.respond(w, h.eng.SubmitProof(r.Context(), req.Text))
}

// GiveUp handles POST /session/giveup
func (h *SessionHandler) GiveUp(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.eng.GiveUp(r.Context()))
}

// Retry handles POST /session/retry
func (h *SessionHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.eng.RetrySettlement(r.Context()))
}

// Acknowledge handles POST /session/checkpoint/ack
func (h *SessionHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.eng.AcknowledgeCheckpoint())
}

// Hidden handles POST /session/presence/hidden
func (h *SessionHandler) Hidden(w http.ResponseWriter, r *http.Request) {
	var req HiddenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid request body: "+err.Error())
		return
	}
	h.respond(w, h.eng.SetHidden(req.Hidden))
}

// Input handles POST /session/presence/input
func (h *SessionHandler) Input(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.eng.RecordInput())
}

// respond writes the projection after a successful intent.
func (h *SessionHandler) respond(w http.ResponseWriter, err error) {
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.eng.Snapshot())
}
