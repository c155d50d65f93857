package api

import (
	"net/http"

	"github.com/roach88/stakehold/internal/engine"
)

// LedgerHandler exposes reconciler maintenance.
type LedgerHandler struct {
	eng *engine.Engine
}

func NewLedgerHandler(eng *engine.Engine) *LedgerHandler {
	return &LedgerHandler{eng: eng}
}

// Heal handles POST /ledger/heal
func (h *LedgerHandler) Heal(w http.ResponseWriter, r *http.Request) {
	report, err := h.eng.Reconciler().Heal(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
