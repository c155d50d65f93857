package api

import (
	"net/http"
	"strconv"

	"github.com/roach88/stakehold/internal/engine"
	"github.com/roach88/stakehold/internal/ledger"
	"github.com/roach88/stakehold/internal/session"
	"github.com/roach88/stakehold/internal/store"
)

// Explorer builds links to ledger transactions.
type Explorer struct {
	Base    string
	Network string
}

// URL returns the explorer link for txRef, or "" without a ref.
func (e Explorer) URL(txRef string) string {
	if txRef == "" {
		return ""
	}
	return ledger.ExplorerURL(e.Base, txRef, e.Network)
}

// HistoryEntry is one finished session with its explorer links.
type HistoryEntry struct {
	session.Session
	CommitURL string `json:"commit_url,omitempty"`
	SettleURL string `json:"settle_url,omitempty"`
}

// Entry links s to the explorer.
func (e Explorer) Entry(s session.Session) HistoryEntry {
	return HistoryEntry{
		Session:   s,
		CommitURL: e.URL(s.LedgerTxRef),
		SettleURL: e.URL(s.SettleTxRef),
	}
}

// HistoryResponse is the body of GET /history.
type HistoryResponse struct {
	Sessions []HistoryEntry `json:"sessions"`
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	session.Stats
	FreeRemaining int `json:"free_remaining"`
}

// HistoryHandler serves the read paths.
type HistoryHandler struct {
	eng      *engine.Engine
	explorer Explorer
}

func NewHistoryHandler(eng *engine.Engine, explorer Explorer) *HistoryHandler {
	return &HistoryHandler{eng: eng, explorer: explorer}
}

// List handles GET /history?limit=N
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := store.DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	sessions, err := h.eng.Store().History(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}
	resp := HistoryResponse{Sessions: make([]HistoryEntry, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, h.explorer.Entry(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stats handles GET /stats
func (h *HistoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, left, err := h.eng.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{Stats: st, FreeRemaining: left})
}
