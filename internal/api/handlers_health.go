package api

import (
	"net/http"

	"github.com/roach88/stakehold/internal/engine"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Owner  string `json:"owner"`
	Error  string `json:"error,omitempty"`
}

type HealthHandler struct {
	eng *engine.Engine
}

func NewHealthHandler(eng *engine.Engine) *HealthHandler {
	return &HealthHandler{eng: eng}
}

// Health handles GET /health. The store must answer a read.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Owner: h.eng.Owner()}
	if _, err := h.eng.Store().GetActive(r.Context()); err != nil {
		resp.Status = "unavailable"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
