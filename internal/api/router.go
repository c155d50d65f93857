// Package api is the local HTTP surface over the session engine.
//
// Intents are POSTs under /session; each answers with the engine's
// projection after the intent applied. Engine errors map to statuses by
// code, and a signal for an already-decided session answers 200 with
// {"noop": true}.
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/stakehold/internal/engine"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// Token guards every route but /health. Empty disables auth.
	Token    string
	Explorer Explorer
	Logger   *slog.Logger
}

// NewRouter builds the chi router over eng.
func NewRouter(eng *engine.Engine, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sessionH := NewSessionHandler(eng)
	historyH := NewHistoryHandler(eng, opts.Explorer)
	ledgerH := NewLedgerHandler(eng)
	healthH := NewHealthHandler(eng)

	r := chi.NewRouter()
	r.Use(CORS)
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	r.Get("/health", healthH.Health)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(opts.Token))

		r.Route("/session", func(r chi.Router) {
			r.Get("/", sessionH.Get)
			r.Post("/start", sessionH.Start)
			r.Post("/proof", sessionH.Proof)
			r.Post("/giveup", sessionH.GiveUp)
			r.Post("/retry", sessionH.Retry)
			r.Post("/checkpoint/ack", sessionH.Acknowledge)
			r.Post("/presence/hidden", sessionH.Hidden)
			r.Post("/presence/input", sessionH.Input)
		})

		r.Get("/history", historyH.List)
		r.Get("/stats", historyH.Stats)
		r.Post("/ledger/heal", ledgerH.Heal)
	})

	return r
}
