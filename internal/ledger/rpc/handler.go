package rpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/stakehold/internal/ledger"
	"github.com/roach88/stakehold/internal/session"
)

// maxBodyBytes bounds a request body.
const maxBodyBytes = 1 << 20

// NewHandler serves l at POST /rpc and GET /health.
func NewHandler(l ledger.Ledger, logger *slog.Logger) http.Handler {
	h := &handler{ledger: l, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Post("/rpc", h.serveRPC)
	return r
}

type handler struct {
	ledger ledger.Ledger
	logger *slog.Logger
}

func (h *handler) serveRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeResponse(w, Response{JSONRPC: "2.0", Error: &RPCError{Code: CodeParseError, Message: "parse error: " + err.Error()}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeResponse(w, Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: CodeInvalidRequest, Message: "invalid request"}})
		return
	}

	result, rpcErr := h.dispatch(r, &req)
	resp := Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	if rpcErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			resp.Error = &RPCError{Code: CodeInternal, Message: err.Error()}
		} else {
			resp.Result = data
		}
	}
	h.logger.Debug("rpc", "method", req.Method, "id", req.ID, "error", rpcErr != nil)
	writeResponse(w, resp)
}

func (h *handler) dispatch(r *http.Request, req *Request) (any, *RPCError) {
	ctx := r.Context()
	switch req.Method {
	case MethodSubmitCommit:
		var p ledger.Commit
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, invalidParams(err)
		}
		tx, err := h.ledger.SubmitCommit(ctx, p)
		if err != nil {
			return nil, toRPCError(err)
		}
		return txResult{TxRef: tx}, nil

	case MethodSubmitSettle:
		var p ledger.Settle
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, invalidParams(err)
		}
		tx, err := h.ledger.SubmitSettle(ctx, p)
		if err != nil {
			return nil, toRPCError(err)
		}
		return txResult{TxRef: tx}, nil

	case MethodFindObjects:
		var p findParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, invalidParams(err)
		}
		refs, err := h.ledger.FindObjectsByOwnerAndLabel(ctx, p.Owner, p.Label)
		if err != nil {
			return nil, toRPCError(err)
		}
		return findResult{ObjectRefs: refs}, nil
	}
	return nil, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
}

func invalidParams(err error) *RPCError {
	return &RPCError{Code: CodeInvalidParams, Message: "invalid params: " + err.Error()}
}

func toRPCError(err error) *RPCError {
	var se *session.Error
	if errors.As(err, &se) && se.Code == session.CodeRejectedByLedger {
		return &RPCError{Code: CodeRejected, Message: se.Message}
	}
	return &RPCError{Code: CodeUnavailable, Message: err.Error()}
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
