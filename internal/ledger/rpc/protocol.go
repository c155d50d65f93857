// Package rpc exposes a ledger.Ledger over JSON-RPC 2.0 on HTTP and
// provides the matching client.
//
// Methods:
//
//	ledger_submitCommit  params: ledger.Commit        result: {"tx_ref"}
//	ledger_submitSettle  params: ledger.Settle        result: {"tx_ref"}
//	ledger_findObjects   params: {"owner","label"}    result: {"object_refs"}
//
// A write the ledger refuses is reported with CodeRejected; the client
// turns it back into a session.ErrRejectedByLedger.
package rpc

import "encoding/json"

const (
	MethodSubmitCommit = "ledger_submitCommit"
	MethodSubmitSettle = "ledger_submitSettle"
	MethodFindObjects  = "ledger_findObjects"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	// CodeRejected: the ledger refused the write.
	CodeRejected = -32001
	// CodeUnavailable: a transient ledger-side failure.
	CodeUnavailable = -32002
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

type txResult struct {
	TxRef string `json:"tx_ref"`
}

type findParams struct {
	Owner string `json:"owner"`
	Label string `json:"label"`
}

type findResult struct {
	ObjectRefs []string `json:"object_refs"`
}
