package ledger

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Outcome is the decision a settle write records.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeForfeit  Outcome = "forfeit"
)

// Commit is the stake/commit write made when a staked session starts.
type Commit struct {
	SessionID       string `json:"session_id"`
	Owner           string `json:"owner"`
	DurationSeconds int64  `json:"duration_seconds"`
	StakeAmount     int64  `json:"stake_amount"`
	Beneficiary     string `json:"beneficiary"`
}

// Settle is the terminal write for a committed session.
type Settle struct {
	ObjectRef   string  `json:"object_ref"`
	Outcome     Outcome `json:"outcome"`
	ProofDigest string  `json:"proof_digest,omitempty"`
}

// Ledger is the external ledger service.
//
// Implementations return a *session.Error with CodeRejectedByLedger for
// writes the ledger refuses. Any other error is treated as transient.
type Ledger interface {
	// SubmitCommit records a commitment and returns its transaction ref.
	// The session object is indexed some time later.
	SubmitCommit(ctx context.Context, c Commit) (string, error)

	// SubmitSettle records the outcome for an indexed object.
	SubmitSettle(ctx context.Context, s Settle) (string, error)

	// FindObjectsByOwnerAndLabel lists indexed objects owned by owner whose
	// label matches. The label of a session object is the session id.
	FindObjectsByOwnerAndLabel(ctx context.Context, owner, label string) ([]string, error)
}

// DefaultExplorerBase is the public explorer used for links.
const DefaultExplorerBase = "https://explorer.iota.cafe"

// ExplorerURL formats a link to a transaction on the explorer.
func ExplorerURL(base, txRef, network string) string {
	if base == "" {
		base = DefaultExplorerBase
	}
	u := fmt.Sprintf("%s/txblock/%s", strings.TrimRight(base, "/"), url.PathEscape(txRef))
	if network != "" {
		u += "?network=" + url.QueryEscape(network)
	}
	return u
}

// ShortRef abbreviates a ref for display: first 6 and last 4 characters.
func ShortRef(ref string) string {
	if len(ref) <= 12 {
		return ref
	}
	return ref[:6] + "..." + ref[len(ref)-4:]
}
