package session

import (
	"regexp"
	"strings"
	"time"
)

// Mode is how the session is backed.
type Mode string

const (
	ModeFree   Mode = "free"
	ModeStaked Mode = "staked"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeFree || m == ModeStaked
}

// Lifecycle is the state of a session.
type Lifecycle string

const (
	Running       Lifecycle = "running"
	AwaitingProof Lifecycle = "awaiting_proof"
	Submitting    Lifecycle = "submitting"
	Completed     Lifecycle = "completed"
	Forfeited     Lifecycle = "forfeited"
)

// Terminal reports whether l is Completed or Forfeited.
func (l Lifecycle) Terminal() bool {
	return l == Completed || l == Forfeited
}

// Active reports whether l occupies the active-session slot.
func (l Lifecycle) Active() bool {
	return l == Running || l == AwaitingProof || l == Submitting
}

// Intent is the terminal decision a Submitting session is writing.
type Intent string

const (
	IntentNone     Intent = ""
	IntentComplete Intent = "complete"
	IntentForfeit  Intent = "forfeit"
)

// Settlement records how the terminal decision reached the ledger.
type Settlement string

const (
	// SettlementLocal: the session never had ledger linkage.
	SettlementLocal Settlement = "local"
	// SettlementPending: settled locally, the ledger write still owed.
	SettlementPending Settlement = "pending"
	// SettlementConfirmed: the ledger accepted the settle write.
	SettlementConfirmed Settlement = "confirmed"
)

// Forfeit reasons emitted by the presence channels and the give-up intent.
const (
	ReasonLeftTab     = "left tab too long"
	ReasonNoInput     = "no input detected"
	ReasonFailedCheck = "failed presence check"
	ReasonGaveUp      = "gave up"
)

// Session is one timed focus commitment.
type Session struct {
	ID       string `json:"id" yaml:"id"`
	Owner    string `json:"owner" yaml:"owner"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Category string `json:"category,omitempty" yaml:"category,omitempty"`

	DurationSeconds int64  `json:"duration_seconds" yaml:"duration_seconds"`
	Mode            Mode   `json:"mode" yaml:"mode"`
	StakeAmount     int64  `json:"stake_amount,omitempty" yaml:"stake_amount,omitempty"`
	Beneficiary     string `json:"beneficiary,omitempty" yaml:"beneficiary,omitempty"`

	StartedAt time.Time  `json:"started_at" yaml:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`

	Lifecycle     Lifecycle `json:"lifecycle" yaml:"lifecycle"`
	Intent        Intent    `json:"intent,omitempty" yaml:"intent,omitempty"`
	ForfeitReason string    `json:"forfeit_reason,omitempty" yaml:"forfeit_reason,omitempty"`
	ProofDigest   string    `json:"proof_digest,omitempty" yaml:"proof_digest,omitempty"`

	LedgerTxRef     string     `json:"ledger_tx_ref,omitempty" yaml:"ledger_tx_ref,omitempty"`
	LedgerObjectRef string     `json:"ledger_object_ref,omitempty" yaml:"ledger_object_ref,omitempty"`
	SettleTxRef     string     `json:"settle_tx_ref,omitempty" yaml:"settle_tx_ref,omitempty"`
	Settlement      Settlement `json:"settlement,omitempty" yaml:"settlement,omitempty"`
	ResolveAttempts int        `json:"resolve_attempts,omitempty" yaml:"resolve_attempts,omitempty"`
	LastError       string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Duration returns the committed duration.
func (s *Session) Duration() time.Duration {
	return time.Duration(s.DurationSeconds) * time.Second
}

// Deadline returns when the countdown reaches zero.
func (s *Session) Deadline() time.Time {
	return s.StartedAt.Add(s.Duration())
}

// Remaining returns the countdown left at now, never negative.
func (s *Session) Remaining(now time.Time) time.Duration {
	d := s.Deadline().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// LedgerLinked reports whether the session was recorded on the ledger.
func (s *Session) LedgerLinked() bool {
	return s.LedgerTxRef != ""
}

// NeedsResolution reports whether the ledger object id is still unknown.
func (s *Session) NeedsResolution() bool {
	return s.LedgerTxRef != "" && s.LedgerObjectRef == ""
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	return s
}

// StartConfig is the user's start request.
type StartConfig struct {
	Name            string `json:"name,omitempty" yaml:"name,omitempty"`
	Category        string `json:"category,omitempty" yaml:"category,omitempty"`
	DurationSeconds int64  `json:"duration_seconds" yaml:"duration_seconds"`
	Mode            Mode   `json:"mode" yaml:"mode"`
	StakeAmount     int64  `json:"stake_amount,omitempty" yaml:"stake_amount,omitempty"`
	Beneficiary     string `json:"beneficiary,omitempty" yaml:"beneficiary,omitempty"`
}

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{8,64}$`)

// ValidAddress reports whether addr looks like a ledger address.
func ValidAddress(addr string) bool {
	return addressPattern.MatchString(addr)
}

// Validate checks the start parameters. An empty mode means free.
func (c *StartConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = ModeFree
	}
	if !c.Mode.Valid() {
		return NewError(CodeInvalidConfig, "unknown mode %q", c.Mode)
	}
	if c.DurationSeconds <= 0 {
		return NewError(CodeInvalidConfig, "duration must be positive, got %d", c.DurationSeconds)
	}
	c.Name = strings.TrimSpace(c.Name)
	switch c.Mode {
	case ModeStaked:
		if c.StakeAmount <= 0 {
			return NewError(CodeInvalidConfig, "staked session needs a positive stake, got %d", c.StakeAmount)
		}
		if !ValidAddress(c.Beneficiary) {
			return NewError(CodeInvalidConfig, "invalid beneficiary address %q", c.Beneficiary)
		}
	case ModeFree:
		if c.StakeAmount != 0 {
			return NewError(CodeInvalidConfig, "free session cannot carry a stake")
		}
	}
	return nil
}
