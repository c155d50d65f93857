package presence

import "time"

// Channel names the presence channel a signal came from.
type Channel string

const (
	ChannelVisibility Channel = "visibility"
	ChannelIdle       Channel = "idle"
	ChannelCheckpoint Channel = "checkpoint"
)

// Kind is what a signal asks of the receiver.
type Kind string

const (
	// KindWarning is advisory; no state change.
	KindWarning Kind = "warning"
	// KindChallenge asks the user to acknowledge before Deadline.
	KindChallenge Kind = "challenge"
	// KindForfeit decides the session.
	KindForfeit Kind = "forfeit"
)

// User-facing texts.
const (
	MessageLeftTab    = "Come back to your task or your stake will be donated!"
	MessageIdle       = "No activity detected. Move or type to show you are still here."
	MessageCheckpoint = "Presence check: confirm you are still working."
)

// Signal is one event emitted by the Monitor.
type Signal struct {
	Kind    Kind      `json:"kind"`
	Channel Channel   `json:"channel"`
	Reason  string    `json:"reason,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`

	// Deadline is set on challenges.
	Deadline time.Time `json:"deadline,omitzero"`
}

// Sink receives signals. It is called without the Monitor's lock held and
// may call back into the Monitor.
type Sink interface {
	Signal(Signal)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Signal)

// Signal calls f(s).
func (f SinkFunc) Signal(s Signal) {
	f(s)
}

// Flags is the read-only warning projection.
type Flags struct {
	Hidden            bool          `json:"hidden"`
	HiddenFor         time.Duration `json:"hidden_for"`
	VisibilityWarning bool          `json:"visibility_warning"`
	IdleFor           time.Duration `json:"idle_for"`
	IdleWarning       bool          `json:"idle_warning"`
	ChallengePending  bool          `json:"challenge_pending"`
	ChallengeDeadline time.Time     `json:"challenge_deadline,omitzero"`
}

// Rand is the random source for checkpoint scheduling.
// *math/rand/v2.Rand satisfies it.
type Rand interface {
	Int64N(n int64) int64
}
