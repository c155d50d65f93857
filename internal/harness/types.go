package harness

// Trace event types.
const (
	EventInvoke       = "invoke"
	EventResult       = "result"
	EventNotification = "notification"
)

// TraceEvent is one entry of a scenario trace: a step being invoked, its
// result, or a notification the engine emitted in between.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`

	// At is seconds since the scenario started.
	At int64 `json:"at"`

	// Step and Args are set on invoke and result events.
	Step string         `json:"step,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	// Outcome is "ok", "noop" or an error code. Lifecycle is the state of
	// the current (or last finished) session after the step; "none" when
	// there has been no session.
	Outcome   string `json:"outcome,omitempty"`
	Lifecycle string `json:"lifecycle,omitempty"`

	// Kind and SessionID are set on notification events.
	Kind      string `json:"kind,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Digest is the domain-separated hash of the canonical trace.
	Digest string `json:"digest,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
