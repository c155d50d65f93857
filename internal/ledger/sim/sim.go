// Package sim is an in-process ledger with asynchronous indexing and
// failure injection, used by tests, scenarios and local development.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/stakehold/internal/clock"
	"github.com/roach88/stakehold/internal/ledger"
	"github.com/roach88/stakehold/internal/session"
)

// ErrInjected is the transient failure returned by FailCommit/FailSettle.
var ErrInjected = errors.New("sim: injected ledger failure")

// Object is one session object held by the ledger.
type Object struct {
	Ref       string         `json:"ref"`
	TxRef     string         `json:"tx_ref"`
	Owner     string         `json:"owner"`
	Label     string         `json:"label"`
	Commit    ledger.Commit  `json:"commit"`
	Indexed   bool           `json:"indexed"`
	Outcome   ledger.Outcome `json:"outcome,omitempty"`
	SettleTx  string         `json:"settle_tx,omitempty"`
	Digest    string         `json:"proof_digest,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Calls counts requests by kind.
type Calls struct {
	Commits int `json:"commits"`
	Settles int `json:"settles"`
	Finds   int `json:"finds"`
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIndexDelay sets how long after a commit its object becomes findable.
func WithIndexDelay(d time.Duration) Option {
	return func(l *Ledger) { l.indexDelay = d }
}

// WithMinStake sets the smallest accepted stake. Defaults to 1.
func WithMinStake(n int64) Option {
	return func(l *Ledger) { l.minStake = n }
}

// Ledger is a thread-safe in-memory ledger.Ledger.
type Ledger struct {
	clk        clock.Clock
	indexDelay time.Duration
	minStake   int64

	mu           sync.Mutex
	seq          int
	objects      map[string]*Object
	bySession    map[string]string
	order        []string
	dropIndexing bool
	failCommit   int
	failSettle   int
	failFind     int
	calls        Calls
}

var _ ledger.Ledger = (*Ledger)(nil)

// New creates an empty ledger on clk.
func New(clk clock.Clock, opts ...Option) *Ledger {
	l := &Ledger{
		clk:       clk,
		minStake:  1,
		objects:   make(map[string]*Object),
		bySession: make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetDropIndexing stops (true) or resumes (false) indexing of new commits.
func (l *Ledger) SetDropIndexing(drop bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropIndexing = drop
}

// IndexAll makes every committed object findable now.
func (l *Ledger) IndexAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range l.objects {
		o.Indexed = true
	}
}

// FailCommit makes the next n commits fail transiently.
func (l *Ledger) FailCommit(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failCommit = n
}

// FailSettle makes the next n settles fail transiently.
func (l *Ledger) FailSettle(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failSettle = n
}

// FailFind makes the next n lookups fail transiently.
func (l *Ledger) FailFind(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failFind = n
}

// Calls returns the request counters.
func (l *Ledger) Calls() Calls {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// Object returns a copy of the object with ref.
func (l *Ledger) Object(ref string) (Object, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.objects[ref]
	if !ok {
		return Object{}, false
	}
	return *o, true
}

// ObjectForSession returns the object committed for a session id.
func (l *Ledger) ObjectForSession(id string) (Object, bool) {
	l.mu.Lock()
	ref, ok := l.bySession[id]
	l.mu.Unlock()
	if !ok {
		return Object{}, false
	}
	return l.Object(ref)
}

// Objects returns copies of every object in commit order.
func (l *Ledger) Objects() []Object {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Object, 0, len(l.order))
	for _, ref := range l.order {
		out = append(out, *l.objects[ref])
	}
	return out
}

func rejected(format string, args ...any) error {
	return session.NewError(session.CodeRejectedByLedger, format, args...)
}

// SubmitCommit records a commitment. Stakes below the minimum are rejected.
func (l *Ledger) SubmitCommit(ctx context.Context, c ledger.Commit) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls.Commits++
	if l.failCommit > 0 {
		l.failCommit--
		return "", ErrInjected
	}
	if c.StakeAmount < l.minStake {
		return "", rejected("stake %d below minimum %d", c.StakeAmount, l.minStake)
	}
	if !session.ValidAddress(c.Beneficiary) {
		return "", rejected("invalid beneficiary %q", c.Beneficiary)
	}
	if _, ok := l.bySession[c.SessionID]; ok {
		return "", rejected("session %s already committed", c.SessionID)
	}

	l.seq++
	obj := &Object{
		Ref:       fmt.Sprintf("obj-%04d", l.seq),
		TxRef:     fmt.Sprintf("tx-%04d", l.seq),
		Owner:     c.Owner,
		Label:     c.SessionID,
		Commit:    c,
		CreatedAt: l.clk.Now(),
	}
	l.objects[obj.Ref] = obj
	l.bySession[c.SessionID] = obj.Ref
	l.order = append(l.order, obj.Ref)

	switch {
	case l.dropIndexing:
	case l.indexDelay <= 0:
		obj.Indexed = true
	default:
		ref := obj.Ref
		l.clk.AfterFunc(l.indexDelay, func() { l.index(ref) })
	}
	return obj.TxRef, nil
}

func (l *Ledger) index(ref string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dropIndexing {
		return
	}
	if o, ok := l.objects[ref]; ok {
		o.Indexed = true
	}
}

// SubmitSettle records an outcome. Repeating the same outcome returns the
// original transaction; a different outcome is rejected.
func (l *Ledger) SubmitSettle(ctx context.Context, s ledger.Settle) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls.Settles++
	if l.failSettle > 0 {
		l.failSettle--
		return "", ErrInjected
	}
	o, ok := l.objects[s.ObjectRef]
	if !ok || !o.Indexed {
		return "", rejected("unknown object %s", s.ObjectRef)
	}
	if s.Outcome != ledger.OutcomeComplete && s.Outcome != ledger.OutcomeForfeit {
		return "", rejected("unknown outcome %q", s.Outcome)
	}
	if s.Outcome == ledger.OutcomeComplete && s.ProofDigest == "" {
		return "", rejected("completion needs a proof digest")
	}
	if o.Outcome != "" {
		if o.Outcome != s.Outcome {
			return "", rejected("object %s already settled as %s", o.Ref, o.Outcome)
		}
		return o.SettleTx, nil
	}

	l.seq++
	o.Outcome = s.Outcome
	o.Digest = s.ProofDigest
	o.SettleTx = fmt.Sprintf("tx-%04d", l.seq)
	return o.SettleTx, nil
}

// FindObjectsByOwnerAndLabel lists indexed objects, sorted by ref.
func (l *Ledger) FindObjectsByOwnerAndLabel(ctx context.Context, owner, label string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls.Finds++
	if l.failFind > 0 {
		l.failFind--
		return nil, ErrInjected
	}
	refs := []string{}
	for ref, o := range l.objects {
		if o.Indexed && o.Owner == owner && o.Label == label {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs, nil
}
