package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/roach88/stakehold/internal/canonical"
	"github.com/roach88/stakehold/internal/engine"
	"github.com/roach88/stakehold/internal/ledger"
	"github.com/roach88/stakehold/internal/ledger/sim"
	"github.com/roach88/stakehold/internal/notify"
	"github.com/roach88/stakehold/internal/session"
	"github.com/roach88/stakehold/internal/store"
	"github.com/roach88/stakehold/internal/testutil"
)

// Owner is the address every scenario runs as.
const Owner = "0x000000005ce0a210"

// presentStep is the input cadence of the present step.
const presentStep = 10 * time.Second

// Option configures a run.
type Option func(*Harness)

// WithLogger sets the logger for step progress. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Harness runs one scenario on a fake clock against the simulated ledger.
type Harness struct {
	sc     *Scenario
	clk    *testutil.FakeClock
	begin  time.Time
	store  store.Store
	sim    *sim.Ledger
	rec    *ledger.Reconciler
	eng    *engine.Engine
	ids    *testutil.SeqIDGenerator
	rnd    *testutil.SeqRand
	logger *slog.Logger

	mu     sync.Mutex
	result *Result
}

// Run executes a scenario and returns its result.
//
// Each run gets a fresh store, clock and ledger, so runs are isolated and
// produce identical traces. An error means the scenario could not be run;
// failed expectations are reported in the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	return RunContext(context.Background(), scenario, opts...)
}

// RunContext is Run with a caller-supplied context for store and ledger
// calls.
func RunContext(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	clk := testutil.NewFakeClock()
	rand := scenario.Rand
	if len(rand) == 0 {
		rand = []int64{0}
	}
	h := &Harness{
		sc:     scenario,
		clk:    clk,
		begin:  clk.Now(),
		ids:    testutil.NewSeqIDGenerator("s"),
		rnd:    testutil.NewSeqRand(rand...),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		result: NewResult(),
	}
	for _, opt := range opts {
		opt(h)
	}

	closeStore, err := h.openStore()
	if err != nil {
		return nil, err
	}
	defer closeStore()

	h.sim = sim.New(clk,
		sim.WithMinStake(scenario.Ledger.MinStake),
		sim.WithIndexDelay(scenario.Ledger.IndexDelay),
	)
	h.boot()
	defer h.shutdown()

	for i, step := range scenario.Flow {
		if err := h.execute(ctx, i, step); err != nil {
			return nil, fmt.Errorf("flow step %d (%s): %w", i, step.Do, err)
		}
	}

	actx := &AssertionContext{Ctx: ctx, Store: h.store, Ledger: h.sim}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}

	digest, err := canonical.Hash(canonical.DomainTrace, canonicalTrace(h.result.Trace))
	if err != nil {
		return nil, fmt.Errorf("hash trace: %w", err)
	}
	h.result.Digest = digest
	return h.result, nil
}

func (h *Harness) openStore() (func(), error) {
	switch h.sc.Store {
	case StoreRedis:
		mr, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("start miniredis: %w", err)
		}
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		st, err := store.NewRedis(client, Owner, store.WithKeyPrefix("scenario"))
		if err != nil {
			client.Close()
			mr.Close()
			return nil, err
		}
		h.store = st
		return func() {
			st.Close()
			mr.Close()
		}, nil
	default:
		st, err := store.OpenSQLite(":memory:", Owner)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory store: %w", err)
		}
		h.store = st
		return func() { st.Close() }, nil
	}
}

// boot builds a reconciler and engine over the current store and ledger,
// as a starting process would.
func (h *Harness) boot() {
	h.rec = ledger.NewReconciler(h.sim, h.store, h.clk, h.sc.Ledger.Reconciler)
	h.eng = engine.New(h.store, h.rec, h.clk,
		engine.WithConfig(h.sc.Engine),
		engine.WithIDGenerator(h.ids),
		engine.WithRand(h.rnd),
		engine.WithNotifier(h),
	)
}

func (h *Harness) shutdown() {
	h.eng.Close()
	h.rec.Close()
}

// Notify records an engine notification in the trace.
func (h *Harness) Notify(n notify.Notification) {
	h.record(TraceEvent{
		Type:      EventNotification,
		Kind:      n.Kind,
		SessionID: n.SessionID,
	})
}

func (h *Harness) record(ev TraceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev.At = int64(h.clk.Now().Sub(h.begin) / time.Second)
	h.result.add(ev)
}

func (h *Harness) execute(ctx context.Context, index int, step Step) error {
	h.record(TraceEvent{Type: EventInvoke, Step: step.Do, Args: step.Args})

	stepErr, err := h.do(ctx, step)
	if err != nil {
		return err
	}

	p := h.eng.Snapshot()
	res := TraceEvent{
		Type:      EventResult,
		Step:      step.Do,
		Outcome:   outcomeOf(stepErr),
		Lifecycle: lifecycleOf(p),
	}
	h.record(res)

	h.logger.Info("flow step completed",
		"step", index,
		"do", step.Do,
		"outcome", res.Outcome,
		"lifecycle", res.Lifecycle)

	if step.Expect == nil {
		return nil
	}
	if want := step.Expect.Outcome; want != "" && want != res.Outcome {
		detail := ""
		if stepErr != nil {
			detail = ": " + stepErr.Error()
		}
		h.result.AddError(fmt.Sprintf("flow[%d] %s: expected outcome %s, got %s%s", index, step.Do, want, res.Outcome, detail))
	}
	if want := step.Expect.Lifecycle; want != "" && want != res.Lifecycle {
		h.result.AddError(fmt.Sprintf("flow[%d] %s: expected lifecycle %s, got %s", index, step.Do, want, res.Lifecycle))
	}
	if want := step.Expect.Remaining; want != nil && *want != p.RemainingSeconds {
		h.result.AddError(fmt.Sprintf("flow[%d] %s: expected %ds remaining, got %ds", index, step.Do, *want, p.RemainingSeconds))
	}
	return nil
}

// do performs one step. stepErr is the engine's answer, recorded as the
// outcome; err means the step itself is malformed.
func (h *Harness) do(ctx context.Context, step Step) (stepErr, err error) {
	switch step.Do {
	case StepStart:
		var cfg session.StartConfig
		if err := decodeArgs(step.Args, &cfg); err != nil {
			return nil, err
		}
		_, stepErr = h.eng.Start(ctx, cfg)
	case StepProof:
		var args struct {
			Text string `yaml:"text"`
		}
		if err := decodeArgs(step.Args, &args); err != nil {
			return nil, err
		}
		stepErr = h.eng.SubmitProof(ctx, args.Text)
	case StepGiveUp:
		stepErr = h.eng.GiveUp(ctx)
	case StepRetry:
		stepErr = h.eng.RetrySettlement(ctx)
	case StepAck:
		stepErr = h.eng.AcknowledgeCheckpoint()
	case StepHide:
		stepErr = h.eng.SetHidden(true)
	case StepShow:
		stepErr = h.eng.SetHidden(false)
	case StepInput:
		stepErr = h.eng.RecordInput()
	case StepAdvance:
		var args struct {
			By time.Duration `yaml:"by"`
		}
		if err := decodeArgs(step.Args, &args); err != nil {
			return nil, err
		}
		if args.By <= 0 {
			return nil, errors.New("advance needs a positive duration")
		}
		h.clk.Advance(args.By)
	case StepPresent:
		var args struct {
			For time.Duration `yaml:"for"`
		}
		if err := decodeArgs(step.Args, &args); err != nil {
			return nil, err
		}
		h.present(args.For)
	case StepRestart:
		h.shutdown()
		h.boot()
		stepErr = h.eng.Recover(ctx)
	case StepHeal:
		_, stepErr = h.rec.Heal(ctx)
	case StepFail:
		var args struct {
			Op string `yaml:"op"`
			N  int    `yaml:"n"`
		}
		if err := decodeArgs(step.Args, &args); err != nil {
			return nil, err
		}
		switch args.Op {
		case "commit":
			h.sim.FailCommit(args.N)
		case "settle":
			h.sim.FailSettle(args.N)
		case "find":
			h.sim.FailFind(args.N)
		default:
			return nil, fmt.Errorf("unknown ledger op %q", args.Op)
		}
	case StepIndex:
		var args struct {
			Drop bool `yaml:"drop"`
		}
		if err := decodeArgs(step.Args, &args); err != nil {
			return nil, err
		}
		h.sim.SetDropIndexing(args.Drop)
		if !args.Drop {
			h.sim.IndexAll()
		}
	default:
		return nil, fmt.Errorf("unknown step %q", step.Do)
	}
	return stepErr, nil
}

// present advances the clock by d while giving input and answering every
// checkpoint, so no presence channel fires.
func (h *Harness) present(d time.Duration) {
	for d > 0 {
		step := min(d, presentStep)
		_ = h.eng.RecordInput()
		if h.eng.Snapshot().Presence.ChallengePending {
			_ = h.eng.AcknowledgeCheckpoint()
		}
		h.clk.Advance(step)
		d -= step
	}
}

// decodeArgs decodes step arguments into v, rejecting unknown keys.
func decodeArgs(args map[string]any, v any) error {
	if len(args) == 0 {
		return nil
	}
	data, err := yaml.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("args: %w", err)
	}
	return nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case session.IsNoop(err):
		return "noop"
	}
	if code := session.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}

func lifecycleOf(p engine.Projection) string {
	switch {
	case p.Session != nil:
		return string(p.Session.Lifecycle)
	case p.Last != nil:
		return string(p.Last.Lifecycle)
	}
	return "none"
}
