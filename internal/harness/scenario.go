package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/stakehold/internal/engine"
	"github.com/roach88/stakehold/internal/ledger"
)

// Scenario is a scripted run of the engine against the simulated ledger.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Store is the backend the run uses: "sqlite" (default, in memory) or
	// "redis" (an in-process miniredis).
	Store string `yaml:"store,omitempty"`

	// Engine overrides the default engine settings, key by key.
	Engine engine.Config `yaml:"engine,omitempty"`

	// Ledger configures the simulated ledger and the reconciler.
	Ledger LedgerSetup `yaml:"ledger,omitempty"`

	// Rand is the checkpoint draw sequence. Defaults to [0], so every
	// checkpoint lands at the minimum interval.
	Rand []int64 `yaml:"rand,omitempty"`

	Flow       []Step      `yaml:"flow"`
	Assertions []Assertion `yaml:"assertions"`
}

// LedgerSetup configures the simulated ledger for a scenario.
type LedgerSetup struct {
	MinStake   int64         `yaml:"min_stake,omitempty"`
	IndexDelay time.Duration `yaml:"index_delay,omitempty"`
	Reconciler ledger.Config `yaml:",inline"`
}

// Step is one action in the flow.
type Step struct {
	// Do names the action; see the Step* constants.
	Do string `yaml:"do"`

	// Args are the action arguments.
	Args map[string]any `yaml:"args,omitempty"`

	// Expect checks the step result. Nil means any outcome is accepted.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is checked against a step's result.
type Expect struct {
	// Outcome is "ok", "noop" or an error code such as INVALID_CONFIG.
	Outcome string `yaml:"outcome,omitempty"`

	// Lifecycle is the session state after the step.
	Lifecycle string `yaml:"lifecycle,omitempty"`

	// Remaining is the countdown left after the step, in seconds.
	Remaining *int64 `yaml:"remaining,omitempty"`
}

// Step actions. Arguments:
//
//	start     the start config (name, duration_seconds, mode, stake_amount, beneficiary)
//	proof     text
//	advance   by (duration)
//	present   for (duration); gives input and answers checkpoints every 10s
//	restart   new engine and reconciler over the same store, then Recover
//	fail      op (commit, settle or find), n
//	indexing  drop (bool); resuming also indexes everything pending
const (
	StepStart   = "start"
	StepProof   = "proof"
	StepGiveUp  = "giveup"
	StepRetry   = "retry"
	StepAck     = "ack"
	StepHide    = "hide"
	StepShow    = "show"
	StepInput   = "input"
	StepAdvance = "advance"
	StepPresent = "present"
	StepRestart = "restart"
	StepHeal    = "heal"
	StepFail    = "fail"
	StepIndex   = "indexing"
)

var knownSteps = map[string]bool{
	StepStart: true, StepProof: true, StepGiveUp: true, StepRetry: true,
	StepAck: true, StepHide: true, StepShow: true, StepInput: true,
	StepAdvance: true, StepPresent: true, StepRestart: true, StepHeal: true,
	StepFail: true, StepIndex: true,
}

// Assertion validates the final trace or state.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count, final_state.
	Type string `yaml:"type"`

	// Kind is a notification kind or step name (trace_contains,
	// trace_count).
	Kind string `yaml:"kind,omitempty"`

	// Fields is a subset match on the trace event (trace_contains).
	Fields map[string]any `yaml:"fields,omitempty"`

	// Count is the expected number of matching events (trace_count).
	Count int `yaml:"count,omitempty"`

	// Kinds is the expected order of events (trace_order).
	Kinds []string `yaml:"kinds,omitempty"`

	// Table is active, history, stats or ledger (final_state).
	Table string `yaml:"table,omitempty"`

	// Where selects a row by field (final_state on history and ledger).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect is a subset match on the selected row (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Final-state tables.
const (
	TableActive  = "active"
	TableHistory = "history"
	TableStats   = "stats"
	TableLedger  = "ledger"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// NewScenario returns a scenario carrying the default engine and ledger
// settings. Decoding over it keeps every default the file leaves out.
func NewScenario() *Scenario {
	return &Scenario{
		Engine: engine.DefaultConfig(),
		Ledger: LedgerSetup{
			MinStake:   1,
			Reconciler: ledger.DefaultConfig(),
		},
	}
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	scenario := NewScenario()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
// filter, when non-empty, keeps only scenarios whose name contains it.
func LoadDir(dir, filter string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var out []*Scenario
	for _, p := range paths {
		sc, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		if filter != "" && !strings.Contains(sc.Name, filter) {
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow must have at least one step")
	}
	switch s.Store {
	case "", StoreSQLite, StoreRedis:
	default:
		return fmt.Errorf("unknown store %q", s.Store)
	}
	if err := s.Engine.Presence.Validate(); err != nil {
		return fmt.Errorf("engine.presence: %w", err)
	}
	if err := s.Ledger.Reconciler.Policy.Validate(); err != nil {
		return fmt.Errorf("ledger.policy: %w", err)
	}
	for i, step := range s.Flow {
		if !knownSteps[step.Do] {
			return fmt.Errorf("flow[%d]: unknown step %q", i, step.Do)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		switch a.Table {
		case TableActive, TableHistory, TableStats, TableLedger:
		case "":
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		default:
			return fmt.Errorf("assertions[%d]: unknown table %q", index, a.Table)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
