package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/stakehold/internal/canonical"
)

// GoldenDir is where golden traces live, relative to the test package.
const GoldenDir = "testdata/golden"

// TraceSnapshot is the golden form of a run.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// canonicalTrace converts trace events to canonical-JSON values, leaving
// out empty fields.
func canonicalTrace(trace []TraceEvent) []any {
	out := make([]any, len(trace))
	for i, ev := range trace {
		m := map[string]any{
			"seq":  ev.Seq,
			"type": ev.Type,
			"at":   ev.At,
		}
		if ev.Step != "" {
			m["step"] = ev.Step
		}
		if len(ev.Args) > 0 {
			m["args"] = ev.Args
		}
		if ev.Outcome != "" {
			m["outcome"] = ev.Outcome
		}
		if ev.Lifecycle != "" {
			m["lifecycle"] = ev.Lifecycle
		}
		if ev.Kind != "" {
			m["kind"] = ev.Kind
		}
		if ev.SessionID != "" {
			m["session_id"] = ev.SessionID
		}
		out[i] = m
	}
	return out
}

// Marshal returns the canonical JSON of the snapshot.
func (s *TraceSnapshot) Marshal() ([]byte, error) {
	return canonical.Marshal(map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         canonicalTrace(s.Trace),
	})
}

// RunWithGolden runs a scenario and compares its trace against
// testdata/golden/{name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's trace against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{ScenarioName: name, Trace: result.Trace}
	data, err := snapshot.Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
