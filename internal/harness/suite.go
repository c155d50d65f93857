package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// SuiteResult summarises a run over many scenarios.
type SuiteResult struct {
	Total    int               `json:"total"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	Updated  int               `json:"updated,omitempty"`
	Failures []ScenarioFailure `json:"failures,omitempty"`
	Digests  map[string]string `json:"digests"`
}

// ScenarioFailure is one failed scenario.
type ScenarioFailure struct {
	Scenario string   `json:"scenario"`
	Errors   []string `json:"errors"`
}

// SuiteOptions configures RunSuite.
type SuiteOptions struct {
	// Filter keeps scenarios whose name contains it.
	Filter string

	// GoldenDir, when set, compares each trace with {name}.golden there.
	// A missing golden file is a failure unless Update is set.
	GoldenDir string

	// Update rewrites the golden files instead of comparing.
	Update bool

	Options []Option
}

// RunSuite runs every scenario in dir. Scenario failures are collected in
// the result; an error means a scenario could not be loaded or run.
func RunSuite(ctx context.Context, dir string, opts SuiteOptions) (*SuiteResult, error) {
	scenarios, err := LoadDir(dir, opts.Filter)
	if err != nil {
		return nil, err
	}

	sr := &SuiteResult{Digests: make(map[string]string)}
	for _, sc := range scenarios {
		result, err := RunContext(ctx, sc, opts.Options...)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
		sr.Total++
		sr.Digests[sc.Name] = result.Digest

		errs := append([]string(nil), result.Errors...)
		if opts.GoldenDir != "" {
			updated, err := compareGolden(opts.GoldenDir, sc.Name, result, opts.Update)
			if err != nil {
				errs = append(errs, err.Error())
			}
			if updated {
				sr.Updated++
			}
		}

		if len(errs) > 0 {
			sr.Failed++
			sr.Failures = append(sr.Failures, ScenarioFailure{Scenario: sc.Name, Errors: errs})
			continue
		}
		sr.Passed++
	}
	return sr, nil
}

// compareGolden checks a trace against dir/{name}.golden, or rewrites it
// when update is set.
func compareGolden(dir, name string, result *Result, update bool) (bool, error) {
	snapshot := TraceSnapshot{ScenarioName: name, Trace: result.Trace}
	data, err := snapshot.Marshal()
	if err != nil {
		return false, err
	}

	path := filepath.Join(dir, name+".golden")
	if update {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, err
		}
		return true, os.WriteFile(path, data, 0o644)
	}

	want, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("golden %s: %w", name, err)
	}
	if string(want) != string(data) {
		return false, fmt.Errorf("golden %s: trace differs (rerun with --update to accept)", name)
	}
	return false, nil
}
