package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/stakehold/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Update    bool   // regenerate golden files
	Filter    string // keep scenarios whose name contains this
	GoldenDir string
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <scenarios-dir>",
		Short: "Run scenario files against a simulated engine",
		Long: `Run YAML scenarios against the engine with a fake clock and the
simulated ledger, checking assertions and, with --golden, the recorded
trace.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, malformed scenario, etc.)

Examples:
  stakehold scenario ./testdata/scenarios
  stakehold scenario ./testdata/scenarios --filter visibility
  stakehold scenario ./testdata/scenarios --golden ./testdata/golden --update
  stakehold scenario ./testdata/scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only run scenarios whose name contains this")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden", "", "directory of golden trace files")

	return cmd
}

func runScenarios(opts *ScenarioOptions, dir string, cmd *cobra.Command) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", dir))
	}
	if opts.Update && opts.GoldenDir == "" {
		return NewExitError(ExitCommandError, "--update needs --golden")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := harness.RunSuite(ctx, dir, harness.SuiteOptions{
		Filter:    opts.Filter,
		GoldenDir: opts.GoldenDir,
		Update:    opts.Update,
		Options:   []harness.Option{harness.WithLogger(slog.Default())},
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to run scenarios", err)
	}

	out := opts.formatter(cmd)
	if out.JSON() {
		return outputScenarioJSON(out, result)
	}
	return outputScenarioText(out, result)
}

func outputScenarioJSON(out *OutputFormatter, result *harness.SuiteResult) error {
	if result.Failed > 0 {
		msg := fmt.Sprintf("%d scenario(s) failed", result.Failed)
		if err := out.Error("E_SCENARIO_FAILED", msg, result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}
	return out.Success(result)
}

func outputScenarioText(out *OutputFormatter, result *harness.SuiteResult) error {
	w := out.Writer
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return nil
	}

	failed := make(map[string][]string, len(result.Failures))
	for _, f := range result.Failures {
		failed[f.Scenario] = f.Errors
	}
	names := make([]string, 0, len(result.Digests))
	for name := range result.Digests {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		errs, bad := failed[name]
		if !bad {
			fmt.Fprintf(w, "✓ %s\n", name)
			out.VerboseLog("  digest %s", result.Digests[name])
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", name)
		for _, e := range errs {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Scenario Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if result.Updated > 0 {
		fmt.Fprintf(w, "%d golden file(s) updated\n", result.Updated)
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
