package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/stakehold/internal/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and check configuration",
	}
	cmd.AddCommand(newConfigValidateCommand(rootOpts))
	cmd.AddCommand(newConfigShowCommand(rootOpts))
	return cmd
}

func newConfigValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a config file against the schema",
		Long: `Check a config file against the schema and the cross-field rules.
STAKEHOLD_* environment overrides are applied before validation.

Exit codes:
  0 - Config is valid
  1 - Config is invalid`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			if _, err := config.Load(args[0]); err != nil {
				if out.JSON() {
					_ = out.Error("E_INVALID_CONFIG", err.Error(), map[string]string{"file": args[0]})
				} else {
					fmt.Fprintf(out.Writer, "✗ %s\n  %v\n", args[0], err)
				}
				return WrapExitError(ExitFailure, "invalid config", err)
			}
			if out.JSON() {
				return out.Success(map[string]any{"file": args[0], "valid": true})
			}
			fmt.Fprintf(out.Writer, "✓ %s\n", args[0])
			return nil
		},
	}
}

func newConfigShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Print the effective configuration as YAML",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.APIToken != "" {
				cfg.APIToken = "<redacted>"
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to encode config", err)
			}
			out := rootOpts.formatter(cmd)
			if out.JSON() {
				return out.Success(map[string]string{"yaml": string(data)})
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
