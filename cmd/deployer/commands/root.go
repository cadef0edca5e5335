package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// BuildInfo describes the binary; it is set via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	dir        string
	verbose    bool
	jsonOutput bool
	build      BuildInfo
}

// Execute runs the root command
func Execute(ctx context.Context, build BuildInfo) error {
	return NewRootCommand(build).ExecuteContext(ctx)
}

// NewRootCommand builds the deployer command tree.
func NewRootCommand(build BuildInfo) *cobra.Command {
	opts := &globalOptions{build: build}

	rootCmd := &cobra.Command{
		Use:   "deployer",
		Short: "Deployer - dependency-ordered deployment orchestration",
		Long: `Deployer installs, configures and operates the units of a deployment in
dependency order.

A solution directory holds:
  - deployer.toml   tool settings
  - profile.*       the deployment profile (CUE, YAML or Starlark)
  - scripts/        <unit>/<command> scripts and .wasm modules
  - .deployer/      execution state`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", build.Version, build.Commit, build.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.dir, "dir", "C", ".", "solution directory")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newGraphCommand(opts))
	rootCmd.AddCommand(newPropertiesCommand(opts))
	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newExecuteCommand(opts))
	rootCmd.AddCommand(newStateCommand(opts))
	rootCmd.AddCommand(newPolicyCommand(opts))
	rootCmd.AddCommand(newVersionCommand(opts))

	return rootCmd
}
