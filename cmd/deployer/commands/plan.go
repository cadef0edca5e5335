package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/graph"
	"github.com/openfroyo/deployer/pkg/policy"
)

func newPlanCommand(opts *globalOptions) *cobra.Command {
	var (
		outFile string
		units   []string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "plan <command>",
		Short: "Preview a command run",
		Long: `Preview what "deployer execute <command>" would do without running anything.

The plan lists the dependency groups in execution order and, for every unit,
whether it would run or be skipped because a previous success is recorded.`,
		Example: `  # Preview an install
  deployer plan install

  # Save the plan as JSON
  deployer plan install --out plan.json

  # Preview a forced reconfigure of one unit
  deployer plan configure --unit web --force`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: engine.DefaultCommandRegistry().Names(),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			command := args[0]

			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			targets, err := parseUnits(units)
			if err != nil {
				return err
			}
			profile, err := a.loadProfile(ctx)
			if err != nil {
				return err
			}
			if err := a.checkPolicies(ctx, profile, policy.Request{Command: command, Units: units, DryRun: true}, out); err != nil {
				return err
			}

			deps, err := graph.FromProfile(profile)
			if err != nil {
				return err
			}
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			plan, err := engine.NewPlanner(profile, deps, engine.DefaultCommandRegistry(), store).
				Plan(ctx, command, engine.PlanOptions{Force: force, Units: targets})
			if err != nil {
				return err
			}

			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("failed to create plan file: %w", err)
				}
				defer f.Close()
				if err := printJSON(f, plan); err != nil {
					return fmt.Errorf("failed to write plan file: %w", err)
				}
				a.logger.Info().Str("out", outFile).Msg("Plan written")
			}

			if opts.jsonOutput {
				return printJSON(out, plan)
			}
			fmt.Fprint(out, plan.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "also write the plan as JSON to this file")
	cmd.Flags().StringSliceVarP(&units, "unit", "u", nil, "limit the plan to these units")
	cmd.Flags().BoolVar(&force, "force", false, "ignore recorded successes")

	return cmd
}
