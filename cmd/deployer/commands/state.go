package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/stores"
)

func newStateCommand(opts *globalOptions) *cobra.Command {
	var deployment string

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and reset execution state",
		Long: `Inspect and reset the recorded execution state of a deployment.

A recorded success makes the next run of the same command skip the unit. The
deployment defaults to the one named by the profile.`,
	}

	cmd.PersistentFlags().StringVarP(&deployment, "deployment", "d", "", "deployment (default from the profile)")

	cmd.AddCommand(newStateListCommand(opts, &deployment))
	cmd.AddCommand(newStateRunsCommand(opts, &deployment))
	cmd.AddCommand(newStateResetCommand(opts, &deployment))

	return cmd
}

// stateSession opens the store and settles which deployment is addressed.
func stateSession(cmd *cobra.Command, opts *globalOptions, deployment string) (*app, *stores.SQLiteStore, string, error) {
	ctx := cmd.Context()
	a, err := newApp(cmd, opts)
	if err != nil {
		return nil, nil, "", err
	}

	if deployment == "" {
		profile, err := a.loadProfile(ctx)
		if err != nil {
			a.close(ctx)
			return nil, nil, "", fmt.Errorf("no --deployment given and the profile cannot be loaded: %w", err)
		}
		deployment = profile.Deployment.String()
	}

	store, err := a.openStore(ctx)
	if err != nil {
		a.close(ctx)
		return nil, nil, "", err
	}
	return a, store, deployment, nil
}

func newStateListCommand(opts *globalOptions, deployment *string) *cobra.Command {
	var unit string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded command outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, store, dep, err := stateSession(cmd, opts, *deployment)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))
			defer store.Close()

			var filter *string
			if unit != "" {
				filter = &unit
			}
			records, err := store.ListExecutions(ctx, dep, filter)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return printJSON(out, records)
			}
			if len(records) == 0 {
				fmt.Fprintf(out, "no execution state recorded for %s\n", dep)
				return nil
			}
			for _, r := range records {
				line := fmt.Sprintf("%-20s %-10s %-10s %s", r.Unit, r.Command, r.Status, r.ExecutedAt.Local().Format(time.DateTime))
				if r.PackageVersion != "" {
					line += " version=" + r.PackageVersion
				}
				if r.Error != nil {
					line += " error=" + *r.Error
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&unit, "unit", "u", "", "only this unit")
	return cmd
}

func newStateRunsCommand(opts *globalOptions, deployment *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Show run history",
		Long: `Without arguments list recent runs of the deployment, newest first. With a run
id show what happened to each unit during that run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, store, dep, err := stateSession(cmd, opts, *deployment)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))
			defer store.Close()

			if len(args) == 1 {
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				units, err := store.ListUnitExecutions(ctx, run.ID)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(out, map[string]interface{}{"run": run, "units": units})
				}
				fmt.Fprintf(out, "run %s: %s on %s, %s\n", run.ID, run.Command, run.Deployment, run.Status)
				for _, u := range units {
					line := fmt.Sprintf("  [%d] %-10s %s", u.Group+1, u.Status, u.Unit)
					if u.Error != nil {
						line += ": " + *u.Error
					}
					fmt.Fprintln(out, line)
				}
				return nil
			}

			runs, err := store.ListRuns(ctx, &dep, limit, 0)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(out, runs)
			}
			for _, r := range runs {
				fmt.Fprintf(out, "%s  %s  %-10s %-10s force=%v\n",
					r.ID, r.StartedAt.Local().Format(time.DateTime), r.Command, r.Status, r.Force)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	return cmd
}

func newStateResetCommand(opts *globalOptions, deployment *string) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reset [unit...]",
		Short: "Forget recorded outcomes",
		Long: `Forget the recorded outcomes of the given units, or of every unit with --all,
so that the next run executes them again. Run history is kept.`,
		Example: `  # Make the next install run web again
  deployer state reset web

  # Start over
  deployer state reset --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("name units to reset or pass --all")
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, store, dep, err := stateSession(cmd, opts, *deployment)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))
			defer store.Close()

			units := args
			if all {
				records, err := store.ListExecutions(ctx, dep, nil)
				if err != nil {
					return err
				}
				seen := make(map[string]bool)
				for _, r := range records {
					if !seen[r.Unit] {
						seen[r.Unit] = true
						units = append(units, r.Unit)
					}
				}
			}

			var total int64
			for _, u := range units {
				n, err := store.DeleteUnitExecutions(ctx, dep, u)
				if err != nil {
					return err
				}
				a.logger.Info().Str("deployment", dep).Str("unit", u).Int64("records", n).Msg("Execution state reset")
				total += n
			}
			fmt.Fprintf(out, "removed %d records from %s\n", total, dep)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "reset every unit")
	return cmd
}
