package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/policy"
)

func newExecuteCommand(opts *globalOptions) *cobra.Command {
	var (
		units      []string
		force      bool
		bestEffort bool
		parallel   int
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "execute <command>",
		Short: "Run a lifecycle command across the deployment",
		Long: `Run a lifecycle command on every unit that supports it, one dependency group
at a time.

Units with a recorded success are skipped unless --force is given, so a failed
run can be resumed by running the same command again. Remote units run on their
host through the deploy agent; .wasm unit commands run in the WebAssembly
runtime.

Commands: fetch, install, configure, upgrade, start, stop, status, uninstall, purge.`,
		Example: `  # Install everything
  deployer execute install

  # Reconfigure one unit and what it depends on
  deployer execute configure --unit web --force

  # Stop everything, attempting every unit
  deployer execute stop --best-effort`,
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
			if err := a.checkPolicies(ctx, profile, policy.Request{Command: command, Units: units}, out); err != nil {
				return err
			}

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			router, err := a.router(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := router.Close(context.WithoutCancel(ctx)); err != nil {
					a.logger.Warn().Err(err).Msg("Failed to close dispatchers")
				}
			}()

			orch, err := a.orchestrator(ctx, profile, store, router)
			if err != nil {
				return err
			}

			if timeout == 0 {
				timeout = a.settings.UnitTimeout
			}
			run, runErr := orch.Execute(ctx, command, engine.ExecuteOptions{
				Force:       force,
				Units:       targets,
				BestEffort:  bestEffort,
				MaxParallel: parallel,
				UnitTimeout: timeout,
			})
			if run == nil {
				return runErr
			}

			if opts.jsonOutput {
				if err := printJSON(out, run); err != nil {
					return err
				}
			} else {
				printRun(out, run, opts.verbose)
			}
			return runErr
		},
	}

	cmd.Flags().StringSliceVarP(&units, "unit", "u", nil, "limit the run to these units")
	cmd.Flags().BoolVar(&force, "force", false, "run units even when a success is recorded")
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "attempt every unit even after failures")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 0, "maximum units run concurrently within a group")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "deadline for each unit command (default from settings)")

	return cmd
}

func printRun(w io.Writer, run *engine.Run, verbose bool) {
	fmt.Fprintf(w, "run %s: %s on %s\n", run.ID, run.Command, run.Deployment)
	for _, u := range run.Units {
		line := fmt.Sprintf("  [%d] %-10s %s", u.Group+1, u.Status, u.Unit)
		switch {
		case u.Error != "":
			line += ": " + u.Error
		case u.Reason != "":
			line += " (" + u.Reason + ")"
		}
		fmt.Fprintln(w, line)
		if verbose && u.Output != "" {
			for _, l := range strings.Split(strings.TrimRight(u.Output, "\n"), "\n") {
				fmt.Fprintf(w, "        | %s\n", l)
			}
		}
	}

	s := run.Summary()
	fmt.Fprintf(w, "%s in %s: %d succeeded, %d failed, %d skipped, %d cancelled\n",
		run.Status, run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond),
		s.Succeeded, s.Failed, s.Skipped, s.Cancelled)
}
