package commands

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/policy"
)

func newPolicyCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect profile policies",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List built-in and configured policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			eng, err := a.policyEngine(ctx)
			if err != nil {
				return err
			}
			policies := eng.ListPolicies()
			if opts.jsonOutput {
				return printJSON(out, policies)
			}
			for _, p := range policies {
				state := "enabled"
				if !p.Enabled {
					state = "disabled"
				}
				source := "built-in"
				if !p.Builtin() {
					source = p.Source
				}
				fmt.Fprintf(out, "%-20s %-9s %-8s %s (%s)\n", p.Name, state, p.Severity, p.Description, source)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check [command]",
		Short: "Evaluate the profile against every policy",
		Long: `Evaluate the profile against every enabled policy and print all findings,
blocking or not. The optional command is what policies see as input.command.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			profile, err := a.loadProfile(ctx)
			if err != nil {
				return err
			}
			eng, err := a.policyEngine(ctx)
			if err != nil {
				return err
			}

			req := policy.Request{DryRun: true}
			if len(args) == 1 {
				req.Command = args[0]
			}
			result, err := eng.Evaluate(ctx, profile, req)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				if err := printJSON(out, result); err != nil {
					return err
				}
				return result.Err()
			}
			for _, v := range slices.Concat(result.Violations, result.Warnings) {
				fmt.Fprintln(out, v)
				if v.Remediation != "" {
					fmt.Fprintf(out, "    fix: %s\n", v.Remediation)
				}
			}
			for _, e := range result.Errors {
				fmt.Fprintf(out, "error: %s\n", e)
			}
			fmt.Fprintf(out, "%d policies evaluated (%s): %d violations, %d warnings\n",
				len(result.EvaluatedPolicies), strings.Join(result.EvaluatedPolicies, ", "),
				len(result.Violations), len(result.Warnings))
			return result.Err()
		},
	})

	return cmd
}
