package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/deployer/pkg/config"
	"github.com/openfroyo/deployer/pkg/graph"
	"github.com/openfroyo/deployer/pkg/model"
	"github.com/openfroyo/deployer/pkg/policy"
	"github.com/openfroyo/deployer/pkg/properties"
)

func newValidateCommand(opts *globalOptions) *cobra.Command {
	var (
		watch    bool
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the deployment profile",
		Long: `Validate the deployment profile.

This command checks:
  - Document syntax and schema conformance
  - Unit, capability, host and binding references
  - The dependency graph is acyclic
  - Every property resolves
  - Policy compliance (OPA/rego)

With --watch the profile and policies are re-validated on every change until
interrupted.`,
		Example: `  # Validate the profile of the current solution
  deployer validate

  # Re-validate while editing
  deployer validate --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			var eng *policy.Engine
			if a.settings.Policy.Enabled {
				if eng, err = a.policyEngine(ctx); err != nil {
					return err
				}
			}

			if !watch {
				profile, err := a.loadProfile(ctx)
				if err != nil {
					return err
				}
				return a.validateProfile(ctx, eng, profile, out)
			}

			a.logger.Info().Str("profile", a.settings.ProfilePath()).Msg("Watching profile")
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				w := config.NewWatcher(a.loader, a.settings.ProfilePath(), debounce)
				return w.Watch(ctx, func(profile *model.Profile, err error) {
					fmt.Fprintf(out, "[%s] ", time.Now().Format(time.TimeOnly))
					if err == nil {
						err = a.validateProfile(ctx, eng, profile, out)
					}
					if err != nil {
						fmt.Fprintf(out, "invalid: %v\n", err)
					}
				})
			})
			if eng != nil && len(a.settings.Policy.Paths) > 0 {
				g.Go(func() error {
					return eng.Watch(ctx, a.settings.PolicyPaths())
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate on every change")
	cmd.Flags().DurationVar(&debounce, "debounce", config.DefaultDebounce, "how long to wait for edits to settle")

	return cmd
}

// validateProfile runs the checks that follow loading: graph, properties and
// policies. eng may be nil when policies are disabled.
func (a *app) validateProfile(ctx context.Context, eng *policy.Engine, profile *model.Profile, w io.Writer) error {
	deps, err := graph.FromProfile(profile)
	if err != nil {
		return err
	}
	props, err := properties.NewResolver(properties.WithLogger(a.tel.Logger.Zerolog())).Evaluate(ctx, profile)
	if err != nil {
		return err
	}
	if eng != nil {
		if err := a.evaluatePolicies(ctx, eng, profile, policy.Request{DryRun: true}, w); err != nil {
			return err
		}
	}

	groups := deps.EvaluateDependencyGroups(deps.Units())
	fmt.Fprintf(w, "profile %s (%s) is valid: %d units, %d groups, %d properties\n",
		profile.ID, profile.Deployment, len(profile.Units), len(groups), props.Len())
	return nil
}
