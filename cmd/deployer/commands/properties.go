package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/ids"
	"github.com/openfroyo/deployer/pkg/properties"
)

func newPropertiesCommand(opts *globalOptions) *cobra.Command {
	var (
		unit    string
		command string
	)

	cmd := &cobra.Command{
		Use:   "properties",
		Short: "Show resolved properties",
		Long: `Resolve every property of the profile and print it.

Without --unit every scope is printed as "scope key=value". With --unit the
unit's view is printed in properties-file format; --command additionally applies
the unit's key filter for that command, exactly as the file handed to the
command's script.`,
		Example: `  # Everything
  deployer properties

  # What the web unit's configure script receives
  deployer properties --unit web --command configure`,
		Args: cobra.NoArgs,
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
			holder, err := properties.NewResolver(properties.WithLogger(a.tel.Logger.Zerolog())).Evaluate(ctx, profile)
			if err != nil {
				return err
			}

			if unit == "" {
				if command != "" {
					return fmt.Errorf("--command requires --unit")
				}
				if opts.jsonOutput {
					all := make(map[string]map[string]string)
					for _, scope := range holder.Scopes() {
						all[scope] = holder.Scope(scope)
					}
					return printJSON(out, all)
				}
				fmt.Fprint(out, holder.Dump())
				return nil
			}

			id, err := ids.NewUnitID(unit)
			if err != nil {
				return err
			}
			u, err := profile.MustUnit(id)
			if err != nil {
				return err
			}

			values := holder.UnitProperties(id)
			var keys []string
			if command != "" {
				if _, err := engine.DefaultCommandRegistry().Lookup(command); err != nil {
					return err
				}
				keys = u.KeyFilter(command)
			}
			if opts.jsonOutput {
				if keys != nil {
					filtered := make(map[string]string, len(keys))
					for _, k := range keys {
						if v, ok := values[k]; ok {
							filtered[k] = v
						}
					}
					values = filtered
				}
				return printJSON(out, values)
			}
			return properties.Encode(out, values, keys)
		},
	}

	cmd.Flags().StringVarP(&unit, "unit", "u", "", "show the properties a unit sees")
	cmd.Flags().StringVar(&command, "command", "", "apply the unit's key filter for this command")

	return cmd
}
