package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/graph"
	"github.com/openfroyo/deployer/pkg/ids"
)

func newGraphCommand(opts *globalOptions) *cobra.Command {
	var (
		dot   bool
		units []string
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the unit dependency graph",
		Long: `Show the units of the profile partitioned into dependency groups. Units of one
group may run in parallel; groups run in order.

--unit narrows the graph to the given units and everything they depend on.`,
		Example: `  # Print dependency groups
  deployer graph

  # Render with Graphviz
  deployer graph --dot | dot -Tsvg > graph.svg`,
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
			deps, err := graph.FromProfile(profile)
			if err != nil {
				return err
			}

			selected := deps.Units()
			if len(units) > 0 {
				if selected, err = closure(deps, units); err != nil {
					return err
				}
			}
			groups := deps.EvaluateDependencyGroups(selected)

			switch {
			case dot:
				fmt.Fprint(out, deps.ToDOT(groups))
			case opts.jsonOutput:
				names := make([][]string, len(groups))
				for i, g := range groups {
					names[i] = ids.Strings(g)
				}
				return printJSON(out, names)
			default:
				for i, g := range groups {
					fmt.Fprintf(out, "group %d: %s\n", i+1, strings.Join(ids.Strings(g), ", "))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "output Graphviz DOT")
	cmd.Flags().StringSliceVarP(&units, "unit", "u", nil, "limit the graph to these units and their dependencies")

	return cmd
}

// closure returns the named units and everything upstream of them.
func closure(deps *graph.UnitDependencies, names []string) ([]ids.UnitID, error) {
	units, err := parseUnits(names)
	if err != nil {
		return nil, err
	}

	known := make(map[ids.UnitID]bool)
	for _, u := range deps.Units() {
		known[u] = true
	}
	want := make(map[ids.UnitID]bool)
	for _, u := range units {
		if !known[u] {
			return nil, fmt.Errorf("unknown unit %s", u)
		}
		want[u] = true
		for _, up := range deps.Upstream(u) {
			want[up] = true
		}
	}

	var out []ids.UnitID
	for _, u := range deps.Units() {
		if want[u] {
			out = append(out, u)
		}
	}
	return out, nil
}
