package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/openfroyo/deployer/pkg/graph"
	"github.com/openfroyo/deployer/pkg/ids"
	"github.com/openfroyo/deployer/pkg/model"
	"github.com/openfroyo/deployer/pkg/stores"
)

// PlanAction is what a run would do with a unit.
type PlanAction string

const (
	PlanActionRun  PlanAction = "run"
	PlanActionSkip PlanAction = "skip"
)

// PlanOptions narrows and tunes a plan.
type PlanOptions struct {
	// Force ignores recorded successes.
	Force bool

	// Units restricts the plan to these units. Empty means every unit supporting the command.
	Units []ids.UnitID
}

// PlannedUnit is the decision for one unit.
type PlannedUnit struct {
	Unit   ids.UnitID `json:"unit"`
	Host   ids.HostID `json:"host,omitzero"`
	Local  bool       `json:"local"`
	Action PlanAction `json:"action"`
	Reason string     `json:"reason"`
}

// PlanGroup is a set of units that may run concurrently.
type PlanGroup struct {
	Index int           `json:"index"`
	Units []PlannedUnit `json:"units"`
}

// Plan is the side-effect free preview of a command run.
type Plan struct {
	Deployment ids.DeploymentID `json:"deployment"`
	Command    string           `json:"command"`
	Force      bool             `json:"force"`
	Spec       CommandSpec      `json:"-"`
	Groups     []PlanGroup      `json:"groups"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Counts returns how many units would run and how many would be skipped.
func (p *Plan) Counts() (run, skip int) {
	for _, g := range p.Groups {
		for _, u := range g.Units {
			if u.Action == PlanActionSkip {
				skip++
			} else {
				run++
			}
		}
	}
	return run, skip
}

// String renders the plan one group per block.
func (p *Plan) String() string {
	var sb strings.Builder
	run, skip := p.Counts()
	fmt.Fprintf(&sb, "%s on %s: %d to run, %d to skip\n", p.Command, p.Deployment, run, skip)
	for _, g := range p.Groups {
		fmt.Fprintf(&sb, "group %d:\n", g.Index+1)
		for _, u := range g.Units {
			where := "local"
			if !u.Local {
				where = u.Host.String()
			}
			fmt.Fprintf(&sb, "  %-4s %s [%s] %s\n", u.Action, u.Unit, where, u.Reason)
		}
	}
	return sb.String()
}

// Planner computes target units, their order and skip decisions.
type Planner struct {
	profile  *model.Profile
	deps     *graph.UnitDependencies
	registry *CommandRegistry
	state    StateReader
}

// NewPlanner creates a planner. state may be nil, in which case nothing is ever skipped.
func NewPlanner(profile *model.Profile, deps *graph.UnitDependencies, registry *CommandRegistry, state StateReader) *Planner {
	return &Planner{
		profile:  profile,
		deps:     deps,
		registry: registry,
		state:    state,
	}
}

// Plan previews what Execute would do for command without running anything.
func (p *Planner) Plan(ctx context.Context, command string, opts PlanOptions) (*Plan, error) {
	spec, err := p.registry.Lookup(command)
	if err != nil {
		return nil, err
	}

	groups, err := p.order(command, spec, opts.Units)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Deployment: p.profile.Deployment,
		Command:    command,
		Force:      opts.Force,
		Spec:       spec,
		Groups:     make([]PlanGroup, 0, len(groups)),
		CreatedAt:  time.Now(),
	}

	for i, group := range groups {
		pg := PlanGroup{Index: i, Units: make([]PlannedUnit, 0, len(group))}
		for _, id := range group {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			u, _ := p.profile.Unit(id)
			skip, reason, err := p.skipDecision(ctx, spec, spec.Skippable, u, opts.Force)
			if err != nil {
				return nil, err
			}
			action := PlanActionRun
			if skip {
				action = PlanActionSkip
			}
			pg.Units = append(pg.Units, PlannedUnit{
				Unit:   id,
				Host:   u.Host,
				Local:  spec.Local || !u.IsRemote(),
				Action: action,
				Reason: reason,
			})
		}
		plan.Groups = append(plan.Groups, pg)
	}

	return plan, nil
}

// order returns the dependency groups of the units targeted by command, reversed when
// the command tears units down.
func (p *Planner) order(command string, spec CommandSpec, filter []ids.UnitID) ([][]ids.UnitID, error) {
	targets := p.profile.UnitsSupporting(command)

	if len(filter) > 0 {
		selected := make([]ids.UnitID, 0, len(filter))
		for _, id := range filter {
			u, err := p.profile.MustUnit(id)
			if err != nil {
				return nil, err
			}
			if !u.Supports(command) {
				return nil, NewPermanentError("unit does not support command", nil).
					WithUnit(id).WithCommand(command).WithCode(ErrCodeUnsupported)
			}
			if !slices.Contains(selected, id) {
				selected = append(selected, id)
			}
		}
		targets = selected
	}

	groups := p.deps.EvaluateDependencyGroups(p.deps.Sort(targets))
	if spec.Reverse {
		slices.Reverse(groups)
	}
	return groups, nil
}

// skipDecision reports whether a recorded success lets the unit be skipped, with a
// human readable reason either way.
func (p *Planner) skipDecision(ctx context.Context, spec CommandSpec, allowsSkip bool, u *model.Unit, force bool) (bool, string, error) {
	switch {
	case force:
		return false, "forced", nil
	case !spec.PersistentState:
		return false, "command keeps no state", nil
	case !allowsSkip:
		return false, "command is not skippable", nil
	case p.state == nil:
		return false, "no state store", nil
	}

	rec, err := p.state.GetExecution(ctx, p.profile.Deployment.String(), u.ID.String(), spec.Name)
	if errors.Is(err, stores.ErrNotFound) {
		return false, "not yet executed", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("failed to read execution state of %s: %w", u.ID, err)
	}
	if rec.Status != stores.ExecutionStatusSucceeded {
		return false, fmt.Sprintf("last run %s", rec.Status), nil
	}
	if spec.VersionSensitive {
		want := u.Package.CanonicalVersion()
		if !model.SameVersion(rec.PackageVersion, want) {
			return false, fmt.Sprintf("package version changed %s -> %s", versionLabel(rec.PackageVersion), versionLabel(want)), nil
		}
	}
	return true, fmt.Sprintf("succeeded at %s", rec.ExecutedAt.Format(time.RFC3339)), nil
}

func versionLabel(v string) string {
	if v == "" {
		return "none"
	}
	return v
}
