package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/deployer/pkg/model"
	"github.com/openfroyo/deployer/pkg/properties"
	"github.com/openfroyo/deployer/pkg/stores"
)

// Lifecycle command names.
const (
	CommandFetch     = "fetch"
	CommandInstall   = "install"
	CommandConfigure = "configure"
	CommandUpgrade   = "upgrade"
	CommandStart     = "start"
	CommandStop      = "stop"
	CommandStatus    = "status"
	CommandUninstall = "uninstall"
	CommandPurge     = "purge"
)

// CommandSpec is the metadata that drives how the orchestrator runs a command.
type CommandSpec struct {
	Name        string
	Description string

	// PersistentState records successes durably.
	PersistentState bool

	// Local runs the command on the orchestrating host.
	Local bool

	// Skippable allows a recorded success to be reused when not forced.
	Skippable bool

	// Reverse runs dependency groups consumers first.
	Reverse bool

	// BestEffort attempts every unit even after failures.
	BestEffort bool

	// ResetsState deletes the unit's execution records on success.
	ResetsState bool

	// VersionSensitive only reuses a success recorded for the same package version.
	VersionSensitive bool
}

// CommandEnv is what unit commands receive from the orchestrator.
type CommandEnv struct {
	Dispatcher Dispatcher
	State      StateReader
}

// UnitCommandFactory builds the UnitCommand for a spec.
type UnitCommandFactory func(spec CommandSpec, env CommandEnv) UnitCommand

// CommandRegistry holds the closed set of commands a deployment understands.
type CommandRegistry struct {
	specs     map[string]CommandSpec
	factories map[string]UnitCommandFactory
	order     []string
}

// NewCommandRegistry returns an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		specs:     make(map[string]CommandSpec),
		factories: make(map[string]UnitCommandFactory),
	}
}

// DefaultCommandRegistry returns a registry with the standard lifecycle commands.
func DefaultCommandRegistry() *CommandRegistry {
	r := NewCommandRegistry()
	for _, e := range []struct {
		spec    CommandSpec
		factory UnitCommandFactory
	}{
		{CommandSpec{Name: CommandFetch, Description: "Download the unit's package to the orchestrating host",
			PersistentState: true, Local: true, Skippable: true, VersionSensitive: true}, newFetchCommand},
		{CommandSpec{Name: CommandInstall, Description: "Install the unit's package",
			PersistentState: true, Skippable: true, VersionSensitive: true}, nil},
		{CommandSpec{Name: CommandConfigure, Description: "Apply the unit's resolved properties",
			PersistentState: true, Skippable: true}, nil},
		{CommandSpec{Name: CommandUpgrade, Description: "Move an installed unit to its declared package version",
			PersistentState: true, Skippable: true, VersionSensitive: true}, newUpgradeCommand},
		{CommandSpec{Name: CommandStart, Description: "Start the unit"}, nil},
		{CommandSpec{Name: CommandStop, Description: "Stop the unit", Reverse: true}, nil},
		{CommandSpec{Name: CommandStatus, Description: "Report the unit's status", BestEffort: true}, nil},
		{CommandSpec{Name: CommandUninstall, Description: "Remove the unit's package",
			Reverse: true, ResetsState: true}, nil},
		{CommandSpec{Name: CommandPurge, Description: "Remove the unit and all of its data",
			Reverse: true, BestEffort: true, ResetsState: true}, nil},
	} {
		if err := r.Register(e.spec, e.factory); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a command. A nil factory uses the generic lifecycle command.
func (r *CommandRegistry) Register(spec CommandSpec, factory UnitCommandFactory) error {
	if spec.Name == "" {
		return NewPermanentError("command name is required", nil).WithCode(ErrCodeValidation)
	}
	if _, exists := r.specs[spec.Name]; exists {
		return NewPermanentError("command already registered", nil).
			WithCommand(spec.Name).WithCode(ErrCodeValidation)
	}
	if spec.Skippable && !spec.PersistentState {
		return NewPermanentError("a skippable command must keep persistent state", nil).
			WithCommand(spec.Name).WithCode(ErrCodeValidation)
	}
	if factory == nil {
		factory = newLifecycleCommand
	}
	r.specs[spec.Name] = spec
	r.factories[spec.Name] = factory
	r.order = append(r.order, spec.Name)
	return nil
}

// Lookup returns the spec of a registered command.
func (r *CommandRegistry) Lookup(name string) (CommandSpec, error) {
	spec, ok := r.specs[name]
	if !ok {
		err := NewPermanentError("unknown command", nil).WithCommand(name).WithCode(ErrCodeUnknownCommand)
		if s := model.Suggest(name, r.order); s != "" {
			err.WithDetail("suggestion", s)
			err.Message = fmt.Sprintf("unknown command, did you mean %q?", s)
		}
		return CommandSpec{}, err
	}
	return spec, nil
}

// Specs returns registered specs in registration order.
func (r *CommandRegistry) Specs() []CommandSpec {
	out := make([]CommandSpec, len(r.order))
	for i, name := range r.order {
		out[i] = r.specs[name]
	}
	return out
}

// Names returns registered command names in registration order.
func (r *CommandRegistry) Names() []string {
	return append([]string(nil), r.order...)
}

// UnitCommand builds the per-verb command implementation.
func (r *CommandRegistry) UnitCommand(name string, env CommandEnv) (UnitCommand, error) {
	spec, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if env.Dispatcher == nil {
		return nil, NewPermanentError("no dispatcher configured", nil).
			WithCommand(name).WithCode(ErrCodeDispatcherMissing)
	}
	return r.factories[name](spec, env), nil
}

// lifecycleCommand writes the properties file and hands the unit to the dispatcher.
type lifecycleCommand struct {
	spec CommandSpec
	env  CommandEnv
}

func newLifecycleCommand(spec CommandSpec, env CommandEnv) UnitCommand {
	return &lifecycleCommand{spec: spec, env: env}
}

func (c *lifecycleCommand) Verb() string     { return c.spec.Name }
func (c *lifecycleCommand) AllowsSkip() bool { return c.spec.Skippable }
func (c *lifecycleCommand) IsLocal() bool    { return c.spec.Local }

func (c *lifecycleCommand) DoExecute(ctx context.Context, uc *UnitContext) (*DispatchResult, error) {
	return c.dispatch(ctx, uc, nil)
}

func (c *lifecycleCommand) dispatch(ctx context.Context, uc *UnitContext, extraEnv map[string]string) (*DispatchResult, error) {
	if err := properties.WriteFile(uc.PropertiesFile, uc.Properties, uc.KeyFilter); err != nil {
		return nil, fmt.Errorf("failed to write properties file: %w", err)
	}

	req := &DispatchRequest{
		RunID:          uc.RunID,
		Deployment:     uc.Deployment,
		Command:        c.spec.Name,
		Unit:           uc.Unit,
		Host:           uc.Host,
		Local:          c.spec.Local || !uc.Unit.IsRemote(),
		PropertiesFile: uc.PropertiesFile,
		Properties:     uc.Properties,
		Env:            commandEnv(uc, c.spec.Name),
	}
	for k, v := range extraEnv {
		req.Env[k] = v
	}

	result, err := c.env.Dispatcher.Dispatch(ctx, req)
	if err != nil {
		return result, err
	}
	if result == nil {
		result = &DispatchResult{}
	}
	return result, nil
}

func commandEnv(uc *UnitContext, command string) map[string]string {
	env := map[string]string{
		"DEPLOYER_RUN_ID":          uc.RunID,
		"DEPLOYER_DEPLOYMENT":      uc.Deployment.String(),
		"DEPLOYER_UNIT":            uc.Unit.ID.String(),
		"DEPLOYER_COMMAND":         command,
		"DEPLOYER_PROPERTIES_FILE": uc.PropertiesFile,
	}
	if pkg := uc.Unit.Package; pkg != nil {
		env["DEPLOYER_PACKAGE_ID"] = pkg.ID.String()
		env["DEPLOYER_PACKAGE_VERSION"] = pkg.CanonicalVersion()
		if pkg.Source != "" {
			env["DEPLOYER_PACKAGE_SOURCE"] = pkg.Source
		}
	}
	if uc.Host != nil {
		env["DEPLOYER_HOST"] = uc.Host.ID.String()
	}
	return env
}

// fetchCommand downloads a package; units without a package source have nothing to fetch.
type fetchCommand struct {
	lifecycleCommand
}

func newFetchCommand(spec CommandSpec, env CommandEnv) UnitCommand {
	return &fetchCommand{lifecycleCommand{spec: spec, env: env}}
}

func (c *fetchCommand) DoExecute(ctx context.Context, uc *UnitContext) (*DispatchResult, error) {
	pkg := uc.Unit.Package
	if pkg == nil || pkg.Source == "" {
		return nil, fmt.Errorf("unit %s declares no package source to fetch", uc.Unit.ID)
	}
	return c.dispatch(ctx, uc, nil)
}

// upgradeCommand refuses downgrades and tells the script which version it replaces.
type upgradeCommand struct {
	lifecycleCommand
}

func newUpgradeCommand(spec CommandSpec, env CommandEnv) UnitCommand {
	return &upgradeCommand{lifecycleCommand{spec: spec, env: env}}
}

func (c *upgradeCommand) DoExecute(ctx context.Context, uc *UnitContext) (*DispatchResult, error) {
	pkg := uc.Unit.Package
	if !pkg.Pinned() {
		return nil, fmt.Errorf("unit %s has no pinned package version to upgrade to", uc.Unit.ID)
	}

	current, err := c.installedVersion(ctx, uc)
	if err != nil {
		return nil, err
	}

	extra := map[string]string{}
	if current != "" {
		newer, err := model.IsUpgrade(current, pkg.Version)
		if err != nil {
			return nil, err
		}
		if !newer && !model.SameVersion(current, pkg.Version) {
			return nil, fmt.Errorf("refusing to downgrade %s from %s to %s", uc.Unit.ID, current, pkg.Version)
		}
		extra["DEPLOYER_PREVIOUS_VERSION"] = current
	}
	return c.dispatch(ctx, uc, extra)
}

// installedVersion returns the version of the latest successful upgrade or install.
// A running or failed upgrade record still carries the version it last succeeded with.
func (c *upgradeCommand) installedVersion(ctx context.Context, uc *UnitContext) (string, error) {
	if c.env.State == nil {
		return "", nil
	}
	for _, command := range []string{CommandUpgrade, CommandInstall} {
		rec, err := c.env.State.GetExecution(ctx, uc.Deployment.String(), uc.Unit.ID.String(), command)
		if errors.Is(err, stores.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s state: %w", command, err)
		}
		if rec.SucceededVersion != "" {
			return rec.SucceededVersion, nil
		}
	}
	return "", nil
}
