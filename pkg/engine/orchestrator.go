package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/deployer/pkg/graph"
	"github.com/openfroyo/deployer/pkg/ids"
	"github.com/openfroyo/deployer/pkg/model"
	"github.com/openfroyo/deployer/pkg/properties"
	"github.com/openfroyo/deployer/pkg/stores"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

// DefaultMaxParallel bounds concurrent units within a group when nothing else is configured.
const DefaultMaxParallel = 10

// Config wires an Orchestrator.
type Config struct {
	Profile    *model.Profile
	Registry   *CommandRegistry
	Dispatcher Dispatcher
	Store      StateStore

	// SolutionDir receives properties files and the deployment lock.
	SolutionDir string

	// MaxParallel bounds concurrent units within a group.
	MaxParallel int

	// LockWait is how long Execute waits for another orchestration of the
	// deployment to finish. Zero fails immediately.
	LockWait time.Duration

	// Resolver resolves unit properties; a default resolver is used when nil.
	Resolver *properties.Resolver

	Telemetry *telemetry.Telemetry
}

// ExecuteOptions tunes one command run.
type ExecuteOptions struct {
	// Force runs units even when a previous success is recorded.
	Force bool

	// Units narrows the run to these units.
	Units []ids.UnitID

	// BestEffort attempts every unit even after failures.
	BestEffort bool

	// MaxParallel overrides Config.MaxParallel when lower and positive.
	MaxParallel int

	// UnitTimeout bounds each unit command. Zero means no limit.
	UnitTimeout time.Duration
}

// UnitResult is what happened to one unit during a run.
type UnitResult struct {
	Unit           ids.UnitID `json:"unit"`
	Group          int        `json:"group"`
	Status         UnitStatus `json:"status"`
	Reason         string     `json:"reason,omitempty"`
	Error          string     `json:"error,omitempty"`
	Output         string     `json:"output,omitempty"`
	PropertiesFile string     `json:"properties_file,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Artifacts      []string   `json:"artifacts,omitempty"`
}

// RunSummary counts unit outcomes.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// Run is the outcome of Execute.
type Run struct {
	ID          string           `json:"id"`
	Deployment  ids.DeploymentID `json:"deployment"`
	Command     string           `json:"command"`
	Force       bool             `json:"force"`
	BestEffort  bool             `json:"best_effort"`
	Status      RunStatus        `json:"status"`
	Groups      [][]ids.UnitID   `json:"groups"`
	Units       []*UnitResult    `json:"units"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`

	byUnit map[ids.UnitID]*UnitResult
}

// Result returns the outcome of one unit, nil if the unit was not targeted.
func (r *Run) Result(unit ids.UnitID) *UnitResult {
	return r.byUnit[unit]
}

// Summary counts unit outcomes.
func (r *Run) Summary() RunSummary {
	s := RunSummary{Total: len(r.Units)}
	for _, u := range r.Units {
		switch u.Status {
		case UnitStatusSucceeded:
			s.Succeeded++
		case UnitStatusFailed:
			s.Failed++
		case UnitStatusSkipped:
			s.Skipped++
		case UnitStatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Orchestrator executes lifecycle commands across a deployment.
type Orchestrator struct {
	*Planner

	props       *properties.Holder
	dispatcher  Dispatcher
	store       StateStore
	solutionDir string
	maxParallel int
	lockWait    time.Duration
	tel         *telemetry.Telemetry
	logger      *telemetry.Logger

	unitLocks sync.Map
}

// NewOrchestrator computes the dependency graph and resolves properties. Graph and
// resolution errors are returned here, before any command can run.
func NewOrchestrator(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.Profile == nil {
		return nil, NewPermanentError("profile is required", nil).WithCode(ErrCodeValidation)
	}
	if cfg.Store == nil {
		return nil, NewPermanentError("state store is required", nil).WithCode(ErrCodeValidation)
	}
	if cfg.Dispatcher == nil {
		return nil, NewPermanentError("no dispatcher configured", nil).WithCode(ErrCodeDispatcherMissing)
	}
	if cfg.SolutionDir == "" {
		return nil, NewPermanentError("solution directory is required", nil).WithCode(ErrCodeValidation)
	}
	if cfg.Registry == nil {
		cfg.Registry = DefaultCommandRegistry()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Nop()
	}
	logger := cfg.Telemetry.Logger.NewComponentLogger("orchestrator").WithDeployment(cfg.Profile.Deployment.String())
	if cfg.Resolver == nil {
		cfg.Resolver = properties.NewResolver(properties.WithLogger(logger.Zerolog()))
	}

	deps, err := graph.FromProfile(cfg.Profile)
	if err != nil {
		return nil, err
	}
	props, err := cfg.Resolver.Evaluate(ctx, cfg.Profile)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		Planner:     NewPlanner(cfg.Profile, deps, cfg.Registry, cfg.Store),
		props:       props,
		dispatcher:  cfg.Dispatcher,
		store:       cfg.Store,
		solutionDir: cfg.SolutionDir,
		maxParallel: cfg.MaxParallel,
		lockWait:    cfg.LockWait,
		tel:         cfg.Telemetry,
		logger:      logger,
	}, nil
}

// Dependencies returns the deployment's dependency graph.
func (o *Orchestrator) Dependencies() *graph.UnitDependencies { return o.deps }

// Properties returns the resolved properties.
func (o *Orchestrator) Properties() *properties.Holder { return o.props }

// PropertiesPath returns where the properties file of unit and command is written.
func (o *Orchestrator) PropertiesPath(unit ids.UnitID, command string) string {
	return filepath.Join(o.solutionDir, o.profile.Deployment.String(), unit.String(), command+".properties")
}

// Execute runs command on every targeted unit, one dependency group at a time.
//
// A failure stops the run at the next group boundary unless best-effort mode is on,
// in which case every unit is attempted and all failures are returned joined.
// Cancelling ctx stops scheduling; units already running finish.
func (o *Orchestrator) Execute(ctx context.Context, command string, opts ExecuteOptions) (*Run, error) {
	spec, err := o.registry.Lookup(command)
	if err != nil {
		return nil, err
	}
	cmd, err := o.registry.UnitCommand(command, CommandEnv{Dispatcher: o.dispatcher, State: o.store})
	if err != nil {
		return nil, err
	}
	groups, err := o.order(command, spec, opts.Units)
	if err != nil {
		return nil, err
	}

	lock, err := AcquireDeploymentLock(ctx, o.solutionDir, o.profile.Deployment, o.lockWait)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to release deployment lock")
		}
	}()

	run := o.newRun(command, opts, spec, groups)
	ctx, scope := o.tel.StartRun(ctx, run.ID, o.profile.Deployment.String(), command)
	persist := context.WithoutCancel(ctx)

	if err := o.store.CreateRun(persist, &stores.Run{
		ID:         run.ID,
		Deployment: o.profile.Deployment.String(),
		Command:    command,
		Force:      opts.Force,
		Status:     stores.RunStatusRunning,
		StartedAt:  run.StartedAt,
	}); err != nil {
		scope.End(string(RunStatusFailed), err)
		return nil, fmt.Errorf("failed to record run: %w", err)
	}
	scope.Logger.Info().
		Int("units", len(run.Units)).
		Int("groups", len(groups)).
		Bool("force", opts.Force).
		Bool("best_effort", run.BestEffort).
		Msg("Run started")

	var failures []error
	aborted := false
	for gi, group := range groups {
		if aborted || ctx.Err() != nil {
			o.cancelGroup(persist, run, group)
			continue
		}

		groupCtx, span := o.tel.Tracer.StartGroupSpan(ctx, gi, len(group))
		errs := o.runGroup(groupCtx, scope, run, spec, cmd, gi, group, opts)
		span.End()

		if len(errs) > 0 {
			failures = append(failures, errs...)
			if !run.BestEffort {
				aborted = true
			}
		}
	}

	runErr := errors.Join(failures...)
	switch {
	case run.Summary().Cancelled > 0 && ctx.Err() != nil:
		run.Status = RunStatusCancelled
		runErr = errors.Join(append(failures, &EngineError{
			Class:      ErrorClassCancelled,
			Code:       ErrCodeCancelled,
			Message:    "run cancelled",
			Deployment: o.profile.Deployment.String(),
			Command:    command,
			Err:        context.Cause(ctx),
		})...)
	case runErr != nil:
		run.Status = RunStatusFailed
	default:
		run.Status = RunStatusSucceeded
	}
	run.CompletedAt = time.Now()

	o.completeRun(persist, run, runErr)
	scope.End(string(run.Status), runErr)

	summary := run.Summary()
	scope.Logger.Info().
		Str("status", string(run.Status)).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("cancelled", summary.Cancelled).
		Dur("duration", run.CompletedAt.Sub(run.StartedAt)).
		Msg("Run finished")

	if runErr != nil {
		o.tel.Metrics.RecordError(string(ClassOf(runErr)), CodeOf(runErr))
	}
	return run, runErr
}

func (o *Orchestrator) newRun(command string, opts ExecuteOptions, spec CommandSpec, groups [][]ids.UnitID) *Run {
	run := &Run{
		ID:         uuid.NewString(),
		Deployment: o.profile.Deployment,
		Command:    command,
		Force:      opts.Force,
		BestEffort: opts.BestEffort || spec.BestEffort,
		Status:     RunStatusRunning,
		Groups:     groups,
		StartedAt:  time.Now(),
		byUnit:     make(map[ids.UnitID]*UnitResult),
	}
	for gi, group := range groups {
		for _, id := range group {
			res := &UnitResult{Unit: id, Group: gi, Status: UnitStatusPending}
			run.Units = append(run.Units, res)
			run.byUnit[id] = res
		}
	}
	return run
}

// runGroup runs one group with bounded parallelism and returns its failures in group order.
func (o *Orchestrator) runGroup(
	ctx context.Context,
	scope *telemetry.RunScope,
	run *Run,
	spec CommandSpec,
	cmd UnitCommand,
	gi int,
	group []ids.UnitID,
	opts ExecuteOptions,
) []error {
	limit := o.maxParallel
	if opts.MaxParallel > 0 && opts.MaxParallel < limit {
		limit = opts.MaxParallel
	}

	errs := make([]error, len(group))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range group {
		g.Go(func() error {
			errs[i] = o.runUnit(ctx, scope, run, spec, cmd, gi, id, opts)
			return nil
		})
	}
	_ = g.Wait()

	var failures []error
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err)
		}
	}
	return failures
}

// runUnit drives one unit through the state machine. It returns a
// *CommandExecutionError when the unit fails.
func (o *Orchestrator) runUnit(
	ctx context.Context,
	scope *telemetry.RunScope,
	run *Run,
	spec CommandSpec,
	cmd UnitCommand,
	gi int,
	id ids.UnitID,
	opts ExecuteOptions,
) error {
	res := run.Result(id)
	persist := context.WithoutCancel(ctx)

	if ctx.Err() != nil {
		o.cancelUnit(persist, run, res)
		return nil
	}

	mu := o.unitLock(id)
	mu.Lock()
	defer mu.Unlock()

	u, _ := o.profile.Unit(id)
	host := o.hostOf(u)
	hostName := ""
	if host != nil && !cmd.IsLocal() {
		hostName = host.ID.String()
	}

	unitCtx, us := scope.StartUnit(ctx, id.String(), hostName)
	logger := us.Logger

	fail := func(err error, started *time.Time) error {
		execErr := &CommandExecutionError{
			Deployment: o.profile.Deployment,
			Unit:       id,
			Command:    spec.Name,
			Err:        err,
		}
		now := time.Now()
		res.Status = UnitStatusFailed
		res.Error = err.Error()
		res.StartedAt = started
		res.CompletedAt = &now
		us.End(string(UnitStatusFailed), err)
		logger.Error().Err(err).Msg("Unit failed")

		if spec.PersistentState {
			msg := err.Error()
			if perr := o.persistState(persist, id, spec.Name, stores.ExecutionStatusFailed, u, run.ID, &msg); perr != nil {
				logger.Error().Err(perr).Msg("Failed to persist execution state")
			}
		}
		o.recordUnit(persist, run, res)
		o.event(persist, run.ID, &id, stores.EventLevelError, execErr.Error())
		return execErr
	}

	skip, reason, err := o.skipDecision(persist, spec, cmd.AllowsSkip(), u, opts.Force)
	if err != nil {
		return fail(err, nil)
	}
	res.Reason = reason
	if skip {
		if !spec.PersistentState {
			return fail(&SkipIneligibleError{Unit: id, Command: spec.Name}, nil)
		}
		res.Status = UnitStatusSkipped
		us.Skipped()
		logger.Info().Str("reason", reason).Msg("Unit skipped")
		o.recordUnit(persist, run, res)
		return nil
	}

	started := time.Now()
	res.Status = UnitStatusRunning
	res.StartedAt = &started
	res.PropertiesFile = o.PropertiesPath(id, spec.Name)
	logger.Info().Str("reason", reason).Msg("Unit started")

	if spec.PersistentState {
		if err := o.persistState(persist, id, spec.Name, stores.ExecutionStatusRunning, u, run.ID, nil); err != nil {
			return fail(err, &started)
		}
	}

	// Running units are not interrupted by cancellation of the run.
	execCtx := context.WithoutCancel(unitCtx)
	if opts.UnitTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, opts.UnitTimeout)
		defer cancel()
	}

	result, err := cmd.DoExecute(execCtx, &UnitContext{
		RunID:          run.ID,
		Deployment:     o.profile.Deployment,
		Unit:           u,
		Host:           host,
		Properties:     o.props.UnitProperties(id),
		PropertiesFile: res.PropertiesFile,
		KeyFilter:      u.KeyFilter(spec.Name),
	})
	o.tel.Metrics.RecordDispatch(dispatcherLabel(cmd, u), err)
	if result != nil {
		res.Output = result.Output
		for name := range result.Artifacts {
			res.Artifacts = append(res.Artifacts, name)
		}
		slices.Sort(res.Artifacts)
	}
	if err != nil {
		return fail(err, &started)
	}

	// A unit succeeds only once its state is durable.
	switch {
	case spec.ResetsState:
		n, err := o.store.DeleteUnitExecutions(persist, o.profile.Deployment.String(), id.String())
		if err != nil {
			return fail(fmt.Errorf("failed to reset execution state: %w", err), &started)
		}
		logger.Debug().Int64("records", n).Msg("Execution state reset")
	case spec.PersistentState:
		if err := o.persistState(persist, id, spec.Name, stores.ExecutionStatusSucceeded, u, run.ID, nil); err != nil {
			return fail(err, &started)
		}
	}

	completed := time.Now()
	res.Status = UnitStatusSucceeded
	res.CompletedAt = &completed
	us.End(string(UnitStatusSucceeded), nil)
	logger.Info().Dur("duration", completed.Sub(started)).Msg("Unit succeeded")
	o.recordUnit(persist, run, res)
	return nil
}

func (o *Orchestrator) unitLock(id ids.UnitID) *sync.Mutex {
	mu, _ := o.unitLocks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (o *Orchestrator) hostOf(u *model.Unit) *model.Host {
	if !u.IsRemote() {
		return nil
	}
	h, _ := o.profile.Host(u.Host)
	return h
}

func dispatcherLabel(cmd UnitCommand, u *model.Unit) string {
	if cmd.IsLocal() || !u.IsRemote() {
		return "local"
	}
	return "remote"
}

func (o *Orchestrator) persistState(ctx context.Context, id ids.UnitID, command string, status stores.ExecutionStatus, u *model.Unit, runID string, errMsg *string) error {
	rec := &stores.ExecutionRecord{
		Deployment:     o.profile.Deployment.String(),
		Unit:           id.String(),
		Command:        command,
		Status:         status,
		PackageVersion: u.Package.CanonicalVersion(),
		RunID:          runID,
		Error:          errMsg,
		ExecutedAt:     time.Now(),
	}
	if err := o.store.UpsertExecution(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist %s execution state: %w", status, err)
	}
	return nil
}

func (o *Orchestrator) cancelGroup(ctx context.Context, run *Run, group []ids.UnitID) {
	for _, id := range group {
		o.cancelUnit(ctx, run, run.Result(id))
	}
}

func (o *Orchestrator) cancelUnit(ctx context.Context, run *Run, res *UnitResult) {
	res.Status = UnitStatusCancelled
	res.Reason = "not started"
	o.recordUnit(ctx, run, res)
}

func (o *Orchestrator) recordUnit(ctx context.Context, run *Run, res *UnitResult) {
	exec := &stores.UnitExecution{
		RunID:       run.ID,
		Unit:        res.Unit.String(),
		Command:     run.Command,
		Group:       res.Group,
		Status:      res.Status.storeStatus(),
		StartedAt:   res.StartedAt,
		CompletedAt: res.CompletedAt,
	}
	if res.Error != "" {
		exec.Error = &res.Error
	}
	if err := o.store.RecordUnitExecution(ctx, exec); err != nil {
		o.logger.Warn().Err(err).Str("unit", res.Unit.String()).Msg("Failed to record unit execution")
	}
}

func (o *Orchestrator) event(ctx context.Context, runID string, unit *ids.UnitID, level stores.EventLevel, msg string) {
	e := &stores.Event{RunID: &runID, Level: level, Message: msg}
	if unit != nil {
		u := unit.String()
		e.Unit = &u
	}
	if err := o.store.AppendEvent(ctx, e); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to append event")
	}
}

func (o *Orchestrator) completeRun(ctx context.Context, run *Run, runErr error) {
	summary, err := json.Marshal(run.Summary())
	if err != nil {
		summary = []byte("{}")
	}
	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}
	if err := o.store.CompleteRun(ctx, run.ID, run.Status.storeStatus(), string(summary), errMsg); err != nil {
		o.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to complete run")
	}
	level := stores.EventLevelInfo
	if run.Status != RunStatusSucceeded {
		level = stores.EventLevelError
	}
	o.event(ctx, run.ID, nil, level, fmt.Sprintf("%s %s: %s", run.Command, run.Deployment, run.Status))
}
