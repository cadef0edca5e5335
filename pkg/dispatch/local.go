package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/deployer/pkg/agent/handlers"
	"github.com/openfroyo/deployer/pkg/agent/protocol"
	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

// LocalDispatcher runs unit scripts on the orchestrating host with the same contract
// the deploy agent offers remotely.
type LocalDispatcher struct {
	scripts Scripts
	logger  *telemetry.Logger
}

var _ engine.Dispatcher = (*LocalDispatcher)(nil)

// NewLocalDispatcher returns a dispatcher running scripts from scripts.
func NewLocalDispatcher(scripts Scripts, logger *telemetry.Logger) *LocalDispatcher {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &LocalDispatcher{scripts: scripts, logger: logger.NewComponentLogger("dispatch.local")}
}

// Dispatch runs the unit's script for req.Command.
func (d *LocalDispatcher) Dispatch(ctx context.Context, req *engine.DispatchRequest) (*engine.DispatchResult, error) {
	unit := req.Unit.ID.String()
	script, err := d.scripts.resolveRequest(req.Unit, req.Command)
	if err != nil {
		return nil, err
	}
	if script.Kind != KindExec {
		return nil, fmt.Errorf("unit %s %s is a %s module, not a script", unit, req.Command, script.Kind)
	}

	logger := d.logger.WithRunID(req.RunID).WithDeployment(req.Deployment.String()).WithUnit(unit, req.Command)
	logger.Debug().Str("script", script.Path).Msg("Running unit script")

	events := make(chan *protocol.EventMessage, 64)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for evt := range events {
			logOutput(logger, evt)
		}
	}()

	start := time.Now()
	h := &handlers.UnitRunHandler{CommandID: req.RunID + "/" + unit}
	result, err := h.Handle(ctx, &protocol.UnitRunParams{
		Deployment:     req.Deployment.String(),
		Unit:           unit,
		Command:        req.Command,
		Script:         script.Path,
		PropertiesFile: req.PropertiesFile,
		Env:            req.Env,
		StateDir:       stateDir(req.PropertiesFile),
	}, events)
	close(events)
	<-drained
	if err != nil {
		return nil, err
	}

	logger.Debug().Int("exit_code", result.ExitCode).Dur("duration", time.Since(start)).Msg("Unit script finished")
	return unitResult(unit, req.Command, result)
}

// unitResult turns an agent result into a dispatch result or a ScriptError.
func unitResult(unit, command string, result *protocol.UnitRunResult) (*engine.DispatchResult, error) {
	res := &engine.DispatchResult{Output: result.Output, Artifacts: result.Artifacts}
	if result.ExitCode != 0 {
		return res, &ScriptError{Unit: unit, Command: command, ExitCode: result.ExitCode, Output: result.Output}
	}
	return res, nil
}

func logOutput(logger *telemetry.Logger, evt *protocol.EventMessage) {
	e := logger.Debug()
	if evt.Level == "warn" {
		e = logger.Warn()
	}
	e.Str("stream", evt.Stream).Msg(evt.Message)
}
