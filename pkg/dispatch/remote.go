package dispatch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path"
	"sync"
	"time"

	"github.com/openfroyo/deployer/pkg/agent/client"
	"github.com/openfroyo/deployer/pkg/agent/protocol"
	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/model"
	"github.com/openfroyo/deployer/pkg/telemetry"
	"github.com/openfroyo/deployer/pkg/transports/ssh"
)

// DefaultRemoteRoot is the directory on remote hosts that receives scripts,
// properties files and state.
const DefaultRemoteRoot = "/var/tmp/deployer"

// Connector opens a connected transport to a host.
type Connector func(ctx context.Context, host *model.Host) (ssh.Transport, error)

// SSHConnector connects with base settings overridden by the host's address, port,
// user and key.
func SSHConnector(base *ssh.Config, logger *telemetry.Logger) Connector {
	return func(ctx context.Context, host *model.Host) (ssh.Transport, error) {
		cfg := ssh.FromHost(host, base)
		c, err := ssh.NewSSHClient(cfg, ssh.WithLogger(logger.Zerolog()))
		if err != nil {
			return nil, err
		}
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// RemoteConfig configures a RemoteDispatcher.
type RemoteConfig struct {
	Scripts Scripts
	Connect Connector

	// AgentPath is the local deploy agent binary uploaded to hosts that do not
	// declare a preinstalled agent. Without either, scripts run over plain SSH and
	// return no artifacts.
	AgentPath string

	RemoteRoot string

	// CommandTimeout bounds each remote command. Zero leaves it to the caller's context.
	CommandTimeout time.Duration

	Logger *telemetry.Logger
}

// RemoteDispatcher runs unit commands on remote hosts. Commands for one host run one
// at a time; different hosts run in parallel.
type RemoteDispatcher struct {
	cfg    RemoteConfig
	logger *telemetry.Logger

	mu    sync.Mutex
	hosts map[string]*remoteHost
}

type remoteHost struct {
	mu        sync.Mutex
	host      *model.Host
	transport ssh.Transport
	agent     *client.Client
}

var _ engine.Dispatcher = (*RemoteDispatcher)(nil)

// NewRemoteDispatcher validates cfg and returns a dispatcher. Connections are opened
// on first use.
func NewRemoteDispatcher(cfg RemoteConfig) (*RemoteDispatcher, error) {
	if cfg.Connect == nil {
		return nil, fmt.Errorf("a connector is required")
	}
	if cfg.RemoteRoot == "" {
		cfg.RemoteRoot = DefaultRemoteRoot
	}
	if !path.IsAbs(cfg.RemoteRoot) {
		return nil, fmt.Errorf("remote root %q must be absolute", cfg.RemoteRoot)
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	return &RemoteDispatcher{
		cfg:    cfg,
		logger: cfg.Logger.NewComponentLogger("dispatch.remote"),
		hosts:  make(map[string]*remoteHost),
	}, nil
}

// Dispatch uploads the unit script and properties file to the unit's host and runs
// the script there.
func (d *RemoteDispatcher) Dispatch(ctx context.Context, req *engine.DispatchRequest) (*engine.DispatchResult, error) {
	if req.Host == nil {
		return nil, fmt.Errorf("unit %s has no remote host", req.Unit.ID)
	}
	unit := req.Unit.ID.String()

	script, err := d.cfg.Scripts.resolveRequest(req.Unit, req.Command)
	if err != nil {
		return nil, err
	}
	if script.Kind != KindExec {
		return nil, fmt.Errorf("unit %s %s: %s modules run only on the orchestrating host", unit, req.Command, script.Kind)
	}
	props, err := os.ReadFile(req.PropertiesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read properties file: %w", err)
	}

	if d.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.CommandTimeout)
		defer cancel()
	}

	h, err := d.host(ctx, req.Host)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	dir := path.Join(d.cfg.RemoteRoot, req.Deployment.String(), unit)
	remoteScript := path.Join(dir, "bin", req.Command)
	remoteProps := path.Join(dir, req.Command+".properties")
	remoteState := path.Join(dir, "state")

	logger := d.logger.WithRunID(req.RunID).WithDeployment(req.Deployment.String()).WithUnit(unit, req.Command).
		WithField("host", req.Host.ID.String())

	if err := h.transport.Upload(ctx, script.Path, remoteScript, 0o755); err != nil {
		return nil, fmt.Errorf("failed to upload unit script: %w", err)
	}
	if err := h.transport.WriteFile(ctx, remoteProps, props, 0o600); err != nil {
		return nil, fmt.Errorf("failed to upload properties file: %w", err)
	}

	env := maps.Clone(req.Env)
	if env == nil {
		env = make(map[string]string)
	}
	env["DEPLOYER_PROPERTIES_FILE"] = remoteProps

	if d.useAgent(req.Host) {
		return d.runWithAgent(ctx, h, logger, &protocol.UnitRunParams{
			Deployment:     req.Deployment.String(),
			Unit:           unit,
			Command:        req.Command,
			Script:         remoteScript,
			WorkDir:        dir,
			PropertiesFile: remoteProps,
			Env:            env,
			StateDir:       remoteState,
		})
	}
	return d.runDirect(ctx, h, logger, unit, req.Command, remoteScript, remoteState, env)
}

func (d *RemoteDispatcher) useAgent(host *model.Host) bool {
	return host.AgentPath != "" || d.cfg.AgentPath != ""
}

func (d *RemoteDispatcher) runWithAgent(ctx context.Context, h *remoteHost, logger *telemetry.Logger, params *protocol.UnitRunParams) (*engine.DispatchResult, error) {
	agent, err := d.agent(ctx, h, logger)
	if err != nil {
		return nil, err
	}

	result, err := agent.RunUnit(ctx, params, d.cfg.CommandTimeout)
	if err != nil {
		var cmdErr *client.CommandError
		if !errors.As(err, &cmdErr) {
			// the stream is gone; the next command starts a fresh agent
			_ = agent.Close(context.WithoutCancel(ctx))
			h.agent = nil
		}
		return nil, err
	}
	logger.Debug().Int("exit_code", result.ExitCode).Float64("duration", result.Duration).Msg("Remote unit command finished")
	return unitResult(params.Unit, params.Command, result)
}

// runDirect runs the script over a plain SSH session.
func (d *RemoteDispatcher) runDirect(ctx context.Context, h *remoteHost, logger *telemetry.Logger, unit, command, script, state string, env map[string]string) (*engine.DispatchResult, error) {
	// WriteFile creates the state directory on the way
	if err := h.transport.WriteFile(ctx, path.Join(state, ".keep"), nil, 0o644); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	env["DEPLOYER_STATE_DIR"] = state

	res, err := h.transport.Run(ctx, ssh.Quote(script), env)
	if err != nil {
		return nil, err
	}
	output := res.Stdout + res.Stderr
	logger.Debug().Int("exit_code", res.ExitCode).Dur("duration", res.Duration).Msg("Remote unit command finished")
	return unitResult(unit, command, &protocol.UnitRunResult{ExitCode: res.ExitCode, Output: output})
}

// host returns the connection state for a host, connecting on first use.
func (d *RemoteDispatcher) host(ctx context.Context, host *model.Host) (*remoteHost, error) {
	key := host.ID.String()

	d.mu.Lock()
	h, ok := d.hosts[key]
	if !ok {
		h = &remoteHost{host: host}
		d.hosts[key] = h
	}
	d.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.transport != nil && h.transport.IsConnected() {
		return h, nil
	}

	d.logger.Debug().Str("host", key).Str("address", host.Address).Msg("Connecting to host")
	t, err := d.cfg.Connect(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to host %s: %w", key, err)
	}
	h.transport = t
	h.agent = nil
	return h, nil
}

// agent returns the host's running agent, starting one if needed. Callers hold h.mu.
func (d *RemoteDispatcher) agent(ctx context.Context, h *remoteHost, logger *telemetry.Logger) (*client.Client, error) {
	if h.agent != nil {
		return h.agent, nil
	}

	cfg := client.Config{
		Transport: h.transport,
		Logger:    logger.Zerolog(),
		OnEvent:   func(evt *protocol.EventMessage) { logOutput(logger, evt) },
	}
	if h.host.AgentPath != "" {
		cfg.RemotePath = h.host.AgentPath
	} else {
		cfg.AgentPath = d.cfg.AgentPath
		cfg.RemotePath = path.Join(d.cfg.RemoteRoot, "bin", "deploy-agent")
	}

	c, err := client.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to start deploy agent on %s: %w", h.host.ID, err)
	}
	h.agent = c
	return c, nil
}

// Close stops every agent and disconnects from every host.
func (d *RemoteDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	hosts := make([]*remoteHost, 0, len(d.hosts))
	for _, h := range d.hosts {
		hosts = append(hosts, h)
	}
	d.hosts = make(map[string]*remoteHost)
	d.mu.Unlock()

	var errs []error
	for _, h := range hosts {
		h.mu.Lock()
		if h.agent != nil {
			if err := h.agent.Close(ctx); err != nil {
				errs = append(errs, err)
			}
			h.agent = nil
		}
		if h.transport != nil {
			if err := h.transport.Disconnect(); err != nil {
				errs = append(errs, err)
			}
		}
		h.mu.Unlock()
	}
	return errors.Join(errs...)
}
