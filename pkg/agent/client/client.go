// Package client drives a deploy agent on a remote host.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/agent/protocol"
	"github.com/openfroyo/deployer/pkg/transports/ssh"
)

// DefaultRemotePath is where the agent binary is uploaded when no path is configured.
const DefaultRemotePath = "/tmp/deploy-agent"

// ErrClosed is returned for calls on a closed client.
var ErrClosed = errors.New("agent client is closed")

// Transport is the part of ssh.Transport the client needs.
type Transport interface {
	Upload(ctx context.Context, localPath, remotePath string, mode uint32) error
	StartProcess(ctx context.Context, cmd string) (*ssh.Process, error)
	Remove(ctx context.Context, remotePath string) error
}

// Config contains client configuration options.
type Config struct {
	Transport Transport

	// AgentPath is the local agent binary. Empty means the agent is preinstalled at RemotePath.
	AgentPath  string
	RemotePath string

	StartupTimeout time.Duration
	Logger         zerolog.Logger

	// OnEvent receives EVENT messages while a command runs.
	OnEvent func(*protocol.EventMessage)
}

// CommandError is an ERROR reply from the agent.
type CommandError struct {
	protocol.ErrorMessage
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("agent command %s failed: %s - %s", e.CommandID, e.Code, e.Message)
}

type inbound struct {
	msg *protocol.Message
	err error
}

// Client manages one agent process. Commands are executed one at a time.
type Client struct {
	cfg     Config
	logger  zerolog.Logger
	encoder *protocol.Encoder
	proc    *ssh.Process
	msgs    chan inbound
	stop    chan struct{}
	stopped sync.Once
	ready   *protocol.ReadyMessage
	exit    *protocol.ExitMessage

	mu     sync.Mutex
	closed bool
	broken error
}

// New validates cfg and returns an unstarted client.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = DefaultRemotePath
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "agent-client").Logger(),
	}, nil
}

// Start uploads the agent when configured to, starts it and waits for READY.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.proc != nil {
		return fmt.Errorf("agent already started")
	}

	if c.cfg.AgentPath != "" {
		if err := c.cfg.Transport.Upload(ctx, c.cfg.AgentPath, c.cfg.RemotePath, 0o755); err != nil {
			return fmt.Errorf("failed to upload agent: %w", err)
		}
	}

	cmd := ssh.Quote(c.cfg.RemotePath)
	if c.cfg.AgentPath == "" {
		// preinstalled agents stay in place
		cmd = ssh.WithEnv(cmd, map[string]string{"DEPLOY_AGENT_KEEP": "1"})
	}
	proc, err := c.cfg.Transport.StartProcess(ctx, cmd)
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	c.proc = proc
	c.encoder = protocol.NewEncoder(proc.Stdin)
	c.msgs = make(chan inbound, 64)
	c.stop = make(chan struct{})
	go c.readLoop(protocol.NewDecoder(proc.Stdout))

	timer := time.NewTimer(c.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.abort(ctx.Err())
		return ctx.Err()
	case <-timer.C:
		c.abort(fmt.Errorf("startup timeout"))
		return fmt.Errorf("timeout waiting for READY message")
	case in, ok := <-c.msgs:
		if !ok || in.err != nil {
			err := streamErr(in, ok)
			c.abort(err)
			return fmt.Errorf("failed to receive READY: %w", err)
		}
		if in.msg.Type != protocol.MessageTypeReady {
			c.abort(fmt.Errorf("unexpected %s", in.msg.Type))
			return fmt.Errorf("expected READY, got %s", in.msg.Type)
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseParams(in.msg.Data, &ready); err != nil {
			c.abort(err)
			return err
		}
		c.ready = &ready
	}

	c.logger.Debug().
		Str("version", c.ready.Version).
		Str("platform", c.ready.Platform+"/"+c.ready.Arch).
		Msg("Agent ready")
	return nil
}

func (c *Client) readLoop(dec *protocol.Decoder) {
	defer close(c.msgs)
	for {
		msg, err := dec.Decode()
		select {
		case c.msgs <- inbound{msg, err}:
		case <-c.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func streamErr(in inbound, ok bool) error {
	if !ok || errors.Is(in.err, io.EOF) {
		return fmt.Errorf("agent closed the stream: %w", io.ErrUnexpectedEOF)
	}
	return in.err
}

// abort kills the agent process and marks the client unusable. Callers hold mu.
func (c *Client) abort(reason error) {
	if c.broken == nil {
		c.broken = reason
	}
	c.shutdown()
}

func (c *Client) shutdown() {
	if c.proc != nil {
		_ = c.proc.Close()
	}
	if c.stop != nil {
		c.stopped.Do(func() { close(c.stop) })
	}
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Execute sends a command and waits for its DONE or ERROR reply. Cancelling ctx kills
// the agent, since the stream can no longer be trusted.
func (c *Client) Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return nil, ErrClosed
	case c.proc == nil:
		return nil, fmt.Errorf("agent not started")
	case c.broken != nil:
		return nil, fmt.Errorf("agent connection unusable: %w", c.broken)
	}
	if !c.ready.Supports(cmd.Type) {
		return nil, fmt.Errorf("agent %s does not support %s", c.ready.Version, cmd.Type)
	}

	if err := c.encoder.EncodeRun(cmd); err != nil {
		c.abort(err)
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	for {
		var (
			in inbound
			ok bool
		)
		select {
		case <-ctx.Done():
			c.abort(ctx.Err())
			return nil, ctx.Err()
		case in, ok = <-c.msgs:
		}
		if !ok || in.err != nil {
			err := streamErr(in, ok)
			c.abort(err)
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		msg := in.msg
		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err != nil {
				c.abort(err)
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			if c.cfg.OnEvent != nil && event.CommandID == cmd.ID {
				c.cfg.OnEvent(&event)
			}

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseParams(msg.Data, &done); err != nil {
				c.abort(err)
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				c.abort(fmt.Errorf("reply out of order"))
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			return &done, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				c.abort(err)
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				c.abort(fmt.Errorf("reply out of order"))
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
			}
			return nil, &CommandError{ErrorMessage: errMsg}

		case protocol.MessageTypeExit:
			var exit protocol.ExitMessage
			_ = protocol.ParseParams(msg.Data, &exit)
			c.exit = &exit
			c.abort(fmt.Errorf("agent exited: %s", exit.Reason))
			return nil, fmt.Errorf("agent exited unexpectedly: %s", exit.Reason)

		default:
			c.abort(fmt.Errorf("unexpected %s", msg.Type))
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

// RunUnit runs a unit lifecycle script through the agent.
func (c *Client) RunUnit(ctx context.Context, params *protocol.UnitRunParams, timeout time.Duration) (*protocol.UnitRunResult, error) {
	cmd, err := protocol.NewCommand(uuid.NewString(), protocol.CommandTypeUnitRun, params)
	if err != nil {
		return nil, err
	}
	cmd.Deployment = params.Deployment
	cmd.Unit = params.Unit
	cmd.Timeout = int(timeout / time.Second)

	done, err := c.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var result protocol.UnitRunResult
	if err := protocol.ParseParams(done.Result, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Close closes the agent's stdin, waits briefly for EXIT and removes an uploaded
// binary the agent did not delete itself.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.proc == nil {
		return nil
	}

	var errs []error
	if err := c.proc.Stdin.Close(); err != nil && !errors.Is(err, io.EOF) {
		errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
	}

	if c.broken == nil {
		c.awaitExit(ctx)
	}
	c.shutdown()

	if c.cfg.AgentPath != "" && (c.exit == nil || !c.exit.SelfDeleted) {
		if err := c.cfg.Transport.Remove(ctx, c.cfg.RemotePath); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove agent: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) awaitExit(ctx context.Context) {
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.logger.Warn().Msg("Agent did not exit in time")
			return
		case in, ok := <-c.msgs:
			if !ok || in.err != nil {
				return
			}
			if in.msg.Type == protocol.MessageTypeExit {
				var exit protocol.ExitMessage
				if err := protocol.ParseParams(in.msg.Data, &exit); err == nil {
					c.exit = &exit
				}
				return
			}
		}
	}
}

// ExitInfo returns the EXIT message, if the agent sent one.
func (c *Client) ExitInfo() *protocol.ExitMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit
}
