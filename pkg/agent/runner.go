// Package agent is the deploy agent: a small static binary the orchestrator uploads
// to a remote host and drives over the agent protocol on stdin and stdout.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/agent/handlers"
	"github.com/openfroyo/deployer/pkg/agent/protocol"
)

const (
	// Version is reported in the READY message.
	Version = "1.0.0"

	// DefaultTTL bounds the lifetime of an idle or forgotten agent.
	DefaultTTL = 30 * time.Minute
)

// Exit reasons reported in the EXIT message.
const (
	ExitStdinClosed = "stdin_closed"
	ExitTTLExpired  = "ttl_expired"
	ExitCancelled   = "cancelled"
	ExitError       = "error"
)

// Runner reads commands, runs them and writes the replies.
type Runner struct {
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	logger  zerolog.Logger

	ttl        time.Duration
	selfDelete string

	commandCount int
}

// Option configures a Runner.
type Option func(*Runner)

// WithTTL sets how long the runner serves before exiting on its own.
func WithTTL(ttl time.Duration) Option {
	return func(r *Runner) { r.ttl = ttl }
}

// WithSelfDelete removes path when the runner exits.
func WithSelfDelete(path string) Option {
	return func(r *Runner) { r.selfDelete = path }
}

// WithLogger sets the diagnostics logger. It must not write to the protocol stream.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner returns a runner reading commands from in and writing replies to out.
func NewRunner(in io.Reader, out io.Writer, opts ...Option) *Runner {
	r := &Runner{
		encoder: protocol.NewEncoder(out),
		decoder: protocol.NewDecoder(in),
		logger:  zerolog.Nop(),
		ttl:     DefaultTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type decoded struct {
	cmd *protocol.CommandMessage
	err error
}

// Serve sends READY, processes commands until stdin closes, the TTL expires or ctx is
// done, and finishes with EXIT. It returns the process exit code.
func (r *Runner) Serve(ctx context.Context) int {
	if err := r.encoder.EncodeReady(r.ready()); err != nil {
		r.logger.Error().Err(err).Msg("Failed to send READY")
		return 1
	}

	ctx, cancel := context.WithTimeout(ctx, r.ttl)
	defer cancel()

	// The decoder blocks on stdin, so it runs apart from the command loop.
	next := make(chan decoded)
	go func() {
		for {
			cmd, err := r.decoder.DecodeCommand()
			select {
			case next <- decoded{cmd, err}:
			case <-ctx.Done():
				return
			}
			var invalid *protocol.InvalidCommandError
			if err != nil && !errors.As(err, &invalid) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			reason := ExitCancelled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				reason = ExitTTLExpired
			}
			return r.exit(reason, 0)

		case d := <-next:
			var invalid *protocol.InvalidCommandError
			switch {
			case d.err == nil:
				r.process(ctx, d.cmd)
			case errors.As(d.err, &invalid):
				r.sendError(invalid.ID, protocol.ErrCodeInvalidCommand, invalid.Err.Error())
			case errors.Is(d.err, io.EOF):
				return r.exit(ExitStdinClosed, 0)
			default:
				r.logger.Error().Err(d.err).Msg("Protocol error")
				r.sendError("", protocol.ErrCodeInvalidCommand, d.err.Error())
				return r.exit(ExitError, 1)
			}
		}
	}
}

func (r *Runner) ready() *protocol.ReadyMessage {
	return &protocol.ReadyMessage{
		Version:  Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps: map[string]bool{
			string(protocol.CommandTypeUnitRun):   true,
			string(protocol.CommandTypeExec):      true,
			string(protocol.CommandTypeFileWrite): true,
			string(protocol.CommandTypeFileRead):  true,
		},
		Metadata: map[string]string{"ttl": r.ttl.String()},
	}
}

func (r *Runner) process(ctx context.Context, cmd *protocol.CommandMessage) {
	r.commandCount++
	logger := r.logger.With().Str("command_id", cmd.ID).Str("type", string(cmd.Type)).Logger()

	cmdCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
		defer cancel()
	}

	eventCh := make(chan *protocol.EventMessage, 64)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for evt := range eventCh {
			if err := r.encoder.EncodeEvent(evt); err != nil {
				logger.Warn().Err(err).Msg("Failed to send event")
			}
		}
	}()

	start := time.Now()
	result, err := r.handle(cmdCtx, cmd, eventCh)
	close(eventCh)
	<-drained
	duration := time.Since(start).Seconds()

	if err != nil {
		code := protocol.ErrCodeExecFailed
		if errors.Is(err, context.DeadlineExceeded) {
			code = protocol.ErrCodeTimeout
		}
		var unsupported *unsupportedError
		if errors.As(err, &unsupported) {
			code = protocol.ErrCodeUnsupported
		}
		logger.Warn().Err(err).Str("code", code).Msg("Command failed")
		r.sendError(cmd.ID, code, err.Error())
		return
	}

	logger.Debug().Float64("duration", duration).Msg("Command done")
	if err := r.encoder.EncodeDone(&protocol.DoneMessage{CommandID: cmd.ID, Result: result, Duration: duration}); err != nil {
		logger.Error().Err(err).Msg("Failed to send DONE")
	}
}

type unsupportedError struct {
	t protocol.CommandType
}

func (e *unsupportedError) Error() string {
	return fmt.Sprintf("unsupported command type: %s", e.t)
}

func (r *Runner) handle(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (json.RawMessage, error) {
	switch cmd.Type {
	case protocol.CommandTypeUnitRun:
		var params protocol.UnitRunParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		handler := &handlers.UnitRunHandler{CommandID: cmd.ID}
		return marshal(handler.Handle(ctx, &params, eventCh))

	case protocol.CommandTypeExec:
		var params protocol.ExecParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		return marshal((&handlers.ExecHandler{}).Handle(ctx, &params, eventCh))

	case protocol.CommandTypeFileWrite:
		var params protocol.FileWriteParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		return marshal((&handlers.FileWriteHandler{}).Handle(ctx, &params, eventCh))

	case protocol.CommandTypeFileRead:
		var params protocol.FileReadParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		return marshal((&handlers.FileReadHandler{}).Handle(ctx, &params, eventCh))

	default:
		return nil, &unsupportedError{t: cmd.Type}
	}
}

func marshal[T any](v *T, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (r *Runner) sendError(commandID, code, message string) {
	err := r.encoder.EncodeError(&protocol.ErrorMessage{
		CommandID: commandID,
		Code:      code,
		Message:   message,
		Retryable: code == protocol.ErrCodeTimeout,
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to send ERROR")
	}
}

func (r *Runner) exit(reason string, exitCode int) int {
	msg := &protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: r.commandCount,
	}
	if r.selfDelete != "" {
		msg.SelfDeleted = os.Remove(r.selfDelete) == nil
	}
	if err := r.encoder.EncodeExit(msg); err != nil {
		r.logger.Debug().Err(err).Msg("Failed to send EXIT")
	}
	r.logger.Info().Str("reason", reason).Int("commands", r.commandCount).Msg("Agent exiting")
	return exitCode
}
