package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// killGrace is how long a cancelled command gets between SIGTERM and SIGKILL.
const killGrace = 100 * time.Millisecond

// Run executes cmd on the remote host with env exported.
func (c *SSHClient) Run(ctx context.Context, cmd string, env map[string]string) (*ExecResult, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "run", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	full := WithEnv(cmd, env)
	c.logger.Debug().Str("command", cmd).Int("env", len(env)).Msg("Executing command")

	result := &ExecResult{StartedAt: time.Now()}
	done := make(chan error, 1)
	go func() { done <- session.Run(full) }()

	var (
		runErr    error
		cancelled bool
	)
	select {
	case <-ctx.Done():
		cancelled = true
		_ = session.Signal(ssh.SIGTERM)
		select {
		case runErr = <-done:
		case <-time.After(killGrace):
			_ = session.Signal(ssh.SIGKILL)
			_ = session.Close()
			runErr = <-done
		}
	case runErr = <-done:
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(runErr).
		Msg("Command completed")

	var exitErr *ssh.ExitError
	switch {
	case cancelled:
		return result, &TransportError{Op: "run", Err: ctx.Err()}
	case runErr == nil:
		return result, nil
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	default:
		return result, &TransportError{Op: "run", Err: runErr, IsTemporary: true}
	}
}

// StartProcess starts cmd with piped stdin and stdout. Stderr is discarded.
func (c *SSHClient) StartProcess(ctx context.Context, cmd string) (*Process, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: err, IsTemporary: true}
	}
	c.logger.Debug().Str("command", cmd).Msg("Process started")

	stop := context.AfterFunc(ctx, func() { _ = session.Signal(ssh.SIGTERM) })
	return &Process{
		Stdin:  stdin,
		Stdout: stdout,
		wait: func() error {
			defer stop()
			return session.Wait()
		},
		close: func() error {
			stop()
			return session.Close()
		},
	}, nil
}

// WithEnv prefixes cmd with exported variables in a stable order. Many servers
// refuse SSH environment requests, so the variables travel inside the command.
func WithEnv(cmd string, env map[string]string) string {
	if len(env) == 0 {
		return cmd
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString("env")
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(Quote(env[k]))
	}
	b.WriteByte(' ')
	b.WriteString(cmd)
	return b.String()
}

// Quote returns s as a single POSIX shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
