// Package handlers implements the commands the deploy agent understands.
package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/openfroyo/deployer/pkg/agent/protocol"
)

// stopGrace is how long a cancelled process gets between SIGTERM and SIGKILL.
const stopGrace = 5 * time.Second

// ExecHandler handles shell command execution.
type ExecHandler struct{}

// Handle executes a shell command. A non-zero exit is reported in the result.
func (h *ExecHandler) Handle(ctx context.Context, params *protocol.ExecParams, eventCh chan<- *protocol.EventMessage) (*protocol.ExecResult, error) {
	if params.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	shell := params.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var cmd *exec.Cmd
	if len(params.Args) > 0 {
		cmd = exec.CommandContext(ctx, params.Command, params.Args...)
	} else {
		cmd = exec.CommandContext(ctx, shell, "-c", params.Command)
	}
	cmd.Dir = params.WorkDir
	cmd.Env = mergeEnv(os.Environ(), params.Env)
	terminateOnCancel(cmd)

	var stdout, stderr bytes.Buffer
	if params.CaptureOut {
		cmd.Stdout = &stdout
	}
	if params.CaptureErr {
		cmd.Stderr = &stderr
	}

	start := time.Now()
	err := cmd.Run()
	result := &protocol.ExecResult{
		Duration: time.Since(start).Seconds(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// terminateOnCancel makes a cancelled context send SIGTERM first and SIGKILL after stopGrace.
func terminateOnCancel(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = stopGrace
}

// mergeEnv appends extra to base. Later entries win for duplicate keys.
func mergeEnv(base []string, extra map[string]string) []string {
	env := make([]string, 0, len(base)+len(extra))
	env = append(env, base...)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
