// Package ssh connects the orchestrator to remote hosts. It runs unit commands,
// starts the deploy agent and moves files over SFTP.
package ssh

import (
	"context"
	"errors"
	"io"
	"time"
)

// Transport is what remote dispatch needs from a connection to one host.
type Transport interface {
	// Connect establishes the connection. Calling it on a live connection is a no-op.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and releases all resources.
	Disconnect() error

	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// Run executes cmd with env exported. A non-zero exit status is not an error;
	// it is reported in ExecResult.ExitCode.
	Run(ctx context.Context, cmd string, env map[string]string) (*ExecResult, error)

	// StartProcess starts cmd with its stdin and stdout connected to the caller.
	StartProcess(ctx context.Context, cmd string) (*Process, error)

	// Upload copies a local file to remotePath through a temporary file and a rename.
	Upload(ctx context.Context, localPath, remotePath string, mode uint32) error

	// WriteFile writes data to remotePath through a temporary file and a rename.
	WriteFile(ctx context.Context, remotePath string, data []byte, mode uint32) error

	// ReadFile reads a remote file. A missing file yields an error wrapping fs.ErrNotExist.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)

	// Remove deletes a remote file. Removing a missing file is not an error.
	Remove(ctx context.Context, remotePath string) error

	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
	ViaProxy     bool
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// Process is a remote command with piped stdin and stdout.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.Reader

	wait  func() error
	close func() error
}

// NewProcess wraps already connected pipes. Transports other than SSHClient and test
// doubles use it.
func NewProcess(stdin io.WriteCloser, stdout io.Reader, wait, close func() error) *Process {
	return &Process{Stdin: stdin, Stdout: stdout, wait: wait, close: close}
}

// Wait blocks until the remote command exits.
func (p *Process) Wait() error {
	return p.wait()
}

// Close closes the process session. The remote command gets SIGHUP if still running.
func (p *Process) Close() error {
	return p.close()
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "run", "upload")
	Op string

	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTemporary reports whether err is a transport error worth retrying.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}
