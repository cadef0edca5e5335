// Package protocol defines the JSON-lines protocol spoken between the orchestrator
// and the deploy agent over an SSH session's stdin and stdout.
//
// The agent announces itself with READY, then answers every RUN with zero or more
// EVENT messages followed by exactly one DONE or ERROR. EXIT is its last message.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the agent is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeRun carries a command from the orchestrator
	MessageTypeRun MessageType = "RUN"
	// MessageTypeEvent carries output or progress while a command runs
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates the command completed
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates the command could not be carried out
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the agent is exiting
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	// CommandTypeUnitRun runs a unit lifecycle script with its properties file
	CommandTypeUnitRun CommandType = "unit.run"
	// CommandTypeExec executes a shell command
	CommandTypeExec CommandType = "exec"
	// CommandTypeFileWrite writes content to a file
	CommandTypeFileWrite CommandType = "file.write"
	// CommandTypeFileRead reads content from a file
	CommandTypeFileRead CommandType = "file.read"
)

// Error codes sent in ErrorMessage.Code.
const (
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeUnsupported    = "UNSUPPORTED_COMMAND"
	ErrCodeExecFailed     = "EXEC_FAILED"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeInit           = "INIT_FAILED"
)

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the agent is ready to receive commands.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Supports reports whether the agent advertised the command type.
func (r *ReadyMessage) Supports(ct CommandType) bool {
	return r != nil && r.Caps[string(ct)]
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID         string            `json:"id"`
	Type       CommandType       `json:"type"`
	Deployment string            `json:"deployment,omitempty"`
	Unit       string            `json:"unit,omitempty"`
	Timeout    int               `json:"timeout,omitempty"` // seconds, 0 means no deadline
	Params     json.RawMessage   `json:"params"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// EventMessage carries output or progress during command execution.
type EventMessage struct {
	CommandID string            `json:"command_id"`
	Level     string            `json:"level"` // info, warn, debug
	Message   string            `json:"message"`
	Stream    string            `json:"stream,omitempty"` // stdout, stderr
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DoneMessage indicates command completion. A unit script that exits non-zero
// still produces DONE; the exit code is in the result.
type DoneMessage struct {
	CommandID string            `json:"command_id"`
	Result    json.RawMessage   `json:"result"`
	Duration  float64           `json:"duration"` // seconds
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ErrorMessage indicates an error occurred.
type ErrorMessage struct {
	CommandID string            `json:"command_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`
}

func (e *ErrorMessage) Error() string {
	return e.Code + ": " + e.Message
}

// ExitMessage is sent before the agent terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	SelfDeleted   bool   `json:"self_deleted"`
	CommandsTotal int    `json:"commands_total"`
}

// UnitRunParams runs one lifecycle command of a unit.
type UnitRunParams struct {
	Deployment     string            `json:"deployment"`
	Unit           string            `json:"unit"`
	Command        string            `json:"command"`
	Script         string            `json:"script"`
	WorkDir        string            `json:"work_dir,omitempty"`
	PropertiesFile string            `json:"properties_file"`
	Env            map[string]string `json:"env,omitempty"`

	// StateDir is exported as DEPLOYER_STATE_DIR. Regular files the script leaves
	// there are returned as artifacts.
	StateDir string `json:"state_dir,omitempty"`
}

// UnitRunResult is the outcome of a unit command.
type UnitRunResult struct {
	ExitCode  int               `json:"exit_code"`
	Output    string            `json:"output,omitempty"`
	Duration  float64           `json:"duration"`
	Artifacts map[string][]byte `json:"artifacts,omitempty"`
}

// ExecParams contains parameters for shell command execution.
type ExecParams struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	WorkDir    string            `json:"work_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Shell      string            `json:"shell,omitempty"` // defaults to /bin/sh
	CaptureOut bool              `json:"capture_out"`
	CaptureErr bool              `json:"capture_err"`
}

// ExecResult contains the result of command execution.
type ExecResult struct {
	ExitCode int     `json:"exit_code"`
	Stdout   string  `json:"stdout,omitempty"`
	Stderr   string  `json:"stderr,omitempty"`
	Duration float64 `json:"duration"`
}

// FileWriteParams contains parameters for writing a file.
type FileWriteParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"` // e.g., "0644"
	Backup  bool   `json:"backup,omitempty"`
	Create  bool   `json:"create"`
}

// FileWriteResult contains the result of file write operation.
type FileWriteResult struct {
	BytesWritten int64  `json:"bytes_written"`
	Created      bool   `json:"created"`
	BackupPath   string `json:"backup_path,omitempty"`
	Checksum     string `json:"checksum"` // SHA256
}

// FileReadParams contains parameters for reading a file.
type FileReadParams struct {
	Path      string `json:"path"`
	MaxBytes  int64  `json:"max_bytes,omitempty"`
	MissingOK bool   `json:"missing_ok,omitempty"`
}

// FileReadResult contains the result of file read operation.
type FileReadResult struct {
	Exists    bool   `json:"exists"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Mode      string `json:"mode"`
	Checksum  string `json:"checksum"` // SHA256
	Truncated bool   `json:"truncated"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeRun, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeUnitRun, CommandTypeExec, CommandTypeFileWrite, CommandTypeFileRead:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	if cmd.Type == CommandTypeUnitRun && (cmd.Deployment == "" || cmd.Unit == "") {
		return fmt.Errorf("unit commands require deployment and unit")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	switch evt.Level {
	case "info", "warn", "debug":
		return nil
	default:
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
}

// Validate checks the unit command parameters.
func (p *UnitRunParams) Validate() error {
	switch {
	case p.Script == "":
		return fmt.Errorf("script is required")
	case p.PropertiesFile == "":
		return fmt.Errorf("properties file is required")
	case p.Command == "":
		return fmt.Errorf("command is required")
	}
	return nil
}
