package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ExecutionStatus represents the state of a (unit, command) pair.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusSkipped   ExecutionStatus = "skipped"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// RunStatus represents the status of an orchestration run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// ExecutionRecord is the durable state of one command on one unit of a deployment.
type ExecutionRecord struct {
	Deployment     string          `json:"deployment"`
	Unit           string          `json:"unit"`
	Command        string          `json:"command"`
	Status         ExecutionStatus `json:"status"`
	PackageVersion string          `json:"package_version,omitempty"`
	// SucceededVersion is the package version of the last success. Later running
	// or failed writes keep it.
	SucceededVersion string    `json:"succeeded_version,omitempty"`
	RunID            string    `json:"run_id,omitempty"`
	Error            *string   `json:"error,omitempty"`
	ExecutedAt       time.Time `json:"executed_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Run represents one invocation of a command across a deployment
type Run struct {
	ID          string     `json:"id"`
	Deployment  string     `json:"deployment"`
	Command     string     `json:"command"`
	Force       bool       `json:"force"`
	Status      RunStatus  `json:"status"`
	Summary     string     `json:"summary"` // JSON blob
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// UnitExecution records what happened to one unit during a run
type UnitExecution struct {
	ID          int64           `json:"id"`
	RunID       string          `json:"run_id"`
	Unit        string          `json:"unit"`
	Command     string          `json:"command"`
	Group       int             `json:"group"`
	Status      ExecutionStatus `json:"status"`
	Error       *string         `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Unit      *string    `json:"unit,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Execution state
	UpsertExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, deployment, unit, command string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, deployment string, unit *string) ([]*ExecutionRecord, error)
	DeleteExecution(ctx context.Context, deployment, unit, command string) error
	DeleteUnitExecutions(ctx context.Context, deployment, unit string) (int64, error)

	// Run history
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	CompleteRun(ctx context.Context, id string, status RunStatus, summary string, err *string) error
	ListRuns(ctx context.Context, deployment *string, limit, offset int) ([]*Run, error)
	RecordUnitExecution(ctx context.Context, exec *UnitExecution) error
	ListUnitExecutions(ctx context.Context, runID string) ([]*UnitExecution, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
