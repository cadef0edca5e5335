package engine

import (
	"context"

	"github.com/openfroyo/deployer/pkg/ids"
	"github.com/openfroyo/deployer/pkg/model"
	"github.com/openfroyo/deployer/pkg/stores"
)

// DispatchRequest is everything a dispatcher needs to run one unit command.
type DispatchRequest struct {
	RunID      string
	Deployment ids.DeploymentID
	Command    string

	Unit *model.Unit

	// Host is the unit's remote host, nil for local units.
	Host *model.Host

	// Local forces execution on the orchestrating host even for remote units.
	Local bool

	// PropertiesFile is the path of the properties file written for this unit and command.
	PropertiesFile string

	// Properties is the content of PropertiesFile.
	Properties map[string]string

	// Env holds DEPLOYER_* variables describing the invocation.
	Env map[string]string
}

// DispatchResult is the outcome of a successful dispatch.
type DispatchResult struct {
	// Output is the combined output of the unit command.
	Output string

	// Artifacts are state files returned by the unit command, keyed by file name.
	Artifacts map[string][]byte
}

// Dispatcher runs a unit command. It is synchronous: a nil error means the command
// succeeded, there is no partial success.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, req *DispatchRequest) (*DispatchResult, error)

// Dispatch calls f(ctx, req).
func (f DispatcherFunc) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
	return f(ctx, req)
}

// StateReader reads durable execution state.
type StateReader interface {
	GetExecution(ctx context.Context, deployment, unit, command string) (*stores.ExecutionRecord, error)
}

// StateStore is the persistence the orchestrator needs. stores.SQLiteStore implements it.
type StateStore interface {
	StateReader
	UpsertExecution(ctx context.Context, rec *stores.ExecutionRecord) error
	DeleteUnitExecutions(ctx context.Context, deployment, unit string) (int64, error)

	CreateRun(ctx context.Context, run *stores.Run) error
	CompleteRun(ctx context.Context, id string, status stores.RunStatus, summary string, err *string) error
	RecordUnitExecution(ctx context.Context, exec *stores.UnitExecution) error
	AppendEvent(ctx context.Context, event *stores.Event) error
}

var _ StateStore = (*stores.SQLiteStore)(nil)

// UnitContext describes one unit command invocation.
type UnitContext struct {
	RunID      string
	Deployment ids.DeploymentID
	Unit       *model.Unit
	Host       *model.Host

	// Properties are the unit's resolved properties.
	Properties map[string]string

	// PropertiesFile is where the properties file must be written.
	PropertiesFile string

	// KeyFilter restricts the keys written to PropertiesFile; nil writes all.
	KeyFilter []string
}

// UnitCommand is the per-verb behaviour of a lifecycle command.
type UnitCommand interface {
	// DoExecute performs the command for one unit.
	DoExecute(ctx context.Context, uc *UnitContext) (*DispatchResult, error)

	// Verb returns the command name.
	Verb() string

	// AllowsSkip reports whether a previous success may be reused.
	AllowsSkip() bool

	// IsLocal reports whether the command runs on the orchestrating host.
	IsLocal() bool
}
