package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/deployer/pkg/graph"
	"github.com/openfroyo/deployer/pkg/ids"
	"github.com/openfroyo/deployer/pkg/model"
	"github.com/openfroyo/deployer/pkg/properties"
)

// ErrorClass represents the classification of an error for reporting and retry decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, an unreachable agent.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates another orchestration holds the deployment.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassCancelled indicates the caller cancelled the run.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid profile, cyclic bindings, a failing unit script.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	Deployment string `json:"deployment,omitempty"`
	Unit       string `json:"unit,omitempty"`
	Command    string `json:"command,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	ctx := ""
	switch {
	case e.Unit != "" && e.Command != "":
		ctx = fmt.Sprintf(" (unit=%s, command=%s)", e.Unit, e.Command)
	case e.Command != "":
		ctx = fmt.Sprintf(" (command=%s)", e.Command)
	case e.Unit != "":
		ctx = fmt.Sprintf(" (unit=%s)", e.Unit)
	}
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, ctx)
	}
	return fmt.Sprintf("[%s] %s%s: %v", e.Class, e.Message, ctx, e.Err)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithUnit adds unit context to an error.
func (e *EngineError) WithUnit(unit ids.UnitID) *EngineError {
	e.Unit = unit.String()
	return e
}

// WithCommand adds command context to an error.
func (e *EngineError) WithCommand(command string) *EngineError {
	e.Command = command
	return e
}

// WithDeployment adds deployment context to an error.
func (e *EngineError) WithDeployment(deployment ids.DeploymentID) *EngineError {
	e.Deployment = deployment.String()
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return ClassOf(err) == ErrorClassTransient
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return ClassOf(err) == ErrorClassPermanent
}

// ClassOf classifies any error produced while planning or executing a command.
// Unclassified errors are permanent; nil has no class.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Class
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

// CodeOf returns the error code for metrics and CLI exit reporting.
func CodeOf(err error) string {
	var (
		ee    *EngineError
		cycle *graph.CyclicDependencyError
		res   *properties.ResolutionError
		uu    *model.UnknownUnitError
		uc    *model.UnknownCapabilityError
		ce    *CommandExecutionError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ee) && ee.Code != "":
		return ee.Code
	case errors.As(err, &cycle):
		return ErrCodeCyclicDependency
	case errors.As(err, &res):
		return ErrCodeResolution
	case errors.As(err, &uu), errors.As(err, &uc):
		return ErrCodeNotFound
	case errors.As(err, &ce):
		return ErrCodeCommandFailed
	case errors.Is(err, context.Canceled):
		return ErrCodeCancelled
	default:
		return ErrCodeInternal
	}
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeUnknownCommand    = "UNKNOWN_COMMAND"
	ErrCodeUnsupported       = "UNSUPPORTED_COMMAND"
	ErrCodeCyclicDependency  = "CYCLIC_DEPENDENCY"
	ErrCodeResolution        = "RESOLUTION_ERROR"
	ErrCodeCommandFailed     = "COMMAND_FAILED"
	ErrCodeDeploymentLocked  = "DEPLOYMENT_LOCKED"
	ErrCodeDispatcherMissing = "DISPATCHER_MISSING"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// CommandExecutionError reports that a unit's command failed.
type CommandExecutionError struct {
	Deployment ids.DeploymentID
	Unit       ids.UnitID
	Command    string
	Err        error
}

func (e *CommandExecutionError) Error() string {
	return fmt.Sprintf("deployment %s: %s on unit %s failed: %v", e.Deployment, e.Command, e.Unit, e.Err)
}

func (e *CommandExecutionError) Unwrap() error {
	return e.Err
}

// SkipIneligibleError guards against skipping a command that keeps no durable state.
// Seeing one means the skip decision logic is broken.
type SkipIneligibleError struct {
	Unit    ids.UnitID
	Command string
}

func (e *SkipIneligibleError) Error() string {
	return fmt.Sprintf("internal error: %s on unit %s keeps no state and cannot be skipped", e.Command, e.Unit)
}
