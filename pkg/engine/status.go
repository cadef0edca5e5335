package engine

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/deployer/pkg/stores"
)

// RunStatus represents the overall status of a command run.
type RunStatus string

const (
	// RunStatusPending indicates the run has been planned but not started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every targeted unit succeeded or was skipped.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one unit failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the caller cancelled the run.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// UnitStatus is the state of one (unit, command) pair within a run.
//
//	pending -> running -> succeeded | failed
//	pending -> skipped
//	pending -> cancelled
type UnitStatus string

const (
	UnitStatusPending   UnitStatus = "pending"
	UnitStatusRunning   UnitStatus = "running"
	UnitStatusSucceeded UnitStatus = "succeeded"
	UnitStatusFailed    UnitStatus = "failed"
	UnitStatusSkipped   UnitStatus = "skipped"
	UnitStatusCancelled UnitStatus = "cancelled"
)

// IsTerminal returns true if the unit status represents a final state.
func (s UnitStatus) IsTerminal() bool {
	return s == UnitStatusSucceeded || s == UnitStatusFailed ||
		s == UnitStatusSkipped || s == UnitStatusCancelled
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s UnitStatus) CanTransition(next UnitStatus) bool {
	switch s {
	case UnitStatusPending:
		return next == UnitStatusRunning || next == UnitStatusSkipped || next == UnitStatusCancelled
	case UnitStatusRunning:
		return next == UnitStatusSucceeded || next == UnitStatusFailed
	default:
		return false
	}
}

// Validate checks if the unit status is valid.
func (s UnitStatus) Validate() error {
	switch s {
	case UnitStatusPending, UnitStatusRunning, UnitStatusSucceeded,
		UnitStatusFailed, UnitStatusSkipped, UnitStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid unit status: %s", s)
	}
}

func (s UnitStatus) storeStatus() stores.ExecutionStatus {
	return stores.ExecutionStatus(s)
}

func (s RunStatus) storeStatus() stores.RunStatus {
	return stores.RunStatus(s)
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *UnitStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = UnitStatus(str)
	return s.Validate()
}
