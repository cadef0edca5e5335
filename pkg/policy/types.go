package policy

import (
	"fmt"
	"strings"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not block execution.
	SeverityWarning Severity = "warning"

	// SeverityError blocks execution.
	SeverityError Severity = "error"

	// SeverityCritical blocks execution.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity stop execution.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set lists violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description"`

	// Rego contains the module source. Its deny rule is queried.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	Enabled bool     `json:"enabled"`
	Tags    []string `json:"tags,omitempty"`

	// Source is the file the policy was read from; empty for built-in policies.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Builtin reports whether the policy ships with the deployer.
func (p *Policy) Builtin() bool {
	return p.Source == ""
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Unit is the unit the violation is about, if any.
	Unit string `json:"unit,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Remediation suggests a fix.
	Remediation string `json:"remediation,omitempty"`
}

func (v Violation) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: ", v.Severity, v.Policy)
	if v.Unit != "" {
		fmt.Fprintf(&b, "unit %s: ", v.Unit)
	}
	b.WriteString(v.Message)
	return b.String()
}

// Input is the document policies see as input.
type Input struct {
	// Profile is the profile in its JSON form.
	Profile interface{} `json:"profile"`

	// Command is the lifecycle command about to run, empty when only validating.
	Command string `json:"command,omitempty"`

	// Units are the units selected for the command; empty means all.
	Units []string `json:"units,omitempty"`

	Context InputContext `json:"context"`
}

// InputContext describes who is evaluating and how.
type InputContext struct {
	User      string    `json:"user,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	DryRun    bool      `json:"dry_run"`
}

// Request selects what a profile is evaluated for.
type Request struct {
	Command string
	Units   []string
	User    string
	DryRun  bool
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations are blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking findings.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors are policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Err returns a *DeniedError when the result does not allow execution.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	return &DeniedError{Violations: r.Violations}
}

// DeniedError reports the blocking violations of a policy evaluation.
type DeniedError struct {
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("denied by policy: %s", strings.Join(msgs, "; "))
}
