package model

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/openfroyo/deployer/pkg/ids"
)

// UnknownUnitError is returned when a unit id is referenced but not declared.
type UnknownUnitError struct {
	Unit       ids.UnitID
	Suggestion string
}

// NewUnknownUnitError builds the error and picks the closest known unit as a suggestion.
func NewUnknownUnitError(unit ids.UnitID, known []ids.UnitID) *UnknownUnitError {
	return &UnknownUnitError{
		Unit:       unit,
		Suggestion: Suggest(unit.String(), ids.Strings(known)),
	}
}

func (e *UnknownUnitError) Error() string {
	msg := fmt.Sprintf("unknown unit %q", e.Unit)
	if e.Suggestion != "" {
		msg += fmt.Sprintf(", did you mean %q?", e.Suggestion)
	}
	return msg
}

// UnknownCapabilityError is returned when a capability is referenced on a unit that lacks it.
type UnknownCapabilityError struct {
	Unit       ids.UnitID
	Capability ids.CapabilityID
	Direction  Direction
	Suggestion string
}

func (e *UnknownCapabilityError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "unit %q has no", e.Unit)
	if e.Direction != "" {
		fmt.Fprintf(&b, " %s", e.Direction)
	}
	fmt.Fprintf(&b, " capability %q", e.Capability)
	if e.Suggestion != "" {
		fmt.Fprintf(&b, ", did you mean %q?", e.Suggestion)
	}
	return b.String()
}

// ValidationError describes a structural problem in a profile.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Suggest returns the candidate closest to target by edit distance, or "" if none is close.
func Suggest(target string, candidates []string) string {
	best := ""
	bestDist := -1
	for _, c := range candidates {
		d := levenshtein.ComputeDistance(target, c)
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	if bestDist < 0 || bestDist == 0 {
		return ""
	}
	limit := max(2, len(target)/3)
	if bestDist > limit {
		return ""
	}
	return best
}
