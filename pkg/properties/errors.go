package properties

import (
	"fmt"

	"github.com/openfroyo/deployer/pkg/ids"
)

// ResolutionError is returned when an attribute cannot be resolved.
type ResolutionError struct {
	Unit ids.UnitID
	Key  string
	// Token is the unresolved placeholder or expression, if any.
	Token string
	Err   error
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("failed to resolve %s.%s", e.Unit, e.Key)
	if e.Token != "" {
		msg += fmt.Sprintf(": unresolved reference %q", e.Token)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
