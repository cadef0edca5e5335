// Package ids provides typed, immutable identifiers for the entities of a deployment profile.
//
// An identifier is a non-empty string tagged with a kind at compile time. Two identifiers
// of different kinds cannot be compared or mixed up:
//
//	unit := ids.MustParse[ids.Unit]("db")
//	cap := ids.MustParse[ids.Capability]("db")
//	unit == cap // does not compile
package ids

import (
	"cmp"
	"fmt"
	"strings"
)

// Kind is implemented by the marker types that tag an identifier.
type Kind interface {
	kindName() string
}

// Unit tags configuration unit identifiers.
type Unit struct{}

// Capability tags capability and capability definition identifiers.
type Capability struct{}

// Profile tags profile identifiers.
type Profile struct{}

// Deployment tags deployment identifiers.
type Deployment struct{}

// Package tags package identifiers.
type Package struct{}

// Host tags remote host identifiers.
type Host struct{}

func (Unit) kindName() string       { return "unit" }
func (Capability) kindName() string { return "capability" }
func (Profile) kindName() string    { return "profile" }
func (Deployment) kindName() string { return "deployment" }
func (Package) kindName() string    { return "package" }
func (Host) kindName() string       { return "host" }

// ID is an identifier of kind K. The zero value is invalid and reports IsZero.
type ID[K Kind] struct {
	value string
}

type (
	UnitID       = ID[Unit]
	CapabilityID = ID[Capability]
	ProfileID    = ID[Profile]
	DeploymentID = ID[Deployment]
	PackageID    = ID[Package]
	HostID       = ID[Host]
)

// InvalidIDError is returned when an identifier cannot be constructed.
type InvalidIDError struct {
	Kind  string
	Value string
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("invalid %s identifier %q: must not be empty", e.Kind, e.Value)
}

// Parse constructs an identifier of kind K. Empty or whitespace-only values are rejected.
func Parse[K Kind](s string) (ID[K], error) {
	if strings.TrimSpace(s) == "" {
		var k K
		return ID[K]{}, &InvalidIDError{Kind: k.kindName(), Value: s}
	}
	return ID[K]{value: s}, nil
}

// MustParse is like Parse but panics on invalid input. Intended for tests and constants.
func MustParse[K Kind](s string) ID[K] {
	id, err := Parse[K](s)
	if err != nil {
		panic(err)
	}
	return id
}

// Parse shorthands with a fixed kind.

func NewUnitID(s string) (UnitID, error)             { return Parse[Unit](s) }
func NewCapabilityID(s string) (CapabilityID, error) { return Parse[Capability](s) }
func NewProfileID(s string) (ProfileID, error)       { return Parse[Profile](s) }
func NewDeploymentID(s string) (DeploymentID, error) { return Parse[Deployment](s) }
func NewPackageID(s string) (PackageID, error)       { return Parse[Package](s) }
func NewHostID(s string) (HostID, error)             { return Parse[Host](s) }

// String returns the raw identifier value.
func (id ID[K]) String() string {
	return id.value
}

// IsZero reports whether the identifier was never constructed.
func (id ID[K]) IsZero() bool {
	return id.value == ""
}

// Kind returns the name of the identifier's kind, e.g. "unit".
func (id ID[K]) Kind() string {
	var k K
	return k.kindName()
}

// Compare orders identifiers of the same kind by their string value.
func (id ID[K]) Compare(other ID[K]) int {
	return cmp.Compare(id.value, other.value)
}

// Less reports whether id sorts before other.
func (id ID[K]) Less(other ID[K]) bool {
	return id.value < other.value
}

// MarshalText implements encoding.TextMarshaler.
func (id ID[K]) MarshalText() ([]byte, error) {
	if id.value == "" {
		return nil, &InvalidIDError{Kind: id.Kind()}
	}
	return []byte(id.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with the same validation as Parse.
func (id *ID[K]) UnmarshalText(text []byte) error {
	parsed, err := Parse[K](string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Strings converts a slice of identifiers to their raw values.
func Strings[K Kind](list []ID[K]) []string {
	out := make([]string, len(list))
	for i, id := range list {
		out[i] = id.value
	}
	return out
}

// ParseAll parses every value, failing on the first invalid one.
func ParseAll[K Kind](values []string) ([]ID[K], error) {
	out := make([]ID[K], 0, len(values))
	for _, v := range values {
		id, err := Parse[K](v)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
