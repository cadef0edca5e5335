package config

import (
	"fmt"
	"strings"
)

// Document is one profile source file before it is merged into a profile. Every
// field is optional in an imported document; the root document names the profile
// and the deployment.
type Document struct {
	// Profile is the profile id. It defaults to the root file name without extension.
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`

	Deployment  string `json:"deployment,omitempty" yaml:"deployment,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Imports are paths of documents merged before this one, relative to this file.
	Imports []string `json:"imports,omitempty" yaml:"imports,omitempty"`

	Definitions  []DefinitionDoc `json:"definitions,omitempty" yaml:"definitions,omitempty" validate:"dive"`
	Units        []UnitDoc       `json:"units,omitempty" yaml:"units,omitempty" validate:"dive"`
	Hosts        []HostDoc       `json:"hosts,omitempty" yaml:"hosts,omitempty" validate:"dive"`
	Bindings     []BindingDoc    `json:"bindings,omitempty" yaml:"bindings,omitempty" validate:"dive"`
	Dependencies []DependencyDoc `json:"dependencies,omitempty" yaml:"dependencies,omitempty" validate:"dive"`
	Overrides    []OverrideDoc   `json:"overrides,omitempty" yaml:"overrides,omitempty" validate:"dive"`

	// Source is the file the document was read from.
	Source string `json:"-" yaml:"-"`
}

// DefinitionDoc declares a capability definition.
type DefinitionDoc struct {
	ID          string        `json:"id" yaml:"id" validate:"required"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Properties  []PropertyDoc `json:"properties,omitempty" yaml:"properties,omitempty" validate:"dive"`
}

// PropertyDoc declares one key of a definition. A nil Default means no default.
type PropertyDoc struct {
	Key         string  `json:"key" yaml:"key" validate:"required"`
	Default     *string `json:"default,omitempty" yaml:"default,omitempty"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
}

// UnitDoc declares a unit or extends one declared in an imported document.
type UnitDoc struct {
	ID          string              `json:"id" yaml:"id" validate:"required"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	HostClass   string              `json:"host_class,omitempty" yaml:"host_class,omitempty" validate:"omitempty,oneof=local remote"`
	Host        string              `json:"host,omitempty" yaml:"host,omitempty"`
	Package     *PackageDoc         `json:"package,omitempty" yaml:"package,omitempty"`
	Provides    []CapabilityDoc     `json:"provides,omitempty" yaml:"provides,omitempty" validate:"dive"`
	Requires    []CapabilityDoc     `json:"requires,omitempty" yaml:"requires,omitempty" validate:"dive"`
	Attributes  []AttributeDoc      `json:"attributes,omitempty" yaml:"attributes,omitempty" validate:"dive"`
	Commands    []string            `json:"commands,omitempty" yaml:"commands,omitempty"`
	KeyFilters  map[string][]string `json:"key_filters,omitempty" yaml:"key_filters,omitempty"`

	// DependsOn lists units this unit runs after.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// PackageDoc names the artifact a unit installs.
type PackageDoc struct {
	ID      string `json:"id" yaml:"id" validate:"required"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Source  string `json:"source,omitempty" yaml:"source,omitempty"`
}

// CapabilityDoc is a provided or required capability. Kind selects the definition
// when it differs from the name.
type CapabilityDoc struct {
	Name string `json:"name" yaml:"name" validate:"required"`
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// AttributeDoc is a key/value assignment.
type AttributeDoc struct {
	Key         string `json:"key" yaml:"key" validate:"required"`
	Value       string `json:"value" yaml:"value"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=basic derived"`
	Policy      string `json:"policy,omitempty" yaml:"policy,omitempty" validate:"omitempty,oneof=replace add-if-absent inherit"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// HostDoc declares a remote host.
type HostDoc struct {
	ID        string            `json:"id" yaml:"id" validate:"required"`
	Address   string            `json:"address" yaml:"address" validate:"required"`
	Port      int               `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User      string            `json:"user,omitempty" yaml:"user,omitempty"`
	KeyPath   string            `json:"key_path,omitempty" yaml:"key_path,omitempty"`
	AgentPath string            `json:"agent_path,omitempty" yaml:"agent_path,omitempty"`
	Labels    map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// BindingDoc connects capabilities written as "unit/capability".
type BindingDoc struct {
	Consumer string `json:"consumer" yaml:"consumer" validate:"required"`
	Producer string `json:"producer" yaml:"producer" validate:"required"`
}

// DependencyDoc is an explicit ordering edge.
type DependencyDoc struct {
	Unit      string `json:"unit" yaml:"unit" validate:"required"`
	DependsOn string `json:"depends_on" yaml:"depends_on" validate:"required"`
}

// OverrideDoc is a profile-level attribute for a unit.
type OverrideDoc struct {
	Unit      string       `json:"unit" yaml:"unit" validate:"required"`
	Attribute AttributeDoc `json:"attribute" yaml:"attribute"`
}

// ValidationError is a problem in a profile source with its location, when known.
type ValidationError struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`

	// Path is the field path, e.g. "units.0.host_class".
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// DocumentError reports every validation problem of one source file.
type DocumentError struct {
	File   string
	Errors []ValidationError
}

func (e *DocumentError) Error() string {
	const shown = 5
	msgs := make([]string, 0, shown)
	for i, ve := range e.Errors {
		if i == shown {
			msgs = append(msgs, fmt.Sprintf("and %d more", len(e.Errors)-shown))
			break
		}
		msgs = append(msgs, ve.String())
	}
	return fmt.Sprintf("invalid profile document %s: %s", e.File, strings.Join(msgs, "; "))
}

// ImportCycleError reports documents that import each other.
type ImportCycleError struct {
	Chain []string
}

func (e *ImportCycleError) Error() string {
	return fmt.Sprintf("import cycle: %s", strings.Join(e.Chain, " -> "))
}
