package model

import (
	"errors"
	"fmt"

	"github.com/openfroyo/deployer/pkg/ids"
)

// ProfileBuilder assembles a Profile from one or more layers.
//
// Adding a unit or definition that already exists merges into it: attributes and
// overrides are appended so later layers win under the usual overwrite rules,
// capabilities and commands are added when missing, and scalar fields are replaced
// when the later layer sets them.
type ProfileBuilder struct {
	profile *Profile
	errs    []error
}

// NewProfileBuilder starts a profile for the given deployment.
func NewProfileBuilder(id ids.ProfileID, deployment ids.DeploymentID) *ProfileBuilder {
	return &ProfileBuilder{
		profile: &Profile{ID: id, Deployment: deployment},
	}
}

// Describe sets the profile description.
func (b *ProfileBuilder) Describe(description string) *ProfileBuilder {
	if description != "" {
		b.profile.Description = description
	}
	return b
}

// AddDefinition adds or merges a capability definition.
func (b *ProfileBuilder) AddDefinition(def *CapabilityDefinition) *ProfileBuilder {
	existing, ok := b.profile.Definition(def.ID)
	if !ok {
		cp := *def
		cp.Properties = append([]PropertyDefinition(nil), def.Properties...)
		b.profile.Definitions = append(b.profile.Definitions, &cp)
		return b
	}

	if def.Description != "" {
		existing.Description = def.Description
	}
	for _, prop := range def.Properties {
		prev, found := existing.Property(prop.Key)
		if !found {
			existing.Properties = append(existing.Properties, prop)
			continue
		}
		if !sameDefault(prev.Default, prop.Default) {
			b.errs = append(b.errs, &ValidationError{
				Path:    fmt.Sprintf("definitions[%s]", def.ID),
				Message: fmt.Sprintf("key %q redeclared with a different default", prop.Key),
			})
		}
	}
	return b
}

// AddUnit adds or merges a unit.
func (b *ProfileBuilder) AddUnit(u *Unit) *ProfileBuilder {
	existing, ok := b.profile.Unit(u.ID)
	if !ok {
		b.profile.Units = append(b.profile.Units, cloneUnit(u))
		return b
	}

	if u.Description != "" {
		existing.Description = u.Description
	}
	if u.HostClass != "" {
		existing.HostClass = u.HostClass
	}
	if !u.Host.IsZero() {
		existing.Host = u.Host
	}
	if u.Package != nil {
		pkg := *u.Package
		existing.Package = &pkg
	}
	existing.Attributes = append(existing.Attributes, u.Attributes...)
	for _, c := range u.Provides {
		if _, found := existing.Provided(c.Name); !found {
			existing.Provides = append(existing.Provides, c)
		}
	}
	for _, c := range u.Requires {
		if _, found := existing.Required(c.Name); !found {
			existing.Requires = append(existing.Requires, c)
		}
	}
	for _, cmd := range u.Commands {
		if !existing.Supports(cmd) {
			existing.Commands = append(existing.Commands, cmd)
		}
	}
	for cmd, keys := range u.KeyFilters {
		if existing.KeyFilters == nil {
			existing.KeyFilters = make(map[string][]string)
		}
		existing.KeyFilters[cmd] = append([]string(nil), keys...)
	}
	return b
}

// AddHost adds a host, replacing an earlier declaration with the same id.
func (b *ProfileBuilder) AddHost(h *Host) *ProfileBuilder {
	cp := *h
	for i, existing := range b.profile.Hosts {
		if existing.ID == h.ID {
			b.profile.Hosts[i] = &cp
			return b
		}
	}
	b.profile.Hosts = append(b.profile.Hosts, &cp)
	return b
}

// Bind connects consumer's required capability to producer's provided capability.
// Duplicate bindings are ignored.
func (b *ProfileBuilder) Bind(consumer, producer CapabilityRef) *ProfileBuilder {
	binding := Binding{Consumer: consumer, Producer: producer}
	for _, existing := range b.profile.Bindings {
		if existing == binding {
			return b
		}
	}
	b.profile.Bindings = append(b.profile.Bindings, binding)
	return b
}

// DependOn records that unit must run after dependsOn.
func (b *ProfileBuilder) DependOn(unit, dependsOn ids.UnitID) *ProfileBuilder {
	dep := Dependency{Unit: unit, DependsOn: dependsOn}
	for _, existing := range b.profile.Dependencies {
		if existing == dep {
			return b
		}
	}
	b.profile.Dependencies = append(b.profile.Dependencies, dep)
	return b
}

// Override adds a profile-level attribute for unit.
func (b *ProfileBuilder) Override(unit ids.UnitID, attr Attribute) *ProfileBuilder {
	b.profile.Overrides = append(b.profile.Overrides, Override{Unit: unit, Attribute: attr})
	return b
}

// Build validates and returns the profile.
func (b *ProfileBuilder) Build() (*Profile, error) {
	for _, u := range b.profile.Units {
		normalizeDirections(u)
	}
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("failed to assemble profile %s: %w", b.profile.ID, errors.Join(append(b.errs, b.profile.Validate())...))
	}
	if err := b.profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", b.profile.ID, err)
	}
	return b.profile, nil
}

func normalizeDirections(u *Unit) {
	for i := range u.Provides {
		u.Provides[i].Direction = DirectionProvided
	}
	for i := range u.Requires {
		u.Requires[i].Direction = DirectionRequired
	}
	if u.HostClass == "" {
		u.HostClass = HostClassLocal
	}
}

func cloneUnit(u *Unit) *Unit {
	cp := *u
	cp.Attributes = append([]Attribute(nil), u.Attributes...)
	cp.Provides = append([]Capability(nil), u.Provides...)
	cp.Requires = append([]Capability(nil), u.Requires...)
	cp.Commands = append([]string(nil), u.Commands...)
	if u.Package != nil {
		pkg := *u.Package
		cp.Package = &pkg
	}
	if u.KeyFilters != nil {
		cp.KeyFilters = make(map[string][]string, len(u.KeyFilters))
		for k, v := range u.KeyFilters {
			cp.KeyFilters[k] = append([]string(nil), v...)
		}
	}
	return &cp
}
