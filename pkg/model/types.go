package model

import (
	"fmt"
	"slices"

	"github.com/openfroyo/deployer/pkg/ids"
)

// Direction tells whether a unit offers a capability or consumes one.
type Direction string

const (
	// DirectionProvided marks a capability the unit offers to others.
	DirectionProvided Direction = "provided"
	// DirectionRequired marks a capability the unit consumes from a producer.
	DirectionRequired Direction = "required"
)

// HostClass tells where a unit's commands run.
type HostClass string

const (
	// HostClassLocal units run on the orchestrating host.
	HostClassLocal HostClass = "local"
	// HostClassRemote units run on their Host through the deploy agent.
	HostClassRemote HostClass = "remote"
)

// AttributeType tells how an attribute value is evaluated.
type AttributeType string

const (
	// AttributeBasic values are literals with optional ${...} placeholders.
	AttributeBasic AttributeType = "basic"
	// AttributeDerived values are expressions evaluated after placeholder substitution.
	AttributeDerived AttributeType = "derived"
)

// OverwritePolicy controls what happens when an attribute targets a key that already has a value.
type OverwritePolicy string

const (
	PolicyReplace     OverwritePolicy = "replace"
	PolicyAddIfAbsent OverwritePolicy = "add-if-absent"
	PolicyInherit     OverwritePolicy = "inherit"
)

// PropertyDefinition declares one key of a capability definition.
type PropertyDefinition struct {
	Key         string  `json:"key" yaml:"key" validate:"required"`
	Default     *string `json:"default,omitempty" yaml:"default,omitempty"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
}

// CapabilityDefinition is the schema shared by every capability of the same kind.
type CapabilityDefinition struct {
	ID          ids.CapabilityID     `json:"id" yaml:"id"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Properties  []PropertyDefinition `json:"properties" yaml:"properties" validate:"dive"`
}

// Property returns the definition of key, if declared.
func (d *CapabilityDefinition) Property(key string) (PropertyDefinition, bool) {
	for _, p := range d.Properties {
		if p.Key == key {
			return p, true
		}
	}
	return PropertyDefinition{}, false
}

// Keys returns the declared keys in declaration order.
func (d *CapabilityDefinition) Keys() []string {
	keys := make([]string, 0, len(d.Properties))
	for _, p := range d.Properties {
		if !slices.Contains(keys, p.Key) {
			keys = append(keys, p.Key)
		}
	}
	return keys
}

// Capability is an instance of a definition owned by one unit.
type Capability struct {
	Name      ids.CapabilityID `json:"name" yaml:"name"`
	Kind      ids.CapabilityID `json:"kind,omitzero" yaml:"kind,omitempty"`
	Direction Direction        `json:"direction" yaml:"direction" validate:"omitempty,oneof=provided required"`
}

// Definition returns the capability definition id, which defaults to the capability name.
func (c Capability) Definition() ids.CapabilityID {
	if c.Kind.IsZero() {
		return c.Name
	}
	return c.Kind
}

// CapabilityRef addresses a capability of a specific unit.
type CapabilityRef struct {
	Unit       ids.UnitID       `json:"unit" yaml:"unit"`
	Capability ids.CapabilityID `json:"capability" yaml:"capability"`
}

// Scope returns the property scope of the capability, "unit/capability".
func (r CapabilityRef) Scope() string {
	return CapabilityScope(r.Unit, r.Capability)
}

func (r CapabilityRef) String() string {
	return r.Scope()
}

// CapabilityScope builds the property scope name for a unit capability.
func CapabilityScope(unit ids.UnitID, capability ids.CapabilityID) string {
	return fmt.Sprintf("%s/%s", unit, capability)
}

// Binding connects a consumer's required capability to a producer's provided capability.
// The consumer unit depends on the producer unit.
type Binding struct {
	Consumer CapabilityRef `json:"consumer" yaml:"consumer"`
	Producer CapabilityRef `json:"producer" yaml:"producer"`
}

func (b Binding) String() string {
	return fmt.Sprintf("%s -> %s", b.Consumer, b.Producer)
}

// Attribute is a key/value assignment in a unit's scope.
type Attribute struct {
	Key         string          `json:"key" yaml:"key" validate:"required"`
	Value       string          `json:"value" yaml:"value"`
	Type        AttributeType   `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=basic derived"`
	Policy      OverwritePolicy `json:"policy,omitempty" yaml:"policy,omitempty" validate:"omitempty,oneof=replace add-if-absent inherit"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
}

// EffectiveType returns the attribute type, defaulting to basic.
func (a Attribute) EffectiveType() AttributeType {
	if a.Type == "" {
		return AttributeBasic
	}
	return a.Type
}

// EffectivePolicy returns the overwrite policy, defaulting to replace.
func (a Attribute) EffectivePolicy() OverwritePolicy {
	if a.Policy == "" {
		return PolicyReplace
	}
	return a.Policy
}

// Unit is a deployable configuration unit.
type Unit struct {
	ID          ids.UnitID          `json:"id" yaml:"id"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	Attributes  []Attribute         `json:"attributes,omitempty" yaml:"attributes,omitempty" validate:"dive"`
	Provides    []Capability        `json:"provides,omitempty" yaml:"provides,omitempty" validate:"dive"`
	Requires    []Capability        `json:"requires,omitempty" yaml:"requires,omitempty" validate:"dive"`
	HostClass   HostClass           `json:"host_class,omitempty" yaml:"host_class,omitempty" validate:"omitempty,oneof=local remote"`
	Host        ids.HostID          `json:"host,omitzero" yaml:"host,omitempty"`
	Package     *PackageRef         `json:"package,omitempty" yaml:"package,omitempty"`
	Commands    []string            `json:"commands,omitempty" yaml:"commands,omitempty"`
	KeyFilters  map[string][]string `json:"key_filters,omitempty" yaml:"key_filters,omitempty"`
}

// Capabilities returns provided capabilities followed by required ones.
func (u *Unit) Capabilities() []Capability {
	out := make([]Capability, 0, len(u.Provides)+len(u.Requires))
	out = append(out, u.Provides...)
	return append(out, u.Requires...)
}

// Provided returns the provided capability with the given name.
func (u *Unit) Provided(name ids.CapabilityID) (Capability, bool) {
	return findCapability(u.Provides, name)
}

// Required returns the required capability with the given name.
func (u *Unit) Required(name ids.CapabilityID) (Capability, bool) {
	return findCapability(u.Requires, name)
}

// Supports reports whether the unit declares the lifecycle command.
func (u *Unit) Supports(command string) bool {
	return slices.Contains(u.Commands, command)
}

// IsRemote reports whether the unit runs on a remote host.
func (u *Unit) IsRemote() bool {
	return u.HostClass == HostClassRemote
}

// KeyFilter returns the keys written to the properties file of command, or nil for all keys.
func (u *Unit) KeyFilter(command string) []string {
	if u.KeyFilters == nil {
		return nil
	}
	return u.KeyFilters[command]
}

func findCapability(list []Capability, name ids.CapabilityID) (Capability, bool) {
	for _, c := range list {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// Host is a remote machine units can be deployed to.
type Host struct {
	ID        ids.HostID        `json:"id" yaml:"id"`
	Address   string            `json:"address" yaml:"address" validate:"required"`
	Port      int               `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User      string            `json:"user,omitempty" yaml:"user,omitempty"`
	KeyPath   string            `json:"key_path,omitempty" yaml:"key_path,omitempty"`
	AgentPath string            `json:"agent_path,omitempty" yaml:"agent_path,omitempty"`
	Labels    map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Dependency is an explicit ordering edge: Unit runs after DependsOn.
type Dependency struct {
	Unit      ids.UnitID `json:"unit" yaml:"unit"`
	DependsOn ids.UnitID `json:"depends_on" yaml:"depends_on"`
}

// Override is a profile-level attribute applied after all of a unit's own attributes.
type Override struct {
	Unit      ids.UnitID `json:"unit" yaml:"unit"`
	Attribute Attribute  `json:"attribute" yaml:"attribute"`
}

// Profile is the aggregate root describing one deployment.
type Profile struct {
	ID           ids.ProfileID           `json:"id" yaml:"id"`
	Deployment   ids.DeploymentID        `json:"deployment" yaml:"deployment"`
	Description  string                  `json:"description,omitempty" yaml:"description,omitempty"`
	Units        []*Unit                 `json:"units" yaml:"units" validate:"dive"`
	Definitions  []*CapabilityDefinition `json:"definitions,omitempty" yaml:"definitions,omitempty" validate:"dive"`
	Bindings     []Binding               `json:"bindings,omitempty" yaml:"bindings,omitempty"`
	Dependencies []Dependency            `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Hosts        []*Host                 `json:"hosts,omitempty" yaml:"hosts,omitempty" validate:"dive"`
	Overrides    []Override              `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// Unit looks up a unit by id.
func (p *Profile) Unit(id ids.UnitID) (*Unit, bool) {
	for _, u := range p.Units {
		if u.ID == id {
			return u, true
		}
	}
	return nil, false
}

// MustUnit looks up a unit and reports an UnknownUnitError with a suggestion when absent.
func (p *Profile) MustUnit(id ids.UnitID) (*Unit, error) {
	if u, ok := p.Unit(id); ok {
		return u, nil
	}
	return nil, NewUnknownUnitError(id, p.UnitIDs())
}

// UnitIDs returns unit ids in declaration order.
func (p *Profile) UnitIDs() []ids.UnitID {
	out := make([]ids.UnitID, len(p.Units))
	for i, u := range p.Units {
		out[i] = u.ID
	}
	return out
}

// Definition looks up a capability definition by id.
func (p *Profile) Definition(id ids.CapabilityID) (*CapabilityDefinition, bool) {
	for _, d := range p.Definitions {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

// Host looks up a host by id.
func (p *Profile) Host(id ids.HostID) (*Host, bool) {
	for _, h := range p.Hosts {
		if h.ID == id {
			return h, true
		}
	}
	return nil, false
}

// ConsumedBindings returns the bindings whose consumer is unit, in declaration order.
func (p *Profile) ConsumedBindings(unit ids.UnitID) []Binding {
	var out []Binding
	for _, b := range p.Bindings {
		if b.Consumer.Unit == unit {
			out = append(out, b)
		}
	}
	return out
}

// OverridesFor returns the profile-level overrides targeting unit, in declaration order.
func (p *Profile) OverridesFor(unit ids.UnitID) []Attribute {
	var out []Attribute
	for _, o := range p.Overrides {
		if o.Unit == unit {
			out = append(out, o.Attribute)
		}
	}
	return out
}

// UnitsSupporting returns the units that declare command, in declaration order.
func (p *Profile) UnitsSupporting(command string) []ids.UnitID {
	var out []ids.UnitID
	for _, u := range p.Units {
		if u.Supports(command) {
			out = append(out, u.ID)
		}
	}
	return out
}
