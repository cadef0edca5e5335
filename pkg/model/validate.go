package model

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/deployer/pkg/ids"
)

var structValidator = validator.New()

// Validate checks the profile's structural rules and reference integrity.
// All problems are reported together; typed errors remain reachable with errors.As.
func (p *Profile) Validate() error {
	var errs []error

	if p.ID.IsZero() {
		errs = append(errs, &ValidationError{Path: "profile.id", Message: "is required"})
	}
	if p.Deployment.IsZero() {
		errs = append(errs, &ValidationError{Path: "profile.deployment", Message: "is required"})
	}

	if err := structValidator.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs = append(errs, &ValidationError{
					Path:    fe.Namespace(),
					Message: fmt.Sprintf("failed %q validation (value %v)", fe.Tag(), fe.Value()),
				})
			}
		} else {
			errs = append(errs, err)
		}
	}

	errs = append(errs, p.validateDefinitions()...)
	errs = append(errs, p.validateHosts()...)
	errs = append(errs, p.validateUnits()...)
	errs = append(errs, p.validateBindings()...)
	errs = append(errs, p.validateDependencies()...)
	errs = append(errs, p.validateOverrides()...)

	return errors.Join(errs...)
}

func (p *Profile) validateDefinitions() []error {
	var errs []error
	seen := make(map[ids.CapabilityID]bool)
	for i, d := range p.Definitions {
		path := fmt.Sprintf("definitions[%d]", i)
		if d.ID.IsZero() {
			errs = append(errs, &ValidationError{Path: path + ".id", Message: "is required"})
			continue
		}
		if seen[d.ID] {
			errs = append(errs, &ValidationError{Path: path, Message: fmt.Sprintf("duplicate capability definition %q", d.ID)})
		}
		seen[d.ID] = true

		defaults := make(map[string]*string)
		for _, prop := range d.Properties {
			prev, dup := defaults[prop.Key]
			if dup && !sameDefault(prev, prop.Default) {
				errs = append(errs, &ValidationError{
					Path:    path,
					Message: fmt.Sprintf("key %q declared twice with different defaults", prop.Key),
				})
			}
			defaults[prop.Key] = prop.Default
		}
	}
	return errs
}

func sameDefault(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (p *Profile) validateHosts() []error {
	var errs []error
	seen := make(map[ids.HostID]bool)
	for i, h := range p.Hosts {
		if h.ID.IsZero() {
			errs = append(errs, &ValidationError{Path: fmt.Sprintf("hosts[%d].id", i), Message: "is required"})
			continue
		}
		if seen[h.ID] {
			errs = append(errs, &ValidationError{Path: fmt.Sprintf("hosts[%d]", i), Message: fmt.Sprintf("duplicate host %q", h.ID)})
		}
		seen[h.ID] = true
	}
	return errs
}

func (p *Profile) validateUnits() []error {
	var errs []error
	seen := make(map[ids.UnitID]bool)
	for i, u := range p.Units {
		path := fmt.Sprintf("units[%d]", i)
		if u.ID.IsZero() {
			errs = append(errs, &ValidationError{Path: path + ".id", Message: "is required"})
			continue
		}
		path = fmt.Sprintf("units[%s]", u.ID)
		if seen[u.ID] {
			errs = append(errs, &ValidationError{Path: path, Message: "duplicate unit"})
		}
		seen[u.ID] = true

		errs = append(errs, p.validateCapabilities(path, u.Provides)...)
		errs = append(errs, p.validateCapabilities(path, u.Requires)...)

		switch {
		case u.IsRemote() && u.Host.IsZero():
			errs = append(errs, &ValidationError{Path: path + ".host", Message: "remote unit requires a host"})
		case u.IsRemote():
			if _, ok := p.Host(u.Host); !ok {
				errs = append(errs, &ValidationError{Path: path + ".host", Message: fmt.Sprintf("unknown host %q", u.Host)})
			}
		case !u.Host.IsZero():
			errs = append(errs, &ValidationError{Path: path + ".host", Message: "local unit must not name a host"})
		}

		if u.Package != nil {
			if u.Package.ID.IsZero() {
				errs = append(errs, &ValidationError{Path: path + ".package.id", Message: "is required"})
			}
			if u.Package.Version != "" {
				if _, err := u.Package.SemVer(); err != nil {
					errs = append(errs, &ValidationError{Path: path + ".package.version", Message: err.Error()})
				}
			}
		}

		for cmd := range u.KeyFilters {
			if !u.Supports(cmd) {
				errs = append(errs, &ValidationError{Path: path + ".key_filters", Message: fmt.Sprintf("filter for undeclared command %q", cmd)})
			}
		}
	}
	return errs
}

func (p *Profile) validateCapabilities(path string, caps []Capability) []error {
	var errs []error
	seen := make(map[ids.CapabilityID]bool)
	for _, c := range caps {
		if c.Name.IsZero() {
			errs = append(errs, &ValidationError{Path: path, Message: "capability name is required"})
			continue
		}
		if seen[c.Name] {
			errs = append(errs, &ValidationError{Path: path, Message: fmt.Sprintf("duplicate %s capability %q", c.Direction, c.Name)})
		}
		seen[c.Name] = true
		if _, ok := p.Definition(c.Definition()); !ok {
			errs = append(errs, &ValidationError{Path: path, Message: fmt.Sprintf("capability %q uses undefined definition %q", c.Name, c.Definition())})
		}
	}
	return errs
}

func (p *Profile) validateBindings() []error {
	var errs []error
	known := p.UnitIDs()
	for _, b := range p.Bindings {
		if b.Consumer.Unit == b.Producer.Unit {
			errs = append(errs, &ValidationError{Path: "bindings", Message: fmt.Sprintf("unit %q cannot bind to itself (%s)", b.Consumer.Unit, b)})
			continue
		}

		consumer, ok := p.Unit(b.Consumer.Unit)
		if !ok {
			errs = append(errs, NewUnknownUnitError(b.Consumer.Unit, known))
			continue
		}
		producer, ok := p.Unit(b.Producer.Unit)
		if !ok {
			errs = append(errs, NewUnknownUnitError(b.Producer.Unit, known))
			continue
		}

		required, ok := consumer.Required(b.Consumer.Capability)
		if !ok {
			errs = append(errs, unknownCapability(consumer, b.Consumer.Capability, DirectionRequired))
			continue
		}
		provided, ok := producer.Provided(b.Producer.Capability)
		if !ok {
			errs = append(errs, unknownCapability(producer, b.Producer.Capability, DirectionProvided))
			continue
		}

		if required.Definition() != provided.Definition() {
			errs = append(errs, &ValidationError{
				Path: "bindings",
				Message: fmt.Sprintf("%s: kind mismatch, consumer requires %q but producer provides %q",
					b, required.Definition(), provided.Definition()),
			})
		}
	}
	return errs
}

func unknownCapability(u *Unit, name ids.CapabilityID, dir Direction) *UnknownCapabilityError {
	list := u.Requires
	if dir == DirectionProvided {
		list = u.Provides
	}
	names := make([]string, len(list))
	for i, c := range list {
		names[i] = c.Name.String()
	}
	return &UnknownCapabilityError{
		Unit:       u.ID,
		Capability: name,
		Direction:  dir,
		Suggestion: Suggest(name.String(), names),
	}
}

func (p *Profile) validateDependencies() []error {
	var errs []error
	known := p.UnitIDs()
	for _, d := range p.Dependencies {
		if d.Unit == d.DependsOn {
			errs = append(errs, &ValidationError{Path: "dependencies", Message: fmt.Sprintf("unit %q cannot depend on itself", d.Unit)})
			continue
		}
		for _, id := range []ids.UnitID{d.Unit, d.DependsOn} {
			if _, ok := p.Unit(id); !ok {
				errs = append(errs, NewUnknownUnitError(id, known))
			}
		}
	}
	return errs
}

func (p *Profile) validateOverrides() []error {
	var errs []error
	known := p.UnitIDs()
	for _, o := range p.Overrides {
		if _, ok := p.Unit(o.Unit); !ok {
			errs = append(errs, NewUnknownUnitError(o.Unit, known))
		}
	}
	return errs
}
