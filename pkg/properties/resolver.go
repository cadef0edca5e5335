package properties

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/graph"
	"github.com/openfroyo/deployer/pkg/model"
)

// Resolver computes the effective properties of every unit in a profile.
type Resolver struct {
	evaluator *ExpressionEvaluator
	logger    zerolog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithEvaluator sets the evaluator used for derived attributes.
func WithEvaluator(e *ExpressionEvaluator) ResolverOption {
	return func(r *Resolver) { r.evaluator = e }
}

// WithLogger sets the resolver logger.
func WithLogger(logger zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger.With().Str("component", "property-resolver").Logger() }
}

// NewResolver creates a resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		evaluator: NewExpressionEvaluator(0),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Evaluate resolves every unit in dependency order. For each unit the layers are
// applied lowest precedence first:
//
//  1. defaults of every capability definition the unit provides or requires
//  2. values of the producer capability for each binding the unit consumes
//  3. the unit's attributes in declaration order
//  4. profile-level overrides for the unit
//
// Afterwards the unit's values for keys declared by a provided capability's definition
// are published into that capability scope so downstream consumers see them.
func (r *Resolver) Evaluate(ctx context.Context, p *model.Profile) (*Holder, error) {
	deps, err := graph.FromProfile(p)
	if err != nil {
		return nil, err
	}

	known := make(scopeSet)
	for _, id := range p.UnitIDs() {
		unit, err := p.MustUnit(id)
		if err != nil {
			return nil, err
		}
		addScopes(known, unit)
	}

	h := NewHolder()
	for _, id := range deps.Sort(p.UnitIDs()) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		unit, err := p.MustUnit(id)
		if err != nil {
			return nil, err
		}
		// A unit sees its own scopes and those of the units it depends on.
		visible := make(scopeSet)
		addScopes(visible, unit)
		for _, up := range deps.Upstream(id) {
			upstream, err := p.MustUnit(up)
			if err != nil {
				return nil, err
			}
			addScopes(visible, upstream)
		}

		rs := &unitResolution{unit: unit, known: known, visible: visible}
		if err := r.resolveUnit(ctx, p, rs, h); err != nil {
			return nil, err
		}
	}

	r.logger.Debug().
		Str("profile", p.ID.String()).
		Int("values", h.Len()).
		Msg("Resolved profile properties")

	return h, nil
}

// unitResolution carries the scopes a unit may reference while it is resolved.
type unitResolution struct {
	unit    *model.Unit
	known   scopeSet
	visible scopeSet
}

func addScopes(set scopeSet, u *model.Unit) {
	set[u.ID.String()] = true
	for _, c := range u.Capabilities() {
		set[model.CapabilityScope(u.ID, c.Name)] = true
	}
}

func (r *Resolver) resolveUnit(ctx context.Context, p *model.Profile, rs *unitResolution, h *Holder) error {
	u := rs.unit
	unitScope := u.ID.String()

	for _, c := range u.Capabilities() {
		def, ok := p.Definition(c.Definition())
		if !ok {
			continue
		}
		scope := model.CapabilityScope(u.ID, c.Name)
		for _, prop := range def.Properties {
			if prop.Default == nil {
				continue
			}
			h.set(scope, prop.Key, *prop.Default)
			h.setIfAbsent(unitScope, prop.Key, *prop.Default)
		}
	}

	for _, b := range p.ConsumedBindings(u.ID) {
		h.copyScope(b.Producer.Scope(), b.Consumer.Scope())
	}

	for _, attr := range u.Attributes {
		if err := r.apply(ctx, p, rs, h, attr); err != nil {
			return err
		}
	}
	for _, attr := range p.OverridesFor(u.ID) {
		if err := r.apply(ctx, p, rs, h, attr); err != nil {
			return err
		}
	}

	for _, c := range u.Provides {
		def, ok := p.Definition(c.Definition())
		if !ok {
			continue
		}
		scope := model.CapabilityScope(u.ID, c.Name)
		for _, key := range def.Keys() {
			if v, ok := h.Get(unitScope, key); ok {
				h.set(scope, key, v)
			}
		}
	}

	r.logger.Trace().Str("unit", unitScope).Msg("Resolved unit")
	return nil
}

func (r *Resolver) apply(ctx context.Context, p *model.Profile, rs *unitResolution, h *Holder, attr model.Attribute) error {
	u := rs.unit
	unitScope := u.ID.String()

	switch attr.EffectivePolicy() {
	case model.PolicyAddIfAbsent:
		if h.Has(unitScope, attr.Key) {
			return nil
		}
	case model.PolicyInherit:
		v, ok := capabilityDefault(p, u, attr.Key)
		if !ok {
			return &ResolutionError{
				Unit: u.ID,
				Key:  attr.Key,
				Err:  fmt.Errorf("no capability of the unit declares a default for %q", attr.Key),
			}
		}
		h.set(unitScope, attr.Key, v)
		return nil
	}

	value, token, ok := substitute(h, rs.visible, attr.Value)
	if !ok {
		rerr := &ResolutionError{Unit: u.ID, Key: attr.Key, Token: token}
		if scope, hidden := hiddenScope(rs.known, rs.visible, token); hidden {
			rerr.Err = fmt.Errorf("%s is not upstream of %s", scope, u.ID)
		}
		return rerr
	}

	if attr.EffectiveType() == model.AttributeDerived {
		derived, err := r.evaluator.Eval(ctx, value, h.UnitProperties(u.ID))
		if err != nil {
			return &ResolutionError{Unit: u.ID, Key: attr.Key, Token: value, Err: err}
		}
		value = derived
	}

	h.set(unitScope, attr.Key, value)
	return nil
}

// capabilityDefault finds the definition default for key, provided capabilities first.
func capabilityDefault(p *model.Profile, u *model.Unit, key string) (string, bool) {
	for _, c := range u.Capabilities() {
		def, ok := p.Definition(c.Definition())
		if !ok {
			continue
		}
		if prop, ok := def.Property(key); ok && prop.Default != nil {
			return *prop.Default, true
		}
	}
	return "", false
}

// Resolve is a convenience wrapper around NewResolver().Evaluate.
func Resolve(ctx context.Context, p *model.Profile) (*Holder, error) {
	return NewResolver().Evaluate(ctx, p)
}
