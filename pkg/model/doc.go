// Package model defines the deployment domain: profiles, configuration units,
// capabilities, bindings and attributes.
//
// A Profile is the aggregate root. Units provide and require capabilities; a Binding
// connects a required capability of a consumer unit to a provided capability of the
// same kind on a producer unit, which makes the consumer depend on the producer.
// Capability definitions declare the keys (and defaults) every capability of a kind
// carries. Attributes assign values in a unit's own scope and may reference other
// scopes with ${unit.key} or ${unit/capability.key} placeholders.
//
// Profiles are usually assembled with a ProfileBuilder, which merges layered
// declarations and validates the result.
package model
