// Package properties resolves the effective configuration values of deployment units.
//
// Values live in scopes: a unit's own scope ("web") and one scope per capability the
// unit provides or requires ("web/db"). Resolution walks units in dependency order so a
// producer is always resolved before its consumers, and applies definition defaults,
// producer values, the unit's attributes and profile overrides in that order.
//
// Attribute values may reference other resolved values with ${unit.key} or
// ${unit/capability.key}. Derived attributes are then evaluated as Starlark expressions
// with the unit's values available as the dict props:
//
//	workers: "int(${web.replicas}) * 4"
package properties
