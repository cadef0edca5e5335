// Package graph computes the dependency relation between deployment units.
//
// Bindings and explicit dependencies are folded into a directed graph in which an edge
// points from a unit to a unit it depends on. The graph must be acyclic; Calculate
// reports the first cycle it finds. The resulting UnitDependencies answer transitive
// upstream and downstream queries, produce stable topological orderings and split
// units into groups that can execute in parallel.
package graph
