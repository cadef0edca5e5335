package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/openfroyo/deployer/pkg/ids"
	"github.com/openfroyo/deployer/pkg/model"
)

// CyclicDependencyError is returned when the bindings form a cycle.
// Cycle starts and ends with the same unit.
type CyclicDependencyError struct {
	Cycle []ids.UnitID
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", formatCycle(e.Cycle))
}

func formatCycle(cycle []ids.UnitID) string {
	return strings.Join(ids.Strings(cycle), " -> ")
}

// UnitDependencies holds the transitively closed dependency relation between units.
// Upstream units must run before a unit; downstream units run after it.
type UnitDependencies struct {
	// units lists every node in first-seen order
	units []ids.UnitID

	// position maps a unit to its index in units
	position map[ids.UnitID]int

	// direct maps a unit to the units it directly depends on
	direct map[ids.UnitID][]ids.UnitID

	// upstream is the transitive closure of direct
	upstream map[ids.UnitID][]ids.UnitID

	// downstream is the inverse of upstream
	downstream map[ids.UnitID][]ids.UnitID

	// bindings are kept in insertion order for producer lookups
	bindings []model.Binding
}

// FromProfile calculates the dependencies of every unit in the profile.
func FromProfile(p *model.Profile) (*UnitDependencies, error) {
	return Calculate(p.UnitIDs(), p.Bindings, p.Dependencies)
}

// Calculate builds the dependency relation. Each binding makes its consumer depend on its
// producer; each explicit dependency does the same. units may be nil, in which case the
// node set is derived from the edges. A cycle fails the whole calculation.
func Calculate(units []ids.UnitID, bindings []model.Binding, explicit []model.Dependency) (*UnitDependencies, error) {
	d := &UnitDependencies{
		position:   make(map[ids.UnitID]int),
		direct:     make(map[ids.UnitID][]ids.UnitID),
		upstream:   make(map[ids.UnitID][]ids.UnitID),
		downstream: make(map[ids.UnitID][]ids.UnitID),
		bindings:   append([]model.Binding(nil), bindings...),
	}

	for _, u := range units {
		d.addNode(u)
	}
	for _, b := range bindings {
		d.addEdge(b.Consumer.Unit, b.Producer.Unit)
	}
	for _, dep := range explicit {
		d.addEdge(dep.Unit, dep.DependsOn)
	}

	if err := d.detectCycles(); err != nil {
		return nil, err
	}

	d.computeClosure()
	return d, nil
}

func (d *UnitDependencies) addNode(u ids.UnitID) {
	if _, ok := d.position[u]; ok {
		return
	}
	d.position[u] = len(d.units)
	d.units = append(d.units, u)
}

func (d *UnitDependencies) addEdge(from, to ids.UnitID) {
	d.addNode(from)
	d.addNode(to)
	if !slices.Contains(d.direct[from], to) {
		d.direct[from] = append(d.direct[from], to)
	}
}

// detectCycles runs a depth-first search with a per-path set.
func (d *UnitDependencies) detectCycles() error {
	visited := make(map[ids.UnitID]bool)
	onPath := make(map[ids.UnitID]bool)

	var visit func(u ids.UnitID, path []ids.UnitID) []ids.UnitID
	visit = func(u ids.UnitID, path []ids.UnitID) []ids.UnitID {
		visited[u] = true
		onPath[u] = true
		path = append(path, u)

		for _, next := range d.direct[u] {
			if onPath[next] {
				start := slices.Index(path, next)
				cycle := append([]ids.UnitID(nil), path[start:]...)
				return append(cycle, next)
			}
			if !visited[next] {
				if cycle := visit(next, path); cycle != nil {
					return cycle
				}
			}
		}

		onPath[u] = false
		return nil
	}

	for _, u := range d.units {
		if visited[u] {
			continue
		}
		if cycle := visit(u, nil); cycle != nil {
			return &CyclicDependencyError{Cycle: cycle}
		}
	}
	return nil
}

// computeClosure propagates upstream sets until nothing changes.
func (d *UnitDependencies) computeClosure() {
	reach := make(map[ids.UnitID]map[ids.UnitID]bool, len(d.units))
	for _, u := range d.units {
		set := make(map[ids.UnitID]bool, len(d.direct[u]))
		for _, up := range d.direct[u] {
			set[up] = true
		}
		reach[u] = set
	}

	for changed := true; changed; {
		changed = false
		for _, u := range d.units {
			for up := range reach[u] {
				for transitive := range reach[up] {
					if !reach[u][transitive] {
						reach[u][transitive] = true
						changed = true
					}
				}
			}
		}
	}

	for _, u := range d.units {
		list := make([]ids.UnitID, 0, len(reach[u]))
		for up := range reach[u] {
			list = append(list, up)
		}
		d.sortByPosition(list)
		d.upstream[u] = list
	}
	for _, u := range d.units {
		for _, up := range d.upstream[u] {
			d.downstream[up] = append(d.downstream[up], u)
		}
	}
}

func (d *UnitDependencies) sortByPosition(list []ids.UnitID) {
	slices.SortFunc(list, func(a, b ids.UnitID) int {
		return d.position[a] - d.position[b]
	})
}

// Units returns every unit known to the relation in first-seen order.
func (d *UnitDependencies) Units() []ids.UnitID {
	return slices.Clone(d.units)
}

// Upstream returns every unit u transitively depends on. Never nil.
func (d *UnitDependencies) Upstream(u ids.UnitID) []ids.UnitID {
	return cloneNonNil(d.upstream[u])
}

// Downstream returns every unit that transitively depends on u. Never nil.
func (d *UnitDependencies) Downstream(u ids.UnitID) []ids.UnitID {
	return cloneNonNil(d.downstream[u])
}

// DirectUpstream returns the units u depends on through a single edge.
func (d *UnitDependencies) DirectUpstream(u ids.UnitID) []ids.UnitID {
	return cloneNonNil(d.direct[u])
}

// DependsOn reports whether a must run after b.
func (d *UnitDependencies) DependsOn(a, b ids.UnitID) bool {
	return slices.Contains(d.upstream[a], b)
}

// GetDirectUpstreamUnits returns the consumers bound to the given producer capability,
// in binding order. The result is empty, not nil, when nothing consumes it.
func (d *UnitDependencies) GetDirectUpstreamUnits(unit ids.UnitID, capability ids.CapabilityID) []ids.UnitID {
	out := make([]ids.UnitID, 0)
	for _, b := range d.bindings {
		if b.Producer.Unit != unit || b.Producer.Capability != capability {
			continue
		}
		if !slices.Contains(out, b.Consumer.Unit) {
			out = append(out, b.Consumer.Unit)
		}
	}
	return out
}

// Sort orders units so that every unit comes after its upstream units.
// The input order is disturbed as little as possible: at each step the first
// remaining unit whose upstream units are all placed is emitted. Sorting an
// already sorted list returns it unchanged.
func (d *UnitDependencies) Sort(units []ids.UnitID) []ids.UnitID {
	remaining := dedupe(units)
	inSet := make(map[ids.UnitID]bool, len(remaining))
	for _, u := range remaining {
		inSet[u] = true
	}

	placed := make(map[ids.UnitID]bool, len(remaining))
	sorted := make([]ids.UnitID, 0, len(remaining))
	for len(remaining) > 0 {
		next := 0
		for i, u := range remaining {
			if d.ready(u, inSet, placed) {
				next = i
				break
			}
		}
		u := remaining[next]
		placed[u] = true
		sorted = append(sorted, u)
		remaining = slices.Delete(remaining, next, next+1)
	}
	return sorted
}

func (d *UnitDependencies) ready(u ids.UnitID, inSet, placed map[ids.UnitID]bool) bool {
	for _, up := range d.upstream[u] {
		if inSet[up] && !placed[up] {
			return false
		}
	}
	return true
}

// EvaluateDependencyGroups partitions units into groups that can run in parallel.
// A unit's group index is the length of the longest dependency chain leading to it
// within the given set; groups run in index order. Within a group the input order is kept.
func (d *UnitDependencies) EvaluateDependencyGroups(units []ids.UnitID) [][]ids.UnitID {
	set := dedupe(units)
	inSet := make(map[ids.UnitID]bool, len(set))
	for _, u := range set {
		inSet[u] = true
	}

	level := make(map[ids.UnitID]int, len(set))
	depth := 0
	for _, u := range d.Sort(set) {
		l := 0
		for _, up := range d.upstream[u] {
			if inSet[up] {
				l = max(l, level[up]+1)
			}
		}
		level[u] = l
		depth = max(depth, l+1)
	}

	groups := make([][]ids.UnitID, depth)
	for _, u := range set {
		groups[level[u]] = append(groups[level[u]], u)
	}
	return groups
}

// ToDOT renders the direct dependency edges in Graphviz format, producers pointing at consumers.
func (d *UnitDependencies) ToDOT(groups [][]ids.UnitID) string {
	var sb strings.Builder

	sb.WriteString("digraph UnitDependencies {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, group := range groups {
		fmt.Fprintf(&sb, "  subgraph cluster_group_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Group %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, u := range group {
			fmt.Fprintf(&sb, "    %q;\n", u.String())
		}
		sb.WriteString("  }\n\n")
	}

	for _, u := range d.units {
		for _, up := range d.direct[u] {
			fmt.Fprintf(&sb, "  %q -> %q;\n", up.String(), u.String())
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func dedupe(units []ids.UnitID) []ids.UnitID {
	seen := make(map[ids.UnitID]bool, len(units))
	out := make([]ids.UnitID, 0, len(units))
	for _, u := range units {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

func cloneNonNil(list []ids.UnitID) []ids.UnitID {
	out := make([]ids.UnitID, len(list))
	copy(out, list)
	return out
}
