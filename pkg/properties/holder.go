package properties

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/openfroyo/deployer/pkg/ids"
)

// Holder stores resolved values by scope and key. A scope is either a unit id ("web")
// or a unit capability ("web/db"). A Holder returned by Resolver.Evaluate is never
// modified again and is safe for concurrent reads.
type Holder struct {
	scopes map[string]map[string]string
}

// NewHolder creates an empty holder.
func NewHolder() *Holder {
	return &Holder{scopes: make(map[string]map[string]string)}
}

// Get returns the value of key in scope. The boolean is false when the key was never
// set, which is different from a key set to the empty string.
func (h *Holder) Get(scope, key string) (string, bool) {
	values, ok := h.scopes[scope]
	if !ok {
		return "", false
	}
	v, ok := values[key]
	return v, ok
}

// GetProperty returns the value of key in the unit's own scope.
func (h *Holder) GetProperty(unit ids.UnitID, key string) (string, bool) {
	return h.Get(unit.String(), key)
}

// Has reports whether key is set in scope.
func (h *Holder) Has(scope, key string) bool {
	_, ok := h.Get(scope, key)
	return ok
}

// Scope returns a copy of the values in scope.
func (h *Holder) Scope(scope string) map[string]string {
	return maps.Clone(h.scopes[scope])
}

// Scopes returns all scope names in sorted order.
func (h *Holder) Scopes() []string {
	return slices.Sorted(maps.Keys(h.scopes))
}

// UnitProperties flattens everything visible to a unit: its own keys as-is and each
// capability scope "unit/cap" as "cap.key". Capability ids may contain dots, so two
// scopes can flatten to the same key; the scope that sorts last wins.
func (h *Holder) UnitProperties(unit ids.UnitID) map[string]string {
	out := make(map[string]string)
	prefix := unit.String() + "/"
	for _, scope := range h.Scopes() {
		capability, ok := strings.CutPrefix(scope, prefix)
		if !ok {
			continue
		}
		for k, v := range h.scopes[scope] {
			out[capability+"."+k] = v
		}
	}
	maps.Copy(out, h.scopes[unit.String()])
	return out
}

// Dump renders every resolved value as "scope key=value", one per line, sorted by scope then key.
func (h *Holder) Dump() string {
	var sb strings.Builder
	for _, scope := range h.Scopes() {
		values := h.scopes[scope]
		for _, key := range slices.Sorted(maps.Keys(values)) {
			fmt.Fprintf(&sb, "%s %s=%s\n", scope, key, values[key])
		}
	}
	return sb.String()
}

// Len returns the number of resolved values across all scopes.
func (h *Holder) Len() int {
	n := 0
	for _, values := range h.scopes {
		n += len(values)
	}
	return n
}

func (h *Holder) set(scope, key, value string) {
	values, ok := h.scopes[scope]
	if !ok {
		values = make(map[string]string)
		h.scopes[scope] = values
	}
	values[key] = value
}

func (h *Holder) setIfAbsent(scope, key, value string) {
	if !h.Has(scope, key) {
		h.set(scope, key, value)
	}
}

func (h *Holder) copyScope(from, to string) {
	for k, v := range h.scopes[from] {
		h.set(to, k, v)
	}
}
