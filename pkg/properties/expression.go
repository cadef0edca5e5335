package properties

import (
	"strings"
)

const (
	placeholderOpen  = "${"
	placeholderClose = "}"
)

// substitute replaces every ${scope.key} placeholder in value using h. Only scopes in
// visible are consulted. It returns the first token that cannot be resolved.
func substitute(h *Holder, visible scopeSet, value string) (string, string, bool) {
	if !strings.Contains(value, placeholderOpen) {
		return value, "", true
	}

	var sb strings.Builder
	rest := value
	for {
		start := strings.Index(rest, placeholderOpen)
		if start < 0 {
			sb.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], placeholderClose)
		if end < 0 {
			return "", rest[start:], false
		}
		end += start

		token := rest[start+len(placeholderOpen) : end]
		resolved, ok := lookupToken(h, visible, token)
		if !ok {
			return "", token, false
		}
		sb.WriteString(rest[:start])
		sb.WriteString(resolved)
		rest = rest[end+len(placeholderClose):]
	}
	return sb.String(), "", true
}

// scopeSet is a set of property scope names.
type scopeSet map[string]bool

// splitToken yields every (scope, key) split of "unit.key" or "unit/capability.key"
// from the left. Unit and capability ids may contain dots.
func splitToken(token string, yield func(scope, key string) bool) {
	for i := 0; i < len(token); i++ {
		if token[i] != '.' {
			continue
		}
		scope, key := token[:i], token[i+1:]
		if scope == "" || key == "" {
			continue
		}
		if !yield(scope, key) {
			return
		}
	}
}

// lookupToken resolves token against the visible scopes of h. The first split that
// names a known value wins.
func lookupToken(h *Holder, visible scopeSet, token string) (string, bool) {
	var (
		value string
		found bool
	)
	splitToken(token, func(scope, key string) bool {
		if !visible[scope] {
			return true
		}
		value, found = h.Get(scope, key)
		return !found
	})
	return value, found
}

// hiddenScope reports the first scope of token that is known but not visible.
func hiddenScope(known, visible scopeSet, token string) (string, bool) {
	var hidden string
	splitToken(token, func(scope, _ string) bool {
		if known[scope] && !visible[scope] {
			hidden = scope
			return false
		}
		return true
	})
	return hidden, hidden != ""
}

// References returns the placeholder tokens found in value, in order of appearance.
func References(value string) []string {
	var refs []string
	rest := value
	for {
		start := strings.Index(rest, placeholderOpen)
		if start < 0 {
			return refs
		}
		end := strings.Index(rest[start:], placeholderClose)
		if end < 0 {
			return refs
		}
		refs = append(refs, rest[start+len(placeholderOpen):start+end])
		rest = rest[start+end+len(placeholderClose):]
	}
}
