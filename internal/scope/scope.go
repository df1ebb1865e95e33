// Package scope implements the Scope Engine: parsing a
// table's scope patterns, deriving canonical scope keys from resolved
// variable bindings, expanding a subscription request's multi-valued
// scopes into the set of scope keys it covers, and matching a stored
// change's scopes against that set.
package scope

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// varPattern matches "{name}" placeholders inside a scope pattern.
var varPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Pattern is a parsed scope pattern like "org:{orgId}" or
// "project:{orgId}:{projectId}".
type Pattern struct {
	raw  string
	key  string   // the literal prefix before the first "{", trailing ":" trimmed
	vars []string // variable names, in order of appearance
}

// Parse compiles a raw pattern string such as "org:{orgId}" into a
// Pattern. The literal portion before the first variable becomes the
// pattern's key; patterns with no variables are valid and always
// resolve to themselves (a fixed, global scope).
func Parse(raw string) (Pattern, error) {
	matches := varPattern.FindAllStringSubmatchIndex(raw, -1)
	vars := make([]string, 0, len(matches))
	for _, m := range varPattern.FindAllStringSubmatch(raw, -1) {
		vars = append(vars, m[1])
	}

	key := raw
	if len(matches) > 0 {
		key = raw[:matches[0][0]]
	}
	key = strings.TrimRight(key, ":")
	if key == "" {
		return Pattern{}, fmt.Errorf("scope: pattern %q has no literal key prefix", raw)
	}

	return Pattern{raw: raw, key: key, vars: vars}, nil
}

// MustParse is Parse but panics on error, for use with compile-time
// constant patterns registered by table handlers at startup.
func MustParse(raw string) Pattern {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Key returns the pattern's literal key prefix, e.g. "org" for "org:{orgId}".
func (p Pattern) Key() string { return p.key }

// Vars returns the variable names the pattern requires, in order.
func (p Pattern) Vars() []string { return p.vars }

// Raw returns the original pattern string.
func (p Pattern) Raw() string { return p.raw }

// CanonicalKey renders a single, fully-bound scope key from a variable
// binding, e.g. Pattern("project:{orgId}:{projectId}").CanonicalKey(
// map[string]string{"orgId": "a", "projectId": "b"}) -> "project:a:b".
// Returns an error if any required variable is missing.
func (p Pattern) CanonicalKey(vars map[string]string) (string, error) {
	if len(p.vars) == 0 {
		return p.key, nil
	}
	parts := make([]string, 0, len(p.vars)+1)
	parts = append(parts, p.key)
	for _, v := range p.vars {
		val, ok := vars[v]
		if !ok || val == "" {
			return "", fmt.Errorf("scope: missing value for variable %q in pattern %q", v, p.raw)
		}
		parts = append(parts, val)
	}
	return strings.Join(parts, ":"), nil
}

// Registry holds the set of patterns a table handler declared, used to
// validate and canonicalize both change-time scope tags and
// subscription-time scope requests.
type Registry struct {
	patterns map[string]Pattern // keyed by pattern.Key()
}

// NewRegistry builds a Registry from a table handler's declared patterns.
func NewRegistry(patterns []Pattern) *Registry {
	r := &Registry{patterns: make(map[string]Pattern, len(patterns))}
	for _, p := range patterns {
		r.patterns[p.Key()] = p
	}
	return r
}

// Lookup returns the registered pattern for a given key, if any.
func (r *Registry) Lookup(key string) (Pattern, bool) {
	p, ok := r.patterns[key]
	return p, ok
}

// ExpandSubscription turns one registered pattern key and its
// multi-valued variable bindings (each variable mapped to a slice of
// values) into the full Cartesian product of canonical scope keys it
// subscribes to. Requesting "project" for project:{orgId}:{projectId}
// with orgId in ["a"] and projectId in ["x","y"] expands to
// "project:a:x" and "project:a:y".
func (r *Registry) ExpandSubscription(key string, multiVars map[string][]string) ([]string, error) {
	p, ok := r.patterns[key]
	if !ok {
		return nil, fmt.Errorf("scope: unknown scope key %q", key)
	}
	if len(p.vars) == 0 {
		return []string{p.key}, nil
	}

	// Build the Cartesian product of the per-variable value lists, in
	// the pattern's declared variable order, so output keys are stable.
	combos := [][]string{{}}
	for _, varName := range p.vars {
		values, ok := multiVars[varName]
		if !ok || len(values) == 0 {
			return nil, fmt.Errorf("scope: missing values for variable %q in scope %q", varName, key)
		}
		var next [][]string
		for _, combo := range combos {
			for _, v := range values {
				extended := append(append([]string{}, combo...), v)
				next = append(next, extended)
			}
		}
		combos = next
	}

	keys := make([]string, 0, len(combos))
	seen := make(map[string]struct{}, len(combos))
	for _, combo := range combos {
		vars := make(map[string]string, len(p.vars))
		for i, varName := range p.vars {
			vars[varName] = combo[i]
		}
		canonical, err := p.CanonicalKey(vars)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		keys = append(keys, canonical)
	}
	sort.Strings(keys)
	return keys, nil
}

// MatchesAny reports whether any of a change's resolved scope values
// (single canonical keys, one per scope the change was tagged with)
// intersects the set of scope keys a subscription expanded to.
func MatchesAny(changeScopes []string, subscriptionKeys map[string]struct{}) bool {
	for _, s := range changeScopes {
		if _, ok := subscriptionKeys[s]; ok {
			return true
		}
	}
	return false
}

// KeySet builds a lookup set from a slice of canonical scope keys, for
// repeated use with MatchesAny.
func KeySet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
