// ABOUTME: Static operation-name to required-scope table
// ABOUTME: Validated at startup against the registered operations, both directions

package auth

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ScopeTable maps operation names to the scopes a token must carry to invoke
// them. An entry with no scopes still requires a valid token.
type ScopeTable struct {
	entries map[string][]string
}

// NewScopeTable copies entries into an immutable table.
func NewScopeTable(entries map[string][]string) *ScopeTable {
	t := &ScopeTable{entries: make(map[string][]string, len(entries))}
	for name, scopes := range entries {
		t.entries[name] = slices.Clone(scopes)
	}
	return t
}

// Required returns the scopes required by operation name and whether the
// table has an entry for it.
func (t *ScopeTable) Required(name string) ([]string, bool) {
	if t == nil {
		return nil, false
	}
	scopes, ok := t.entries[name]
	return slices.Clone(scopes), ok
}

// Names returns the operation names in the table, sorted.
func (t *ScopeTable) Names() []string {
	if t == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(t.entries))
}

// AllScopes returns every distinct scope named by the table, sorted.
func (t *ScopeTable) AllScopes() []string {
	if t == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, scopes := range t.entries {
		for _, s := range scopes {
			seen[s] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Validate checks that the table has exactly one entry per registered
// operation. Both missing and extra entries fail with ErrScopeTableMismatch.
func (t *ScopeTable) Validate(registered []string) error {
	var missing, extra []string

	want := make(map[string]struct{}, len(registered))
	for _, name := range registered {
		want[name] = struct{}{}
		if _, ok := t.entries[name]; !ok {
			missing = append(missing, name)
		}
	}
	for name := range t.entries {
		if _, ok := want[name]; !ok {
			extra = append(extra, name)
		}
	}

	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}

	slices.Sort(missing)
	slices.Sort(extra)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "no entry for "+strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		parts = append(parts, "unknown operations "+strings.Join(extra, ", "))
	}
	return fmt.Errorf("%w: %s", ErrScopeTableMismatch, strings.Join(parts, "; "))
}
