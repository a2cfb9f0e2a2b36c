// ABOUTME: Tests for the static scope table
// ABOUTME: Covers lookups and startup validation against registered operations

package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeTable_Required(t *testing.T) {
	table := NewScopeTable(map[string][]string{
		"ping":          nil,
		"generate_code": {"tools:generate"},
	})

	scopes, ok := table.Required("generate_code")
	assert.True(t, ok)
	assert.Equal(t, []string{"tools:generate"}, scopes)

	scopes, ok = table.Required("ping")
	assert.True(t, ok, "empty entry is still an entry")
	assert.Empty(t, scopes)

	_, ok = table.Required("missing")
	assert.False(t, ok)

	var nilTable *ScopeTable
	_, ok = nilTable.Required("ping")
	assert.False(t, ok)
}

func TestScopeTable_IsImmutable(t *testing.T) {
	src := map[string][]string{"generate_code": {"tools:generate"}}
	table := NewScopeTable(src)
	src["generate_code"][0] = "admin"

	scopes, _ := table.Required("generate_code")
	scopes[0] = "mutated"

	again, _ := table.Required("generate_code")
	assert.Equal(t, []string{"tools:generate"}, again)
}

func TestScopeTable_NamesAndScopes(t *testing.T) {
	table := NewScopeTable(map[string][]string{
		"heal_code":     {"tools:heal", "tools:generate"},
		"generate_code": {"tools:generate"},
		"ping":          {},
	})
	assert.Equal(t, []string{"generate_code", "heal_code", "ping"}, table.Names())
	assert.Equal(t, []string{"tools:generate", "tools:heal"}, table.AllScopes())
}

func TestScopeTable_Validate(t *testing.T) {
	table := NewScopeTable(map[string][]string{
		"ping":          {},
		"generate_code": {"tools:generate"},
	})

	tests := []struct {
		name       string
		registered []string
		wantErr    string
	}{
		{"exact match", []string{"generate_code", "ping"}, ""},
		{"operation without entry", []string{"generate_code", "ping", "heal_code"}, "no entry for heal_code"},
		{"entry without operation", []string{"ping"}, "unknown operations generate_code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := table.Validate(tt.registered)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrScopeTableMismatch)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
