// ABOUTME: Tests for built-in operation and resource registration.
// ABOUTME: Runs the handlers through a real engine and SQLite store.

package builtins

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/orchestrator-gateway/internal/analytics"
	"github.com/2389/orchestrator-gateway/internal/auth"
	"github.com/2389/orchestrator-gateway/internal/mcp"
	"github.com/2389/orchestrator-gateway/internal/registry"
	"github.com/2389/orchestrator-gateway/internal/store"
)

var fixedNow = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "builtins.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T, usage store.UsageStore) (*mcp.Engine, *registry.Registry) {
	t.Helper()
	b := registry.NewBuilder(nil)
	require.NoError(t, Register(b, Deps{
		Usage: usage,
		Status: func() Status {
			return Status{Name: "gw", Version: "1.2.3", StartedAt: fixedNow.Add(-90 * time.Minute), AuthMode: "local", ProviderAvailable: true}
		},
		Now: func() time.Time { return fixedNow },
	}))
	reg, err := b.Build()
	require.NoError(t, err)

	e, err := mcp.NewEngine(mcp.EngineConfig{Registry: reg})
	require.NoError(t, err)
	return e, reg
}

func invoke(t *testing.T, ctx context.Context, e *mcp.Engine, name, args string) *mcp.CallResult {
	t.Helper()
	res, err := e.InvokeOperation(ctx, name, json.RawMessage(args))
	require.NoError(t, err)
	return res
}

func TestRegister_Catalog(t *testing.T) {
	_, reg := newTestEngine(t, nil)

	assert.Equal(t, []string{"ping", "generate_code", "heal_code", "design_architecture", "usage_report"}, reg.OperationNames())
	assert.Equal(t, map[string][]string{
		"ping":                nil,
		"generate_code":       {ScopeGenerate},
		"heal_code":           {ScopeHeal},
		"design_architecture": {ScopeArchitecture},
		"usage_report":        {ScopeAnalytics},
	}, reg.ScopeEntries())
	assert.Equal(t, 4, reg.NumResources())

	op, err := reg.Lookup("generate_code")
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, op.Timeout)
	assert.Equal(t, []string{"language", "description"}, op.InputShape.Required)
}

func TestRegister_Twice(t *testing.T) {
	b := registry.NewBuilder(nil)
	require.NoError(t, Register(b, Deps{}))
	err := Register(b, Deps{})
	require.ErrorIs(t, err, registry.ErrDuplicateName)
	require.ErrorIs(t, err, registry.ErrDuplicateURI)
}

func TestPing(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := auth.WithAuth(context.Background(), &auth.AuthContext{Subject: "svc-1"})

	res := invoke(t, ctx, e, "ping", "")
	require.False(t, res.IsError)
	assert.JSONEq(t, `{"status":"ok","time":"2026-05-01T09:30:00Z","subject":"svc-1"}`, res.Content[0].Text)

	_, err := e.InvokeOperation(ctx, "ping", json.RawMessage(`{"unexpected":1}`))
	require.ErrorIs(t, err, registry.ErrInvalidArguments)
}

func TestAgentOperations(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	res := invoke(t, ctx, e, "generate_code", `{"language":"go","description":"rotate api keys"}`)
	require.False(t, res.IsError)
	var code CodeResult
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &code))
	assert.Equal(t, "rotate_api_keys.go", code.Filename)

	_, err := e.InvokeOperation(ctx, "generate_code", json.RawMessage(`{"language":"cobol","description":"x"}`))
	require.ErrorIs(t, err, registry.ErrInvalidArguments, "enum is enforced before the handler runs")

	res = invoke(t, ctx, e, "heal_code", `{"language":"go","code":"func f() {"}`)
	require.False(t, res.IsError)
	var healed HealResult
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &healed))
	assert.True(t, healed.Healed)

	res = invoke(t, ctx, e, "design_architecture", `{"requirements":"chat service","scale":"medium"}`)
	require.False(t, res.IsError)
	var design ArchitectureResult
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &design))
	assert.Equal(t, "medium", design.Scale)
}

func TestUsageReport(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		e, _ := newTestEngine(t, nil)
		res := invoke(t, context.Background(), e, "usage_report", `{}`)
		assert.True(t, res.IsError)
		assert.Equal(t, mcp.FailureHandlerFailure, res.Error.Code)
		assert.Equal(t, ErrUsageDisabled.Error(), res.Error.Message)
	})

	t.Run("from store", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()
		for i, name := range []string{"generate_code", "generate_code", "heal_code"} {
			require.NoError(t, s.Record(ctx, analytics.Event{
				Kind: analytics.KindOperation, Name: name, Success: i != 2,
				Duration: 10 * time.Millisecond, Timestamp: fixedNow.Add(-time.Duration(i) * time.Hour),
			}))
		}
		// Outside the 24h window.
		require.NoError(t, s.Record(ctx, analytics.Event{
			Kind: analytics.KindOperation, Name: "ping", Success: true, Timestamp: fixedNow.Add(-48 * time.Hour),
		}))

		e, _ := newTestEngine(t, s)
		res := invoke(t, ctx, e, "usage_report", `{"since":"24h"}`)
		require.False(t, res.IsError, res.Content)

		var report UsageReport
		require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &report))
		assert.True(t, report.Enabled)
		assert.Equal(t, int64(3), report.TotalCalls)
		assert.Equal(t, int64(1), report.TotalFailures)
		require.Len(t, report.Operations, 2)
		assert.Equal(t, "generate_code", report.Operations[0].Name)

		res = invoke(t, ctx, e, "usage_report", `{"operation":"ping"}`)
		require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &report))
		assert.Equal(t, int64(1), report.TotalCalls)

		res = invoke(t, ctx, e, "usage_report", `{"since":"yesterday"}`)
		assert.True(t, res.IsError)
	})
}

func TestResources(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	read := func(uri string, dst any) {
		t.Helper()
		res, err := e.ReadResource(ctx, uri)
		require.NoError(t, err)
		require.False(t, res.IsError)
		require.NoError(t, json.Unmarshal([]byte(res.Contents[0].Text), dst))
	}

	var status Status
	read(URIStatus, &status)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Equal(t, "1h30m0s", status.Uptime)
	assert.Equal(t, 5, status.Operations)
	assert.Equal(t, 4, status.Resources)

	var ops struct {
		Operations []struct {
			Name           string   `json:"name"`
			RequiredScopes []string `json:"required_scopes"`
		} `json:"operations"`
	}
	read(URIOperations, &ops)
	require.Len(t, ops.Operations, 5)
	assert.Equal(t, "ping", ops.Operations[0].Name)
	assert.Empty(t, ops.Operations[0].RequiredScopes)
	assert.Equal(t, []string{ScopeGenerate}, ops.Operations[1].RequiredScopes)

	var usage UsageReport
	read(URIUsage, &usage)
	assert.False(t, usage.Enabled)

	var templates struct {
		Templates []TemplateInfo `json:"templates"`
	}
	read(URITemplates, &templates)
	assert.Len(t, templates.Templates, 3)
}
