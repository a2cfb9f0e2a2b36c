// ABOUTME: Built-in resources describing the gateway itself and the project templates.
// ABOUTME: system://status, system://operations, system://usage, project://templates.

package builtins

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/2389/orchestrator-gateway/internal/auth"
	"github.com/2389/orchestrator-gateway/internal/registry"
	"github.com/2389/orchestrator-gateway/internal/store"
)

// Built-in resource URIs.
const (
	URIStatus     = "system://status"
	URIOperations = "system://operations"
	URIUsage      = "system://usage"
	URITemplates  = "project://templates"
)

// Status is the process-level view reported by system://status. Operation
// and resource counts are filled from the live registry.
type Status struct {
	Name              string    `json:"name"`
	Version           string    `json:"version"`
	StartedAt         time.Time `json:"started_at"`
	Uptime            string    `json:"uptime"`
	AuthMode          string    `json:"auth_mode"`
	ProviderPolicy    string    `json:"provider_policy"`
	ProviderAvailable bool      `json:"provider_available"`
	Operations        int       `json:"operations"`
	Resources         int       `json:"resources"`
}

func (h *handlers) resources() []registry.Resource {
	return []registry.Resource{
		{
			URI:         URIStatus,
			Name:        "Gateway status",
			Description: "Version, uptime, authentication mode, and identity provider health",
			MediaType:   "application/json",
			Handler:     registry.ResourceFunc(h.readStatus),
		},
		{
			URI:         URIOperations,
			Name:        "Operation catalog",
			Description: "Every registered operation with its required scopes",
			MediaType:   "application/json",
			Handler:     registry.ResourceFunc(h.readOperations),
		},
		{
			URI:         URIUsage,
			Name:        "Usage statistics",
			Description: "Invocation counts, failures, and latency per operation",
			MediaType:   "application/json",
			Handler:     registry.ResourceFunc(h.readUsage),
		},
		{
			URI:         URITemplates,
			Name:        "Code templates",
			Description: "Languages and templates available to generate_code",
			MediaType:   "application/json",
			Handler:     registry.ResourceFunc(h.readTemplates),
		},
	}
}

func (h *handlers) readStatus(ctx context.Context, _ string, _ *auth.AuthContext) (any, error) {
	s := h.status()
	if !s.StartedAt.IsZero() {
		s.Uptime = h.now().Sub(s.StartedAt).Truncate(time.Second).String()
	}
	if reg := registry.FromContext(ctx); reg != nil {
		s.Operations = reg.NumOperations()
		s.Resources = reg.NumResources()
	}
	return s, nil
}

type operationEntry struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	RequiredScopes []string       `json:"required_scopes"`
	InputSchema    map[string]any `json:"input_schema"`
}

func (h *handlers) readOperations(ctx context.Context, _ string, _ *auth.AuthContext) (any, error) {
	reg := registry.FromContext(ctx)
	if reg == nil {
		return nil, errors.New("registry unavailable")
	}

	scopes := reg.ScopeEntries()
	infos := reg.Operations()
	out := make([]operationEntry, 0, len(infos))
	for _, info := range infos {
		required := scopes[info.Name]
		if required == nil {
			required = []string{}
		}
		slices.Sort(required)
		out = append(out, operationEntry{
			Name:           info.Name,
			Description:    info.Description,
			RequiredScopes: required,
			InputSchema:    info.InputShape.JSONSchema(),
		})
	}
	return map[string]any{"operations": out}, nil
}

// UsageReport is the rendered form of store.UsageStats.
type UsageReport struct {
	Enabled       bool          `json:"enabled"`
	TotalCalls    int64         `json:"total_calls"`
	TotalFailures int64         `json:"total_failures"`
	DegradedCalls int64         `json:"degraded_calls"`
	Operations    []UsageRecord `json:"operations"`
}

// UsageRecord is one row of a UsageReport.
type UsageRecord struct {
	Name          string  `json:"name"`
	Kind          string  `json:"kind"`
	Calls         int64   `json:"calls"`
	Failures      int64   `json:"failures"`
	Timeouts      int64   `json:"timeouts"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	MaxDurationMS int64   `json:"max_duration_ms"`
	LastCalledAt  string  `json:"last_called_at"`
}

func newUsageReport(stats *store.UsageStats) UsageReport {
	r := UsageReport{
		Enabled:       true,
		TotalCalls:    stats.TotalCalls,
		TotalFailures: stats.TotalFailures,
		DegradedCalls: stats.DegradedCalls,
		Operations:    make([]UsageRecord, 0, len(stats.Operations)),
	}
	for _, op := range stats.Operations {
		r.Operations = append(r.Operations, UsageRecord{
			Name:          op.Name,
			Kind:          string(op.Kind),
			Calls:         op.Calls,
			Failures:      op.Failures,
			Timeouts:      op.Timeouts,
			AvgDurationMS: op.AvgDurationMS,
			MaxDurationMS: op.MaxDurationMS,
			LastCalledAt:  op.LastCalledAt.UTC().Format(time.RFC3339),
		})
	}
	return r
}

func (h *handlers) readUsage(ctx context.Context, _ string, _ *auth.AuthContext) (any, error) {
	if h.usage == nil {
		return UsageReport{Operations: []UsageRecord{}}, nil
	}
	stats, err := h.usage.GetUsageStats(ctx, store.UsageFilter{})
	if err != nil {
		return nil, err
	}
	return newUsageReport(stats), nil
}

func (h *handlers) readTemplates(context.Context, string, *auth.AuthContext) (any, error) {
	catalog, ok := h.gen.(TemplateCatalog)
	if !ok {
		return map[string]any{"templates": []TemplateInfo{}}, nil
	}
	return map[string]any{"templates": catalog.Templates()}, nil
}
