// ABOUTME: Built-in operations: ping, code generation, healing, architecture design, usage reports.
// ABOUTME: Register installs them and the built-in resources on a registry builder.

package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/orchestrator-gateway/internal/auth"
	"github.com/2389/orchestrator-gateway/internal/registry"
	"github.com/2389/orchestrator-gateway/internal/store"
)

// Scopes required by the built-in operations.
const (
	ScopeGenerate     = "tools:generate"
	ScopeHeal         = "tools:heal"
	ScopeArchitecture = "tools:architecture"
	ScopeAnalytics    = "analytics:read"
)

// ErrUsageDisabled indicates usage statistics were requested without a store.
var ErrUsageDisabled = errors.New("usage analytics are disabled")

// Deps are the collaborators the built-ins need. Generator defaults to a
// TemplateGenerator; Usage may be nil when analytics persistence is off.
type Deps struct {
	Generator Generator
	Usage     store.UsageStore
	Status    func() Status
	Now       func() time.Time
	Logger    *slog.Logger
}

type handlers struct {
	gen    Generator
	usage  store.UsageStore
	status func() Status
	now    func() time.Time
	logger *slog.Logger
}

// Register adds every built-in operation and resource to b.
func Register(b *registry.Builder, deps Deps) error {
	h := &handlers{
		gen:    deps.Generator,
		usage:  deps.Usage,
		status: deps.Status,
		now:    deps.Now,
		logger: deps.Logger,
	}
	if h.gen == nil {
		h.gen = NewTemplateGenerator()
	}
	if h.status == nil {
		h.status = func() Status { return Status{} }
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "builtins")

	var errs []error
	for _, op := range h.operations() {
		errs = append(errs, b.RegisterOperation(op))
	}
	for _, res := range h.resources() {
		errs = append(errs, b.RegisterResource(res))
	}
	return errors.Join(errs...)
}

func (h *handlers) operations() []registry.Operation {
	return []registry.Operation{
		{
			Name:        "ping",
			Description: "Check that the gateway is reachable and the caller is authenticated",
			Handler:     registry.HandlerFunc(h.ping),
		},
		{
			Name:           "generate_code",
			Description:    "Generate a code scaffold from a description",
			RequiredScopes: []string{ScopeGenerate},
			Timeout:        60 * time.Second,
			Handler:        registry.MustTyped(h.generateCode),
		},
		{
			Name:           "heal_code",
			Description:    "Repair broken code given the code and an optional error message",
			RequiredScopes: []string{ScopeHeal},
			Handler:        registry.MustTyped(h.healCode),
		},
		{
			Name:           "design_architecture",
			Description:    "Propose a component architecture for a set of requirements",
			RequiredScopes: []string{ScopeArchitecture},
			Handler:        registry.MustTyped(h.designArchitecture),
		},
		{
			Name:           "usage_report",
			Description:    "Summarize recorded invocations per operation",
			RequiredScopes: []string{ScopeAnalytics},
			Handler:        registry.MustTyped(h.usageReport),
		},
	}
}

type pingResult struct {
	Status   string `json:"status"`
	Time     string `json:"time"`
	Subject  string `json:"subject,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
}

func (h *handlers) ping(_ context.Context, _ json.RawMessage, caller *auth.AuthContext) (any, error) {
	res := pingResult{Status: "ok", Time: h.now().UTC().Format(time.RFC3339)}
	if caller != nil {
		res.Subject = caller.Subject
		res.Degraded = caller.Degraded
	}
	return res, nil
}

type generateArgs struct {
	Language    string `json:"language" jsonschema:"description=Target language,enum=go,enum=python,enum=typescript"`
	Description string `json:"description" jsonschema:"description=What the generated code should do"`
	Name        string `json:"name,omitempty" jsonschema:"description=Function name; derived from the description when omitted"`
}

func (h *handlers) generateCode(ctx context.Context, in generateArgs, _ *auth.AuthContext) (any, error) {
	return h.gen.GenerateCode(ctx, CodeRequest{Language: in.Language, Description: in.Description, Name: in.Name})
}

type healArgs struct {
	Language string `json:"language" jsonschema:"description=Language of the code,enum=go,enum=python,enum=typescript"`
	Code     string `json:"code" jsonschema:"description=The broken source"`
	Error    string `json:"error,omitempty" jsonschema:"description=Compiler or runtime error message"`
}

func (h *handlers) healCode(ctx context.Context, in healArgs, _ *auth.AuthContext) (any, error) {
	return h.gen.HealCode(ctx, HealRequest{Language: in.Language, Code: in.Code, Error: in.Error})
}

type architectureArgs struct {
	Requirements string   `json:"requirements" jsonschema:"description=What the system must do"`
	Scale        string   `json:"scale,omitempty" jsonschema:"description=Expected scale,enum=small,enum=medium,enum=large"`
	Constraints  []string `json:"constraints,omitempty" jsonschema:"description=Hard constraints to respect"`
}

func (h *handlers) designArchitecture(ctx context.Context, in architectureArgs, _ *auth.AuthContext) (any, error) {
	return h.gen.DesignArchitecture(ctx, ArchitectureRequest{
		Requirements: in.Requirements,
		Scale:        in.Scale,
		Constraints:  in.Constraints,
	})
}

type usageArgs struct {
	Since     string `json:"since,omitempty" jsonschema:"description=Look-back window as a Go duration such as 24h"`
	Operation string `json:"operation,omitempty" jsonschema:"description=Restrict the report to one operation"`
}

func (h *handlers) usageReport(ctx context.Context, in usageArgs, _ *auth.AuthContext) (any, error) {
	if h.usage == nil {
		return nil, ErrUsageDisabled
	}

	var filter store.UsageFilter
	if in.Since != "" {
		d, err := time.ParseDuration(in.Since)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid since %q: want a positive duration like 24h", in.Since)
		}
		since := h.now().Add(-d)
		filter.Since = &since
	}
	if in.Operation != "" {
		filter.Name = &in.Operation
	}

	stats, err := h.usage.GetUsageStats(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("loading usage: %w", err)
	}
	return newUsageReport(stats), nil
}
