// ABOUTME: Dispatch engine: handshake, discovery, and time-bounded invocation.
// ABOUTME: Normalizes handler output and captures timeouts and panics as in-band results.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/2389/orchestrator-gateway/internal/analytics"
	"github.com/2389/orchestrator-gateway/internal/auth"
	"github.com/2389/orchestrator-gateway/internal/correlation"
	"github.com/2389/orchestrator-gateway/internal/registry"
)

// DefaultTimeout applies to operations without their own timeout.
const DefaultTimeout = 30 * time.Second

// ErrTimeout indicates a handler exceeded its time budget.
var ErrTimeout = errors.New("operation timed out")

// ErrHandlerFailure indicates a handler returned an error or panicked.
var ErrHandlerFailure = errors.New("handler failed")

// EngineConfig configures an Engine.
type EngineConfig struct {
	Registry       *registry.Registry
	DefaultTimeout time.Duration
	// Timeouts override per-operation timeouts by name.
	Timeouts map[string]time.Duration
	// Sink receives one event per invocation; nil disables analytics.
	Sink analytics.Sink

	ServerName    string
	ServerVersion string
	Instructions  string
	Logger        *slog.Logger
}

// Engine implements the protocol surface over a Registry. It holds no
// per-request state.
type Engine struct {
	registry       *registry.Registry
	defaultTimeout time.Duration
	timeouts       map[string]time.Duration
	sink           analytics.Sink
	info           Implementation
	instructions   string
	logger         *slog.Logger
}

// NewEngine creates a dispatch engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}

	defaultTimeout := cfg.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}

	timeouts := make(map[string]time.Duration, len(cfg.Timeouts))
	for name, d := range cfg.Timeouts {
		if _, err := cfg.Registry.Lookup(name); err != nil {
			return nil, fmt.Errorf("timeout configured for unknown operation %q", name)
		}
		if d <= 0 {
			return nil, fmt.Errorf("timeout for %q must be positive", name)
		}
		timeouts[name] = d
	}

	name := cfg.ServerName
	if name == "" {
		name = "orchestrator-gateway"
	}
	version := cfg.ServerVersion
	if version == "" {
		version = "dev"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		registry:       cfg.Registry,
		defaultTimeout: defaultTimeout,
		timeouts:       timeouts,
		sink:           cfg.Sink,
		info:           Implementation{Name: name, Version: version},
		instructions:   cfg.Instructions,
		logger:         logger.With("component", "engine"),
	}, nil
}

// Registry returns the engine's registry.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Initialize answers the handshake. It has no side effects, so repeating it
// is harmless.
func (e *Engine) Initialize(ctx context.Context, params InitializeParams) InitializeResult {
	version := params.ProtocolVersion
	if !slices.Contains(supportedProtocolVersions, version) {
		version = LatestProtocolVersion
	}

	e.logger.Debug("initialize",
		"correlation_id", correlation.FromContext(ctx),
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"requested_protocol", params.ProtocolVersion,
		"protocol", version,
	)

	return InitializeResult{
		ProtocolVersion: version,
		Capabilities: map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{"subscribe": false, "listChanged": false},
		},
		ServerInfo:   e.info,
		Instructions: e.instructions,
	}
}

// ListOperations returns every registered operation.
func (e *Engine) ListOperations(_ context.Context) []OperationInfo {
	infos := e.registry.Operations()
	out := make([]OperationInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, OperationInfo{
			Name:        info.Name,
			Description: info.Description,
			InputSchema: info.InputShape.JSONSchema(),
		})
	}
	return out
}

// ListResources returns every registered resource.
func (e *Engine) ListResources(_ context.Context) []ResourceInfo {
	infos := e.registry.Resources()
	out := make([]ResourceInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, ResourceInfo{
			URI:         info.URI,
			Name:        info.Name,
			Description: info.Description,
			MimeType:    info.MediaType,
		})
	}
	return out
}

// InvokeOperation runs the named operation. Unknown names fail with
// registry.ErrNotFound and mismatched arguments with registry.ErrInvalidArguments;
// in both cases the handler is not called. Timeouts and handler failures are
// reported inside the returned result.
func (e *Engine) InvokeOperation(ctx context.Context, name string, args json.RawMessage) (*CallResult, error) {
	ctx, correlationID := correlation.Ensure(ctx)
	logger := e.logger.With("correlation_id", correlationID, "operation", name)

	op, err := e.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if err := op.InputShape.Validate(args); err != nil {
		logger.Debug("arguments rejected", "error", err)
		return nil, err
	}

	caller := auth.FromContext(ctx)
	timeout := e.timeoutFor(op)

	start := time.Now()
	value, err := e.run(ctx, timeout, func(ctx context.Context) (any, error) {
		return op.Handler.Handle(ctx, args, caller)
	})
	elapsed := time.Since(start)

	result := &CallResult{CorrelationID: correlationID}
	if err == nil {
		err = normalizeCallResult(result, value)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && !errors.Is(err, ErrHandlerFailure) {
			// The caller went away; there is nobody to report to.
			return nil, err
		}
		result.IsError = true
		result.Error = invocationError(err, timeout)
		result.Content = []Content{{Type: "text", Text: result.Error.Message}}
		e.logFailure(logger, err, elapsed)
	} else {
		logger.Debug("operation complete", "duration", elapsed)
	}

	e.record(ctx, analytics.Event{
		Kind:          analytics.KindOperation,
		Name:          name,
		Duration:      elapsed,
		Success:       !result.IsError,
		ErrorCode:     errorCode(result.Error),
		CorrelationID: correlationID,
		Subject:       subjectOf(caller),
		Degraded:      caller != nil && caller.Degraded,
		Timestamp:     start,
	})

	return result, nil
}

// ReadResource reads the resource at uri. Unknown URIs fail with
// registry.ErrNotFound; handler failures are reported in the result.
func (e *Engine) ReadResource(ctx context.Context, uri string) (*ReadResult, error) {
	ctx, correlationID := correlation.Ensure(ctx)
	logger := e.logger.With("correlation_id", correlationID, "uri", uri)

	res, err := e.registry.LookupResource(uri)
	if err != nil {
		return nil, err
	}

	caller := auth.FromContext(ctx)
	start := time.Now()
	value, err := e.run(ctx, e.defaultTimeout, func(ctx context.Context) (any, error) {
		return res.Handler.Read(ctx, uri, caller)
	})
	elapsed := time.Since(start)

	result := &ReadResult{CorrelationID: correlationID}
	if err == nil {
		var content ResourceContent
		content, err = normalizeResourceContent(uri, res.MediaType, value)
		result.Contents = []ResourceContent{content}
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && !errors.Is(err, ErrHandlerFailure) {
			return nil, err
		}
		result.IsError = true
		result.Error = invocationError(err, e.defaultTimeout)
		result.Contents = []ResourceContent{}
		e.logFailure(logger, err, elapsed)
	}

	e.record(ctx, analytics.Event{
		Kind:          analytics.KindResource,
		Name:          uri,
		Duration:      elapsed,
		Success:       !result.IsError,
		ErrorCode:     errorCode(result.Error),
		CorrelationID: correlationID,
		Subject:       subjectOf(caller),
		Degraded:      caller != nil && caller.Degraded,
		Timestamp:     start,
	})

	return result, nil
}

func (e *Engine) timeoutFor(op registry.Operation) time.Duration {
	if d, ok := e.timeouts[op.Name]; ok {
		return d
	}
	if op.Timeout > 0 {
		return op.Timeout
	}
	return e.defaultTimeout
}

// outcome carries a handler's return values across the goroutine boundary.
type outcome struct {
	value any
	err   error
}

// panicError is a recovered handler panic. The stack is logged, never returned.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// run executes fn on its own goroutine with a deadline. It returns as soon as
// the deadline passes whether or not fn honors cancellation; an abandoned fn
// finishes into a buffered channel and is garbage collected.
func (e *Engine) run(ctx context.Context, timeout time.Duration, fn func(context.Context) (any, error)) (any, error) {
	ctx = registry.WithRegistry(ctx, e.registry)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %w", ErrHandlerFailure, &panicError{value: r, stack: debug.Stack()})}
			}
		}()
		v, err := fn(ctx)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrHandlerFailure, err)
		}
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return o.value, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return nil, ctx.Err()
	}
}

func (e *Engine) logFailure(logger *slog.Logger, err error, elapsed time.Duration) {
	var p *panicError
	switch {
	case errors.As(err, &p):
		logger.Error("handler panicked", "panic", p.value, "stack", string(p.stack), "duration", elapsed)
	case errors.Is(err, ErrTimeout):
		logger.Warn("handler timed out", "duration", elapsed)
	default:
		logger.Warn("handler failed", "error", err, "duration", elapsed)
	}
}

func (e *Engine) record(ctx context.Context, ev analytics.Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Record(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Debug("analytics record failed", "error", err, "correlation_id", ev.CorrelationID)
	}
}

// invocationError renders a failure for the caller without internal detail.
func invocationError(err error, timeout time.Duration) *InvocationError {
	var p *panicError
	switch {
	case errors.Is(err, ErrTimeout):
		return &InvocationError{Code: FailureTimeout, Message: fmt.Sprintf("operation exceeded its %s timeout", timeout)}
	case errors.As(err, &p):
		return &InvocationError{Code: FailureHandlerFailure, Message: "handler failed unexpectedly"}
	default:
		return &InvocationError{
			Code:    FailureHandlerFailure,
			Message: strings.TrimPrefix(err.Error(), ErrHandlerFailure.Error()+": "),
		}
	}
}

func errorCode(e *InvocationError) string {
	if e == nil {
		return ""
	}
	return e.Code
}

func subjectOf(a *auth.AuthContext) string {
	if a == nil {
		return ""
	}
	return a.Subject
}

// normalizeCallResult fills result from a handler's return value: strings and
// byte slices become text, *CallResult and []Content pass through, anything
// else is rendered as JSON text plus structured content.
func normalizeCallResult(result *CallResult, value any) error {
	switch v := value.(type) {
	case nil:
		result.Content = []Content{}
	case string:
		result.Content = []Content{{Type: "text", Text: v}}
	case []byte:
		result.Content = []Content{{Type: "text", Text: string(v)}}
	case []Content:
		result.Content = v
	case *CallResult:
		result.Content = v.Content
		result.StructuredContent = v.StructuredContent
		result.IsError = v.IsError
		result.Error = v.Error
	default:
		encoded, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("%w: result not encodable: %v", ErrHandlerFailure, err)
		}
		result.Content = []Content{{Type: "text", Text: string(encoded)}}
		result.StructuredContent = v
	}
	if result.Content == nil {
		result.Content = []Content{}
	}
	return nil
}

func normalizeResourceContent(uri, mediaType string, value any) (ResourceContent, error) {
	content := ResourceContent{URI: uri, MimeType: mediaType}
	switch v := value.(type) {
	case string:
		content.Text = v
	case []byte:
		content.Blob = v
	default:
		encoded, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return content, fmt.Errorf("%w: resource not encodable: %v", ErrHandlerFailure, err)
		}
		content.Text = string(encoded)
	}
	return content, nil
}
