// ABOUTME: Two-phase operation and resource registry.
// ABOUTME: A Builder accumulates registrations; Build freezes them into an immutable Registry.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// ErrDuplicateName indicates an operation name is already registered.
var ErrDuplicateName = errors.New("duplicate operation name")

// ErrDuplicateURI indicates a resource URI is already registered.
var ErrDuplicateURI = errors.New("duplicate resource uri")

// ErrNotFound indicates no operation or resource matches the lookup.
var ErrNotFound = errors.New("not found")

// ErrInvalidArguments indicates call arguments do not match the input shape.
var ErrInvalidArguments = errors.New("invalid arguments")

// ErrInvalidRegistration indicates a malformed registration.
var ErrInvalidRegistration = errors.New("invalid registration")

// ErrFrozen indicates registration was attempted after Build.
var ErrFrozen = errors.New("registry is frozen")

// Operation is a named, invokable unit of functionality.
type Operation struct {
	Name           string
	Description    string
	InputShape     *InputShape
	RequiredScopes []string
	Timeout        time.Duration // zero means the engine default
	Handler        Handler
}

// Resource is a named, readable unit of content, looked up by exact URI.
type Resource struct {
	URI         string
	Name        string
	Description string
	MediaType   string
	Handler     ResourceHandler
}

// OperationInfo is the discovery view of an operation.
type OperationInfo struct {
	Name        string
	Description string
	InputShape  *InputShape
}

// ResourceInfo is the discovery view of a resource.
type ResourceInfo struct {
	URI         string
	Name        string
	Description string
	MediaType   string
}

// Builder accumulates registrations in order. It is safe for concurrent use,
// so handler modules can register from init paths in any order.
type Builder struct {
	mu        sync.Mutex
	ops       []*Operation
	opIndex   map[string]*Operation
	resources []*Resource
	resIndex  map[string]*Resource
	built     bool
	logger    *slog.Logger
}

// NewBuilder creates an empty Builder.
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		opIndex:  make(map[string]*Operation),
		resIndex: make(map[string]*Resource),
		logger:   logger.With("component", "registry"),
	}
}

// RegisterOperation adds an operation. Re-registering a name fails with
// ErrDuplicateName and leaves the first registration in place. A nil
// InputShape is taken from the handler when it provides one, else empty.
func (b *Builder) RegisterOperation(op Operation) error {
	if op.Name == "" {
		return fmt.Errorf("%w: operation name is empty", ErrInvalidRegistration)
	}
	if op.Handler == nil {
		return fmt.Errorf("%w: operation %q has no handler", ErrInvalidRegistration, op.Name)
	}
	if op.Timeout < 0 {
		return fmt.Errorf("%w: operation %q has negative timeout", ErrInvalidRegistration, op.Name)
	}

	if op.InputShape == nil {
		if sp, ok := op.Handler.(ShapeProvider); ok {
			op.InputShape = sp.InputShape()
		} else {
			op.InputShape = EmptyShape()
		}
	}
	op.RequiredScopes = slices.Clone(op.RequiredScopes)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.built {
		return fmt.Errorf("%w: cannot register operation %q", ErrFrozen, op.Name)
	}
	if _, exists := b.opIndex[op.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, op.Name)
	}

	b.ops = append(b.ops, &op)
	b.opIndex[op.Name] = &op

	b.logger.Debug("operation registered", "operation", op.Name, "scopes", op.RequiredScopes)
	return nil
}

// RegisterResource adds a resource. Re-registering a URI fails with
// ErrDuplicateURI and leaves the first registration in place.
func (b *Builder) RegisterResource(res Resource) error {
	if res.URI == "" {
		return fmt.Errorf("%w: resource uri is empty", ErrInvalidRegistration)
	}
	if res.Handler == nil {
		return fmt.Errorf("%w: resource %q has no handler", ErrInvalidRegistration, res.URI)
	}
	if res.MediaType == "" {
		res.MediaType = "application/json"
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.built {
		return fmt.Errorf("%w: cannot register resource %q", ErrFrozen, res.URI)
	}
	if _, exists := b.resIndex[res.URI]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateURI, res.URI)
	}

	b.resources = append(b.resources, &res)
	b.resIndex[res.URI] = &res

	b.logger.Debug("resource registered", "uri", res.URI)
	return nil
}

// Build freezes the builder and returns the Registry. Later registrations
// and a second Build fail with ErrFrozen.
func (b *Builder) Build() (*Registry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.built {
		return nil, fmt.Errorf("%w: already built", ErrFrozen)
	}
	b.built = true

	r := &Registry{
		ops:       maps.Clone(b.opIndex),
		opOrder:   make([]string, 0, len(b.ops)),
		resources: maps.Clone(b.resIndex),
		resOrder:  make([]string, 0, len(b.resources)),
	}
	for _, op := range b.ops {
		r.opOrder = append(r.opOrder, op.Name)
	}
	for _, res := range b.resources {
		r.resOrder = append(r.resOrder, res.URI)
	}

	b.logger.Info("registry built", "operations", len(r.opOrder), "resources", len(r.resOrder))
	return r, nil
}

// Registry is the immutable set of operations and resources. Reads need no
// locking.
type Registry struct {
	ops       map[string]*Operation
	opOrder   []string
	resources map[string]*Resource
	resOrder  []string
}

// Lookup returns the operation registered under name.
func (r *Registry) Lookup(name string) (Operation, error) {
	op, ok := r.ops[name]
	if !ok {
		return Operation{}, fmt.Errorf("%w: operation %q", ErrNotFound, name)
	}
	return *op, nil
}

// LookupResource returns the resource registered under uri.
func (r *Registry) LookupResource(uri string) (Resource, error) {
	res, ok := r.resources[uri]
	if !ok {
		return Resource{}, fmt.Errorf("%w: resource %q", ErrNotFound, uri)
	}
	return *res, nil
}

// Operations lists operations in registration order.
func (r *Registry) Operations() []OperationInfo {
	out := make([]OperationInfo, 0, len(r.opOrder))
	for _, name := range r.opOrder {
		op := r.ops[name]
		out = append(out, OperationInfo{
			Name:        op.Name,
			Description: op.Description,
			InputShape:  op.InputShape,
		})
	}
	return out
}

// Resources lists resources in registration order.
func (r *Registry) Resources() []ResourceInfo {
	out := make([]ResourceInfo, 0, len(r.resOrder))
	for _, uri := range r.resOrder {
		res := r.resources[uri]
		out = append(out, ResourceInfo{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MediaType:   res.MediaType,
		})
	}
	return out
}

// OperationNames returns operation names in registration order.
func (r *Registry) OperationNames() []string {
	return slices.Clone(r.opOrder)
}

// ScopeEntries returns the required scopes of every operation, keyed by name.
func (r *Registry) ScopeEntries() map[string][]string {
	out := make(map[string][]string, len(r.ops))
	for name, op := range r.ops {
		out[name] = slices.Clone(op.RequiredScopes)
	}
	return out
}

// NumOperations returns the number of registered operations.
func (r *Registry) NumOperations() int { return len(r.opOrder) }

// NumResources returns the number of registered resources.
func (r *Registry) NumResources() int { return len(r.resOrder) }

type registryKey struct{}

// WithRegistry attaches the registry to ctx for handlers that describe the
// gateway itself.
func WithRegistry(ctx context.Context, r *Registry) context.Context {
	return context.WithValue(ctx, registryKey{}, r)
}

// FromContext returns the registry attached by WithRegistry, or nil.
func FromContext(ctx context.Context) *Registry {
	r, _ := ctx.Value(registryKey{}).(*Registry)
	return r
}
