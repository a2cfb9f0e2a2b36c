// ABOUTME: Handler interfaces for operations and resources.
// ABOUTME: Typed adapts a func over a Go struct into a Handler with a derived input shape.

package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/orchestrator-gateway/internal/auth"
)

// Handler executes an operation. Implementations must honor ctx cancellation;
// the engine abandons handlers that outlive their timeout.
type Handler interface {
	Handle(ctx context.Context, args json.RawMessage, caller *auth.AuthContext) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args json.RawMessage, caller *auth.AuthContext) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, args json.RawMessage, caller *auth.AuthContext) (any, error) {
	return f(ctx, args, caller)
}

// ShapeProvider is implemented by handlers that know their own input shape.
type ShapeProvider interface {
	InputShape() *InputShape
}

// ResourceHandler produces the content of a resource. A string is returned as
// text, []byte as a blob, anything else is encoded as JSON.
type ResourceHandler interface {
	Read(ctx context.Context, uri string, caller *auth.AuthContext) (any, error)
}

// ResourceFunc adapts a function to ResourceHandler.
type ResourceFunc func(ctx context.Context, uri string, caller *auth.AuthContext) (any, error)

// Read calls f.
func (f ResourceFunc) Read(ctx context.Context, uri string, caller *auth.AuthContext) (any, error) {
	return f(ctx, uri, caller)
}

// typedHandler decodes arguments into In before calling fn.
type typedHandler[In any] struct {
	fn    func(ctx context.Context, in In, caller *auth.AuthContext) (any, error)
	shape *InputShape
}

// Typed wraps fn as a Handler whose input shape is derived from In, which must
// be a struct. Fields without omitempty are required arguments.
func Typed[In any](fn func(ctx context.Context, in In, caller *auth.AuthContext) (any, error)) (Handler, error) {
	shape, err := ShapeOf[In]()
	if err != nil {
		return nil, err
	}
	return &typedHandler[In]{fn: fn, shape: shape}, nil
}

// MustTyped is Typed that panics on error, for static registrations.
func MustTyped[In any](fn func(ctx context.Context, in In, caller *auth.AuthContext) (any, error)) Handler {
	h, err := Typed(fn)
	if err != nil {
		panic(err)
	}
	return h
}

func (h *typedHandler[In]) InputShape() *InputShape { return h.shape }

func (h *typedHandler[In]) Handle(ctx context.Context, args json.RawMessage, caller *auth.AuthContext) (any, error) {
	var in In
	if !isEmptyArgs(args) {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}
	return h.fn(ctx, in, caller)
}
