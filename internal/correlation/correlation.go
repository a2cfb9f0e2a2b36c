// ABOUTME: Per-request correlation IDs threaded through auth, dispatch, and responses.
// ABOUTME: Honors a caller-supplied X-Correlation-ID header or generates a UUID.

package correlation

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header is the HTTP header carrying the correlation ID in both directions.
const Header = "X-Correlation-ID"

// maxLength bounds caller-supplied IDs so they stay safe to log.
const maxLength = 128

type contextKey struct{}

// New returns a freshly generated correlation ID.
func New() string {
	return uuid.New().String()
}

// WithID returns a context carrying the given correlation ID.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the correlation ID stored in ctx, or "" if there is none.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Ensure returns ctx unchanged if it already carries an ID, otherwise a context
// with a new one. The returned string is the ID in effect.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := New()
	return WithID(ctx, id), id
}

// valid reports whether a caller-supplied ID is acceptable: non-empty, bounded,
// and printable ASCII without spaces.
func valid(id string) bool {
	if id == "" || len(id) > maxLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

// Middleware assigns a correlation ID to every request and echoes it in the
// response header. A well-formed inbound X-Correlation-ID is honored.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if !valid(id) {
			id = New()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}
