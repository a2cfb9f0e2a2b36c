// ABOUTME: Authentication context for tracking identity through a single request
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"
)

// AuthContext holds the authenticated identity for one request. It is built by
// the gate after validation and dropped when the response is written; it is
// never cached or shared between requests.
type AuthContext struct {
	Subject       string
	Scopes        []string
	Audience      []string
	ClientID      string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	CorrelationID string
	TenantID      string
	IsMachine     bool
	Custom        map[string]any

	// Degraded is set when the request was admitted without verification
	// because the identity provider is unavailable.
	Degraded bool
}

// NewAuthContext derives a request-scoped context from validated claims.
// Fails with ErrExpiredToken unless ExpiresAt is after now.
func NewAuthContext(c *Claims, correlationID string, now time.Time) (*AuthContext, error) {
	if !c.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expired at %s", ErrExpiredToken, c.ExpiresAt.UTC().Format(time.RFC3339))
	}

	// A correlation ID minted by the issuer does not override the request's own.
	if correlationID == "" {
		correlationID = c.CorrelationID
	}

	return &AuthContext{
		Subject:       c.Subject,
		Scopes:        slices.Clone(c.Scopes),
		Audience:      slices.Clone(c.Audience),
		ClientID:      c.ClientID,
		IssuedAt:      c.IssuedAt,
		ExpiresAt:     c.ExpiresAt,
		CorrelationID: correlationID,
		TenantID:      c.TenantID,
		IsMachine:     c.IsMachine,
		Custom:        maps.Clone(c.Custom),
	}, nil
}

// anonymousContext is attached when degraded mode admits an unverified request.
func anonymousContext(correlationID string, now time.Time, ttl time.Duration) *AuthContext {
	return &AuthContext{
		Subject:       "anonymous",
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
		CorrelationID: correlationID,
		Degraded:      true,
	}
}

// HasScope reports whether the scope was granted.
func (a *AuthContext) HasScope(scope string) bool {
	return slices.Contains(a.Scopes, scope)
}

// HasScopes reports whether every required scope was granted. An empty
// requirement is always satisfied.
func (a *AuthContext) HasScopes(required []string) bool {
	for _, s := range required {
		if !a.HasScope(s) {
			return false
		}
	}
	return true
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
