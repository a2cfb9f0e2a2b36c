// ABOUTME: Sentinel errors for token validation, exchange, and request authorization.
// ABOUTME: Maps every failure onto a stable reason string and HTTP status.

package auth

import (
	"errors"
	"net/http"
)

// Request gate errors.
var (
	ErrMissingAuthorization = errors.New("missing authorization")
	ErrInsufficientScope    = errors.New("insufficient scope")
)

// Token validation errors. Everything except ErrProviderUnavailable is reported
// to clients as an invalid token.
var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrKeyNotFound         = errors.New("signing key not found")
	ErrExpiredToken        = errors.New("token expired")
	ErrClaimMismatch       = errors.New("claim mismatch")
	ErrMissingClaim        = errors.New("missing required claim")
	ErrProviderUnavailable = errors.New("identity provider unavailable")
)

// ErrExchangeFailed indicates a credential could not be traded for a session token.
var ErrExchangeFailed = errors.New("credential exchange failed")

// ErrScopeTableMismatch indicates the static scope table and the registered
// operations disagree.
var ErrScopeTableMismatch = errors.New("scope table does not match registered operations")

// Reason strings are the stable machine-readable codes surfaced to callers.
const (
	ReasonMissingAuthorization = "missing_authorization"
	ReasonInvalidToken         = "invalid_token"
	ReasonInsufficientScope    = "insufficient_scope"
	ReasonExchangeFailed       = "exchange_failed"
	ReasonProviderUnavailable  = "provider_unavailable"
)

// Reason returns the client-visible reason code for an auth error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingAuthorization):
		return ReasonMissingAuthorization
	case errors.Is(err, ErrInsufficientScope):
		return ReasonInsufficientScope
	case errors.Is(err, ErrExchangeFailed):
		return ReasonExchangeFailed
	case errors.Is(err, ErrProviderUnavailable):
		return ReasonProviderUnavailable
	default:
		return ReasonInvalidToken
	}
}

// StatusCode returns the HTTP status an auth error is reported with.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInsufficientScope):
		return http.StatusForbidden
	case errors.Is(err, ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

// PublicMessage returns a caller-safe description of an auth error. Validation
// detail is limited to which step failed.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingAuthorization):
		return "authorization header with bearer token required"
	case errors.Is(err, ErrInsufficientScope):
		return "token lacks the scope required for this operation"
	case errors.Is(err, ErrProviderUnavailable):
		return "identity provider unavailable"
	case errors.Is(err, ErrExchangeFailed):
		return "credential exchange failed"
	case errors.Is(err, ErrExpiredToken):
		return "token expired"
	case errors.Is(err, ErrKeyNotFound):
		return "token signed with unknown key"
	case errors.Is(err, ErrClaimMismatch), errors.Is(err, ErrMissingClaim):
		return "token claims rejected"
	default:
		return "invalid token"
	}
}
