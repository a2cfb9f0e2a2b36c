// Package auth provides token validation and request authorization for the
// orchestrator gateway.
//
// # Claim Validators
//
// Two interchangeable ClaimValidator implementations:
//
//   - LocalValidator: HS256 tokens signed with a configured secret (at least
//     32 bytes). No network. Used for disconnected operation and tests. Can
//     mint tokens directly and exchange bcrypt-registered machine credentials.
//
//   - RemoteValidator: asymmetric tokens verified against the identity
//     provider's JWKS. Keys are held in a KeyCache with a TTL; concurrent
//     misses share one fetch. Credential exchange is an OAuth2
//     client-credentials grant against the provider's token endpoint.
//
// Validation runs decode, key resolution, signature, then standard claims
// (exp, iss, aud, sub). Failures wrap ErrInvalidToken, ErrKeyNotFound,
// ErrExpiredToken, ErrClaimMismatch or ErrMissingClaim; all are reported to
// callers as invalid_token.
//
// # Gate
//
// Gate is the HTTP middleware in front of the protocol surface:
//
//	gate, err := auth.NewGate(auth.GateConfig{
//		Validator:   validator,
//		Scopes:      scopes,
//		PublicPaths: []string{"/health"},
//		Resolve:     server.Resolve,
//	})
//	router.Use(gate.Middleware)
//
// Public paths and discovery requests pass untouched. Execution requests need
// a bearer token whose scopes cover the operation's ScopeTable entry; the
// resulting AuthContext is attached with WithAuth and read with FromContext.
//
// # Provider Failure Policy
//
// Configurable via auth.on_provider_failure:
//
//   - "degrade": requests whose token cannot be checked because the provider
//     is unreachable proceed with an anonymous AuthContext (Degraded set) and
//     a warning log.
//   - "enforce": such requests fail with provider_unavailable (503).
//
// A missing bearer header is always rejected regardless of policy.
package auth
