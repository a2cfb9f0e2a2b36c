// ABOUTME: Token validation pipeline shared by local and remote validators
// ABOUTME: Decodes, resolves key, verifies signature and standard claims via golang-jwt

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is a long-lived machine credential presented for exchange.
type Credential struct {
	ClientID string
	Secret   string
}

// Token is a short-lived session token issued by ExchangeCredential.
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// ClaimValidator verifies bearer tokens and trades machine credentials for
// session tokens.
type ClaimValidator interface {
	// Validate verifies the token and returns its claims.
	Validate(ctx context.Context, token string) (*Claims, error)

	// ExchangeCredential trades a machine credential for a session token.
	// Custom claims are embedded in the issued token where supported.
	ExchangeCredential(ctx context.Context, cred Credential, custom map[string]any) (*Token, error)

	// Available reports whether the identity infrastructure is reachable.
	Available() bool
}

// parseOptions controls the standard-claim checks applied after signature
// verification.
type parseOptions struct {
	methods  []string
	issuer   string
	audience string
	now      func() time.Time
}

// parseToken runs the validation pipeline: decode header, resolve key,
// verify signature, verify standard claims, extract Claims.
func parseToken(tokenString string, keyFunc jwt.Keyfunc, opts parseOptions) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(opts.methods),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if opts.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.issuer))
	}
	if opts.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.audience))
	}
	if opts.now != nil {
		parserOpts = append(parserOpts, jwt.WithTimeFunc(opts.now))
	}

	token, err := jwt.NewParser(parserOpts...).Parse(tokenString, keyFunc)
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	return claimsFromMap(claims)
}

// classifyParseError maps golang-jwt failures onto the package's taxonomy.
// Errors returned by the key function keep their identity.
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, ErrProviderUnavailable):
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	case errors.Is(err, ErrKeyNotFound):
		return fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenInvalidAudience), errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %v", ErrClaimMismatch, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrMissingClaim, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
}
