// ABOUTME: Structured token claims and conversion to and from JWT map claims.
// ABOUTME: Scopes accept the OAuth "scope" string as well as "scp"/"scopes" arrays.

package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the verified attributes extracted from a token.
type Claims struct {
	Subject       string
	Issuer        string
	Audience      []string
	ClientID      string
	Scopes        []string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	TenantID      string
	CorrelationID string
	IsMachine     bool
	Custom        map[string]any
}

// reservedClaims are handled explicitly and never surface in Claims.Custom.
var reservedClaims = map[string]struct{}{
	"sub": {}, "iss": {}, "aud": {}, "exp": {}, "iat": {}, "nbf": {}, "jti": {},
	"scope": {}, "scp": {}, "scopes": {}, "client_id": {}, "azp": {},
	"tenant_id": {}, "correlation_id": {}, "is_machine": {},
}

// IsReservedClaim reports whether name is a claim the gateway manages itself.
func IsReservedClaim(name string) bool {
	_, ok := reservedClaims[name]
	return ok
}

// claimsFromMap converts verified JWT claims into Claims. The "sub" and "exp"
// claims are required.
func claimsFromMap(m jwt.MapClaims) (*Claims, error) {
	sub, _ := m["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	exp, err := m.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: exp", ErrMissingClaim)
	}

	c := &Claims{
		Subject:   sub,
		ExpiresAt: exp.Time,
		Custom:    make(map[string]any),
	}

	if iss, err := m.GetIssuer(); err == nil {
		c.Issuer = iss
	}
	if aud, err := m.GetAudience(); err == nil {
		c.Audience = []string(aud)
	}
	if iat, err := m.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}

	c.ClientID = stringClaim(m, "client_id")
	if c.ClientID == "" {
		c.ClientID = stringClaim(m, "azp")
	}
	c.TenantID = stringClaim(m, "tenant_id")
	c.CorrelationID = stringClaim(m, "correlation_id")
	c.IsMachine, _ = m["is_machine"].(bool)
	c.Scopes = scopesFromMap(m)

	for k, v := range m {
		if !IsReservedClaim(k) {
			c.Custom[k] = v
		}
	}

	return c, nil
}

// toMap renders claims for signing.
func (c *Claims) toMap() jwt.MapClaims {
	m := jwt.MapClaims{}
	for k, v := range c.Custom {
		if !IsReservedClaim(k) {
			m[k] = v
		}
	}

	m["sub"] = c.Subject
	m["exp"] = c.ExpiresAt.Unix()
	if !c.IssuedAt.IsZero() {
		m["iat"] = c.IssuedAt.Unix()
	}
	if c.Issuer != "" {
		m["iss"] = c.Issuer
	}
	switch len(c.Audience) {
	case 0:
	case 1:
		m["aud"] = c.Audience[0]
	default:
		m["aud"] = c.Audience
	}
	// Always present so an empty grant is distinguishable from a missing claim.
	m["scope"] = strings.Join(c.Scopes, " ")
	if c.ClientID != "" {
		m["client_id"] = c.ClientID
	}
	if c.TenantID != "" {
		m["tenant_id"] = c.TenantID
	}
	if c.CorrelationID != "" {
		m["correlation_id"] = c.CorrelationID
	}
	if c.IsMachine {
		m["is_machine"] = true
	}
	return m
}

func stringClaim(m jwt.MapClaims, key string) string {
	s, _ := m[key].(string)
	return s
}

// scopesFromMap reads the granted scopes. The space-delimited "scope" claim
// (RFC 8693) wins; "scp" and "scopes" arrays are accepted as used by some IdPs.
func scopesFromMap(m jwt.MapClaims) []string {
	if s, ok := m["scope"].(string); ok {
		return strings.Fields(s)
	}
	for _, key := range []string{"scp", "scopes"} {
		switch v := m[key].(type) {
		case string:
			return strings.Fields(v)
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return append([]string(nil), v...)
		}
	}
	return nil
}
