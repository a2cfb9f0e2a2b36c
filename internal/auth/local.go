// ABOUTME: Local-secret claim validator for disconnected and test operation
// ABOUTME: Uses HS256 signing with a configured secret; mints tokens for exchanged credentials

package auth

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// MinSecretLength is the minimum HS256 secret size in bytes.
const MinSecretLength = 32

// DefaultTokenTTL is the lifetime of tokens minted by ExchangeCredential.
const DefaultTokenTTL = time.Hour

// dummyHash keeps credential checks constant-time for unknown client IDs.
const dummyHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOa5oYk1m3pQwZ6C1xVfX0xVxYbB9fG1e"

// MachineCredential is a registered client allowed to exchange a secret for a
// session token in local mode.
type MachineCredential struct {
	ClientID   string
	SecretHash string // bcrypt
	Scopes     []string
	TenantID   string
}

// LocalConfig configures a LocalValidator.
type LocalConfig struct {
	Secret      []byte
	Issuer      string
	Audience    string
	TokenTTL    time.Duration
	Credentials []MachineCredential
	Now         func() time.Time
}

// LocalValidator implements ClaimValidator with HS256 tokens and no network.
type LocalValidator struct {
	secret      []byte
	issuer      string
	audience    string
	ttl         time.Duration
	credentials map[string]MachineCredential
	now         func() time.Time
}

// NewLocalValidator creates a validator for the given secret.
func NewLocalValidator(cfg LocalConfig) (*LocalValidator, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("secret must be at least %d bytes, got %d", MinSecretLength, len(cfg.Secret))
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	creds := make(map[string]MachineCredential, len(cfg.Credentials))
	for _, c := range cfg.Credentials {
		if c.ClientID == "" {
			return nil, errors.New("machine credential missing client_id")
		}
		if _, dup := creds[c.ClientID]; dup {
			return nil, fmt.Errorf("duplicate machine credential %q", c.ClientID)
		}
		creds[c.ClientID] = c
	}

	return &LocalValidator{
		secret:      cfg.Secret,
		issuer:      cfg.Issuer,
		audience:    cfg.Audience,
		ttl:         ttl,
		credentials: creds,
		now:         now,
	}, nil
}

// Validate verifies an HS256 token and checks expiry, issuer, and audience.
func (v *LocalValidator) Validate(_ context.Context, tokenString string) (*Claims, error) {
	return parseToken(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, parseOptions{
		methods:  []string{jwt.SigningMethodHS256.Alg()},
		issuer:   v.issuer,
		audience: v.audience,
		now:      v.now,
	})
}

// Sign mints an HS256 token for the given claims. Issuer and audience default
// to the validator's configuration; IssuedAt defaults to now.
func (v *LocalValidator) Sign(c *Claims) (string, error) {
	cp := *c
	if cp.Issuer == "" {
		cp.Issuer = v.issuer
	}
	if len(cp.Audience) == 0 && v.audience != "" {
		cp.Audience = []string{v.audience}
	}
	if cp.IssuedAt.IsZero() {
		cp.IssuedAt = v.now()
	}
	if cp.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, cp.toMap())
	return token.SignedString(v.secret)
}

// Generate creates a token for subject with the given scopes and lifetime.
func (v *LocalValidator) Generate(subject string, scopes []string, expiresIn time.Duration) (string, error) {
	now := v.now()
	return v.Sign(&Claims{
		Subject:   subject,
		Scopes:    scopes,
		IssuedAt:  now,
		ExpiresAt: now.Add(expiresIn),
	})
}

// ExchangeCredential verifies a registered machine credential against its
// bcrypt hash and mints a session token carrying the credential's scopes.
func (v *LocalValidator) ExchangeCredential(_ context.Context, cred Credential, custom map[string]any) (*Token, error) {
	for k := range custom {
		if IsReservedClaim(k) {
			return nil, fmt.Errorf("%w: custom claim %q is reserved", ErrExchangeFailed, k)
		}
	}

	registered, ok := v.credentials[cred.ClientID]
	if !ok {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(cred.Secret))
		return nil, fmt.Errorf("%w: unknown client", ErrExchangeFailed)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(registered.SecretHash), []byte(cred.Secret)); err != nil {
		return nil, fmt.Errorf("%w: bad client secret", ErrExchangeFailed)
	}

	now := v.now()
	expiresAt := now.Add(v.ttl)
	signed, err := v.Sign(&Claims{
		Subject:   registered.ClientID,
		ClientID:  registered.ClientID,
		Scopes:    slices.Clone(registered.Scopes),
		TenantID:  registered.TenantID,
		IsMachine: true,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		Custom:    maps.Clone(custom),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	return &Token{AccessToken: signed, TokenType: "Bearer", ExpiresAt: expiresAt}, nil
}

// Available always reports true; local validation has no external dependency.
func (v *LocalValidator) Available() bool { return true }
