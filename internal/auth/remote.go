// ABOUTME: Remote-key claim validator backed by the identity provider's JWKS endpoint
// ABOUTME: Verifies asymmetric signatures and exchanges credentials via OAuth2 client credentials

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// remoteMethods are the signature algorithms accepted from the identity provider.
var remoteMethods = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}

// RemoteConfig configures a RemoteValidator.
type RemoteConfig struct {
	JWKSURL  string
	TokenURL string
	Issuer   string
	Audience string
	KeyTTL   time.Duration

	// Fetcher overrides the HTTP key fetcher, mainly for tests.
	Fetcher    KeyFetcher
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// RemoteValidator implements ClaimValidator against an external identity
// provider. Keys come from a cached JWKS document.
type RemoteValidator struct {
	cache      *KeyCache
	tokenURL   string
	issuer     string
	audience   string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	available  atomic.Bool
}

// NewRemoteValidator creates a validator. No network traffic happens until the
// first validation or an explicit WarmUp.
func NewRemoteValidator(cfg RemoteConfig) (*RemoteValidator, error) {
	if cfg.JWKSURL == "" && cfg.Fetcher == nil {
		return nil, errors.New("jwks_url is required for remote validation")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "remote_validator")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = &HTTPKeyFetcher{URL: cfg.JWKSURL, Client: httpClient}
	}

	v := &RemoteValidator{
		tokenURL:   cfg.TokenURL,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		httpClient: httpClient,
		logger:     logger,
		now:        now,
	}

	cache, err := NewKeyCache(KeyCacheConfig{
		Fetcher: fetcher,
		TTL:     cfg.KeyTTL,
		Logger:  logger,
		Now:     now,
		OnFetch: func(err error) { v.available.Store(err == nil) },
	})
	if err != nil {
		return nil, err
	}
	v.cache = cache
	return v, nil
}

// WarmUp fetches the key set, retrying with exponential backoff until it
// succeeds or maxElapsed passes. The result sets Available.
func (v *RemoteValidator) WarmUp(ctx context.Context, maxElapsed time.Duration) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, v.cache.Refresh(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			v.logger.Warn("identity provider warm-up failed, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		v.available.Store(false)
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return nil
}

// Available reports whether the most recent key-set fetch succeeded.
func (v *RemoteValidator) Available() bool {
	return v.available.Load()
}

// KeyCache exposes the underlying key cache.
func (v *RemoteValidator) KeyCache() *KeyCache {
	return v.cache
}

// Validate verifies the token signature against the provider's keys.
func (v *RemoteValidator) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	return parseToken(tokenString, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: token header has no kid", ErrKeyNotFound)
		}
		return v.cache.Lookup(ctx, kid)
	}, parseOptions{
		methods:  remoteMethods,
		issuer:   v.issuer,
		audience: v.audience,
		now:      v.now,
	})
}

// ExchangeCredential performs an OAuth2 client-credentials grant against the
// provider's token endpoint. Custom claims are sent as a JSON "claims" parameter.
func (v *RemoteValidator) ExchangeCredential(ctx context.Context, cred Credential, custom map[string]any) (*Token, error) {
	if v.tokenURL == "" {
		return nil, fmt.Errorf("%w: no token endpoint configured", ErrExchangeFailed)
	}
	for k := range custom {
		if IsReservedClaim(k) {
			return nil, fmt.Errorf("%w: custom claim %q is reserved", ErrExchangeFailed, k)
		}
	}

	cc := &clientcredentials.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.Secret,
		TokenURL:     v.tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if len(custom) > 0 {
		encoded, err := json.Marshal(custom)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding claims: %v", ErrExchangeFailed, err)
		}
		cc.EndpointParams = url.Values{"claims": {string(encoded)}}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, v.httpClient)
	tok, err := cc.Token(ctx)
	if err != nil {
		v.logger.Warn("credential exchange failed", "client_id", cred.ClientID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &Token{AccessToken: tok.AccessToken, TokenType: tokenType, ExpiresAt: tok.Expiry}, nil
}
