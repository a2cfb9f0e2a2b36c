// ABOUTME: Tests for the remote JWKS-backed claim validator
// ABOUTME: Uses httptest servers for the key-set and token endpoints

package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://idp.example.test"
	testAudience = "orchestrator-gateway"
)

// jwksServer serves set and can be switched off to simulate an outage.
type jwksServer struct {
	*httptest.Server
	down  atomic.Bool
	calls atomic.Int64
}

func newJWKSServer(t *testing.T, set jwk.Set) *jwksServer {
	t.Helper()
	body, err := json.Marshal(set)
	require.NoError(t, err)

	s := &jwksServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.calls.Add(1)
		if s.down.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

func signRS256(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func validRemoteClaims(scope string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":   "user-42",
		"iss":   testIssuer,
		"aud":   testAudience,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"scope": scope,
	}
}

func newTestRemoteValidator(t *testing.T, jwksURL string) *RemoteValidator {
	t.Helper()
	v, err := NewRemoteValidator(RemoteConfig{
		JWKSURL:  jwksURL,
		Issuer:   testIssuer,
		Audience: testAudience,
	})
	require.NoError(t, err)
	return v
}

func TestNewRemoteValidator_RequiresJWKSURL(t *testing.T) {
	_, err := NewRemoteValidator(RemoteConfig{})
	require.Error(t, err)
}

func TestRemoteValidator_ValidToken(t *testing.T) {
	priv, set := newTestKeySet(t, "kid-1")
	srv := newJWKSServer(t, set)
	v := newTestRemoteValidator(t, srv.URL)

	assert.False(t, v.Available(), "unavailable until first fetch")

	token := signRS256(t, priv, "kid-1", validRemoteClaims("tools:generate tools:heal"))
	claims, err := v.Validate(context.Background(), token)
	require.NoError(t, err)

	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, []string{"tools:generate", "tools:heal"}, claims.Scopes)
	assert.True(t, v.Available())

	// Second validation is served from the cache.
	_, err = v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), srv.calls.Load())
}

func TestRemoteValidator_Failures(t *testing.T) {
	priv, set := newTestKeySet(t, "kid-1")
	other, _ := newTestKeySet(t, "kid-1")
	srv := newJWKSServer(t, set)
	v := newTestRemoteValidator(t, srv.URL)

	expired := validRemoteClaims("")
	expired["iat"] = time.Now().Add(-2 * time.Hour).Unix()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	wrongAud := validRemoteClaims("")
	wrongAud["aud"] = "someone-else"

	wrongIss := validRemoteClaims("")
	wrongIss["iss"] = "https://evil.example.test"

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"unknown kid", signRS256(t, priv, "kid-9", validRemoteClaims("")), ErrKeyNotFound},
		{"no kid", signRS256(t, priv, "", validRemoteClaims("")), ErrKeyNotFound},
		{"wrong signing key", signRS256(t, other, "kid-1", validRemoteClaims("")), ErrInvalidToken},
		{"expired", signRS256(t, priv, "kid-1", expired), ErrExpiredToken},
		{"wrong audience", signRS256(t, priv, "kid-1", wrongAud), ErrClaimMismatch},
		{"wrong issuer", signRS256(t, priv, "kid-1", wrongIss), ErrClaimMismatch},
		{"hmac token", func() string {
			s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validRemoteClaims("")).SignedString(testSecret)
			require.NoError(t, err)
			return s
		}(), ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), tt.token)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, ReasonInvalidToken, Reason(err))
		})
	}
}

func TestRemoteValidator_ProviderDown(t *testing.T) {
	priv, set := newTestKeySet(t, "kid-1")
	srv := newJWKSServer(t, set)
	srv.down.Store(true)
	v := newTestRemoteValidator(t, srv.URL)

	token := signRS256(t, priv, "kid-1", validRemoteClaims(""))
	_, err := v.Validate(context.Background(), token)
	require.ErrorIs(t, err, ErrProviderUnavailable)
	assert.False(t, v.Available())
}

func TestRemoteValidator_WarmUp(t *testing.T) {
	_, set := newTestKeySet(t, "kid-1")
	srv := newJWKSServer(t, set)

	t.Run("reachable", func(t *testing.T) {
		v := newTestRemoteValidator(t, srv.URL)
		require.NoError(t, v.WarmUp(context.Background(), time.Second))
		assert.True(t, v.Available())
	})

	t.Run("unreachable gives up after max elapsed", func(t *testing.T) {
		down := newJWKSServer(t, set)
		down.down.Store(true)
		v := newTestRemoteValidator(t, down.URL)

		start := time.Now()
		err := v.WarmUp(context.Background(), 300*time.Millisecond)
		require.ErrorIs(t, err, ErrProviderUnavailable)
		assert.False(t, v.Available())
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestRemoteValidator_ExchangeCredential(t *testing.T) {
	var gotClaims map[string]any
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("grant_type") != "client_credentials" ||
			r.Form.Get("client_id") != "ci-bot" || r.Form.Get("client_secret") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		if raw := r.Form.Get("claims"); raw != "" {
			_ = json.Unmarshal([]byte(raw), &gotClaims)
		}
		_, _ = w.Write([]byte(`{"access_token":"session-abc","token_type":"Bearer","expires_in":900}`))
	}))
	t.Cleanup(tokenSrv.Close)

	_, set := newTestKeySet(t, "kid-1")
	jwks := newJWKSServer(t, set)
	v, err := NewRemoteValidator(RemoteConfig{JWKSURL: jwks.URL, TokenURL: tokenSrv.URL})
	require.NoError(t, err)

	t.Run("success", func(t *testing.T) {
		tok, err := v.ExchangeCredential(context.Background(),
			Credential{ClientID: "ci-bot", Secret: "s3cret"},
			map[string]any{"pipeline": "nightly"})
		require.NoError(t, err)
		assert.Equal(t, "session-abc", tok.AccessToken)
		assert.Equal(t, "Bearer", tok.TokenType)
		assert.WithinDuration(t, time.Now().Add(15*time.Minute), tok.ExpiresAt, 5*time.Second)
		assert.Equal(t, "nightly", gotClaims["pipeline"])
	})

	t.Run("rejected credential", func(t *testing.T) {
		_, err := v.ExchangeCredential(context.Background(),
			Credential{ClientID: "ci-bot", Secret: "wrong"}, nil)
		require.ErrorIs(t, err, ErrExchangeFailed)
	})

	t.Run("reserved claim", func(t *testing.T) {
		_, err := v.ExchangeCredential(context.Background(),
			Credential{ClientID: "ci-bot", Secret: "s3cret"}, map[string]any{"sub": "root"})
		require.ErrorIs(t, err, ErrExchangeFailed)
	})

	t.Run("no token endpoint", func(t *testing.T) {
		noToken := newTestRemoteValidator(t, jwks.URL)
		_, err := noToken.ExchangeCredential(context.Background(), Credential{ClientID: "x", Secret: "y"}, nil)
		require.ErrorIs(t, err, ErrExchangeFailed)
	})
}

// degradeGate wraps v in a degrade-policy gate and reports whether the
// protected handler ran.
func degradeGate(t *testing.T, v ClaimValidator, reached *atomic.Bool) http.Handler {
	t.Helper()
	gate, err := NewGate(GateConfig{
		Validator: v,
		Scopes:    testScopes,
		Policy:    PolicyDegrade,
		Resolve:   testResolve,
	})
	require.NoError(t, err)
	return gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reached.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
}

func TestRemoteValidator_CanceledCallerDoesNotDegradeOthers(t *testing.T) {
	_, set := newTestKeySet(t, "kid-1")
	forger, _ := newTestKeySet(t, "kid-1")
	fetcher := &countingFetcher{set: set, delay: 200 * time.Millisecond}
	v, err := NewRemoteValidator(RemoteConfig{
		JWKSURL:  "https://idp.example.test/jwks.json",
		Issuer:   testIssuer,
		Audience: testAudience,
		Fetcher:  fetcher,
	})
	require.NoError(t, err)

	var reached atomic.Bool
	handler := degradeGate(t, v, &reached)
	forged := "Bearer " + signRS256(t, forger, "kid-1", validRemoteClaims("tools:generate"))

	ctxA, cancelA := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		req := httptest.NewRequest(http.MethodPost, "/call/generate_code", nil).WithContext(ctxA)
		req.Header.Set("Authorization", forged)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}()
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	recB := httptest.NewRecorder()
	doneB := make(chan struct{})
	go func() {
		defer close(doneB)
		req := httptest.NewRequest(http.MethodPost, "/call/generate_code", nil)
		req.Header.Set("Authorization", forged)
		handler.ServeHTTP(recB, req)
	}()
	time.Sleep(50 * time.Millisecond)
	cancelA()
	wg.Wait()
	<-doneB

	assert.Equal(t, http.StatusUnauthorized, recB.Code)
	assert.False(t, reached.Load(), "no forged request reaches the handler")
	assert.Equal(t, int64(1), fetcher.calls.Load())
	assert.True(t, v.Available(), "a canceled caller does not mark the provider down")
}

func TestRemoteValidator_UnknownKidDuringOutageNotDegraded(t *testing.T) {
	priv, set := newTestKeySet(t, "kid-1")
	attacker, _ := newTestKeySet(t, "evil")
	srv := newJWKSServer(t, set)
	v := newTestRemoteValidator(t, srv.URL)

	_, err := v.Validate(context.Background(), signRS256(t, priv, "kid-1", validRemoteClaims("tools:generate")))
	require.NoError(t, err)

	srv.down.Store(true)

	var reached atomic.Bool
	handler := degradeGate(t, v, &reached)
	req := httptest.NewRequest(http.MethodPost, "/call/generate_code", nil)
	req.Header.Set("Authorization", "Bearer "+signRS256(t, attacker, "evil", validRemoteClaims("tools:generate")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, reached.Load())
	assert.Equal(t, int64(2), srv.calls.Load(), "the unknown kid forced one refresh")
}
