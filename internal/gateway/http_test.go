// ABOUTME: Tests for the gateway HTTP surface through the full middleware chain
// ABOUTME: Covers readiness, docs, protected-resource metadata, token exchange, and remote validation

package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/orchestrator-gateway/internal/config"
	"github.com/2389/orchestrator-gateway/internal/correlation"
	"github.com/2389/orchestrator-gateway/internal/mcp"
	"github.com/2389/orchestrator-gateway/internal/store"
)

const (
	ciClientID = "ci-bot"
	ciSecret   = "ci-bot-secret"
)

type rpcResponse struct {
	ID     json.RawMessage   `json:"id"`
	Result json.RawMessage   `json:"result"`
	Error  *mcp.JSONRPCError `json:"error"`
}

func serve(t *testing.T, gw *Gateway, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, gw *Gateway, path string) *httptest.ResponseRecorder {
	t.Helper()
	return serve(t, gw, httptest.NewRequest(http.MethodGet, path, nil))
}

func callOperation(t *testing.T, gw *Gateway, token, name, args string) (int, rpcResponse) {
	t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"operations/call","params":{"name":%q,"arguments":%s}}`, name, args)
	req := httptest.NewRequest(http.MethodPost, mcp.EndpointPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := serve(t, gw, req)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

// withCredential registers the CI machine credential on cfg.
func withCredential(t *testing.T, cfg *config.Config, scopes ...string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(ciSecret), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.Auth.Local.Credentials = append(cfg.Auth.Local.Credentials, config.CredentialConfig{
		ClientID:   ciClientID,
		SecretHash: string(hash),
		Scopes:     scopes,
	})
}

func TestHealth(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	rec := get(t, gw, HealthPath)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(correlation.Header))
}

func TestReady_Local(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	rec := get(t, gw, ReadyPath)
	require.Equal(t, http.StatusOK, rec.Code)

	var ready ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "ready", ready.Status)
	assert.True(t, ready.ProviderAvailable)
	assert.Equal(t, 5, ready.Operations)
	assert.Equal(t, 4, ready.Resources)
}

func TestDocs(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	rec := get(t, gw, DocsPath)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	page := rec.Body.String()
	assert.Contains(t, page, "<table>")
	assert.Contains(t, page, "<code>generate_code</code>")
	assert.Contains(t, page, "<code>tools:generate</code>")
	assert.Contains(t, page, "system://status")
	assert.Contains(t, page, "none (valid token)")
}

func TestArgumentList(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	op, err := gw.registry.Lookup("generate_code")
	require.NoError(t, err)

	list := argumentList(op.InputShape)
	assert.Contains(t, list, "`language*: string`")
	assert.Contains(t, list, "`description*: string`")
	assert.Equal(t, "none", argumentList(nil))
}

func TestProtectedResourceMetadata(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.PublicURL = "https://gw.example.com"
	gw := newTestGateway(t, cfg)

	rec := get(t, gw, ProtectedResourcePath)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var meta ProtectedResourceMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, "https://gw.example.com", meta.Resource)
	assert.Equal(t, []string{"https://gw.example.com"}, meta.AuthorizationServers)
	assert.Equal(t, []string{"header"}, meta.BearerMethodsSupported)
	assert.Equal(t, []string{"analytics:read", "tools:architecture", "tools:generate", "tools:heal"}, meta.ScopesSupported)
	assert.Empty(t, meta.JWKSURI)
}

func TestChallengeAdvertisesMetadata(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.PublicURL = "https://gw.example.com"
	gw := newTestGateway(t, cfg)

	req := httptest.NewRequest(http.MethodPost, mcp.EndpointPath,
		strings.NewReader(`{"jsonrpc":"2.0","id":7,"method":"operations/call","params":{"name":"ping"}}`))
	rec := serve(t, gw, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	challenge := rec.Header().Get("WWW-Authenticate")
	assert.Contains(t, challenge, `realm="orchestrator-gateway"`)
	assert.Contains(t, challenge, `resource_metadata="https://gw.example.com/.well-known/oauth-protected-resource"`)
}

func TestDiscoveryWithoutToken(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	req := httptest.NewRequest(http.MethodPost, "/mcp/operations/list",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"operations/list"}`))
	rec := serve(t, gw, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)

	var list mcp.ListOperationsResult
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	assert.Len(t, list.Operations, 5)
}

func TestTokenEndpoint(t *testing.T) {
	cfg := testConfig(t)
	withCredential(t, cfg, "tools:generate")
	gw := newTestGateway(t, cfg)

	postJSON := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, TokenPath, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return serve(t, gw, req)
	}

	t.Run("json exchange", func(t *testing.T) {
		rec := postJSON(`{"client_id":"ci-bot","client_secret":"ci-bot-secret","claims":{"pipeline":"nightly"}}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

		var tok TokenResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
		assert.Equal(t, "Bearer", tok.TokenType)
		assert.InDelta(t, 3600, tok.ExpiresIn, 2)

		// The issued token authorizes the scoped operation...
		status, resp := callOperation(t, gw, tok.AccessToken, "generate_code", `{"language":"go","description":"rotate keys"}`)
		require.Equal(t, http.StatusOK, status)
		require.Nil(t, resp.Error)
		var result mcp.CallResult
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		assert.False(t, result.IsError)

		// ...but not one it lacks the scope for.
		status, resp = callOperation(t, gw, tok.AccessToken, "usage_report", `{}`)
		assert.Equal(t, http.StatusForbidden, status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, mcp.CodeInsufficientScope, resp.Error.Code)
	})

	t.Run("form grant with basic auth", func(t *testing.T) {
		form := url.Values{"grant_type": {"client_credentials"}}
		req := httptest.NewRequest(http.MethodPost, TokenPath, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(ciClientID, ciSecret)
		rec := serve(t, gw, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("wrong secret", func(t *testing.T) {
		rec := postJSON(`{"client_id":"ci-bot","client_secret":"nope"}`)
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		var tokErr TokenError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokErr))
		assert.Equal(t, "exchange_failed", tokErr.Error)
		assert.NotEmpty(t, tokErr.CorrelationID)
		assert.NotContains(t, tokErr.Description, "bad client secret")
	})

	t.Run("reserved custom claim", func(t *testing.T) {
		rec := postJSON(`{"client_id":"ci-bot","client_secret":"ci-bot-secret","claims":{"scope":"admin"}}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed requests", func(t *testing.T) {
		rec := postJSON(`not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = postJSON(`{"client_secret":"x"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "client_id is required")

		rec = postJSON(`{"grant_type":"password","client_id":"ci-bot","client_secret":"ci-bot-secret"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "unsupported_grant_type")
	})
}

func TestLocalToken_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	gw := newTestGateway(t, cfg)

	v, err := LocalValidator(cfg.Auth)
	require.NoError(t, err)
	token, err := v.Generate("operator", []string{"analytics:read"}, time.Hour)
	require.NoError(t, err)

	status, resp := callOperation(t, gw, token, "ping", `{}`)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)

	// The invocation reaches the SQLite log through the async sink.
	require.Eventually(t, func() bool {
		_, resp := callOperation(t, gw, token, "usage_report", `{"operation":"ping"}`)
		if resp.Error != nil {
			return false
		}
		var result mcp.CallResult
		if json.Unmarshal(resp.Result, &result) != nil || result.IsError || len(result.Content) == 0 {
			return false
		}
		var report struct {
			TotalCalls int64 `json:"total_calls"`
		}
		return json.Unmarshal([]byte(result.Content[0].Text), &report) == nil && report.TotalCalls >= 1
	}, 5*time.Second, 20*time.Millisecond)
}

// remoteIdP is a fake identity provider serving a JWKS document.
type remoteIdP struct {
	*httptest.Server
	priv *rsa.PrivateKey
}

func newRemoteIdP(t *testing.T) *remoteIdP {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := jwk.Import(priv.Public())
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "idp-key-1"))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	body, err := json.Marshal(set)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return &remoteIdP{Server: srv, priv: priv}
}

func (p *remoteIdP) sign(t *testing.T, scope string) string {
	t.Helper()
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":   "user-42",
		"iss":   "https://idp.example.test",
		"aud":   "orchestrator-gateway",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"scope": scope,
	})
	tok.Header["kid"] = "idp-key-1"
	signed, err := tok.SignedString(p.priv)
	require.NoError(t, err)
	return signed
}

func remoteConfig(t *testing.T, jwksURL, policy string) *config.Config {
	t.Helper()
	cfg := testConfig(t)
	cfg.Auth.Mode = config.ModeRemote
	cfg.Auth.OnProviderFailure = policy
	cfg.Auth.Issuer = "https://idp.example.test"
	cfg.Auth.Audience = "orchestrator-gateway"
	cfg.Auth.Remote = config.RemoteAuthConfig{
		JWKSURL:        jwksURL,
		KeyTTL:         time.Minute,
		StartupTimeout: 200 * time.Millisecond,
	}
	return cfg
}

// unreachableURL returns a URL nothing listens on.
func unreachableURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u + "/jwks.json"
}

func TestRemoteMode(t *testing.T) {
	idp := newRemoteIdP(t)
	gw := newTestGateway(t, remoteConfig(t, idp.URL, config.PolicyEnforce))

	assert.True(t, gw.validator.Available(), "startup warm-up fetched the key set")

	status, resp := callOperation(t, gw, idp.sign(t, "tools:heal"), "heal_code", `{"language":"go","code":"func f() {"}`)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)

	status, resp = callOperation(t, gw, idp.sign(t, "tools:heal"), "design_architecture", `{"requirements":"x"}`)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, mcp.CodeInsufficientScope, resp.Error.Code)

	rec := get(t, gw, ProtectedResourcePath)
	var meta ProtectedResourceMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, idp.URL, meta.JWKSURI)
	assert.Equal(t, []string{"https://idp.example.test"}, meta.AuthorizationServers)

	// No token endpoint is configured for the remote provider.
	req := httptest.NewRequest(http.MethodPost, TokenPath, bytes.NewBufferString(`{"client_id":"a","client_secret":"b"}`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusUnauthorized, serve(t, gw, req).Code)
}

func TestRemoteMode_ProviderDown(t *testing.T) {
	// Well-formed tokens whose keys can never be fetched.
	otherIdP := newRemoteIdP(t)

	t.Run("degrade admits with anonymous context", func(t *testing.T) {
		gw := newTestGateway(t, remoteConfig(t, unreachableURL(t), config.PolicyDegrade))
		assert.False(t, gw.validator.Available())

		rec := get(t, gw, ReadyPath)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"degraded"`)

		status, resp := callOperation(t, gw, otherIdP.sign(t, "tools:heal"), "ping", `{}`)
		require.Equal(t, http.StatusOK, status)
		require.Nil(t, resp.Error)
		var result mcp.CallResult
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		var pong struct {
			Subject  string `json:"subject"`
			Degraded bool   `json:"degraded"`
		}
		require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &pong))
		assert.Equal(t, "anonymous", pong.Subject)
		assert.True(t, pong.Degraded)

		// A missing header is still rejected.
		status, resp = callOperation(t, gw, "", "ping", `{}`)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, mcp.CodeMissingAuthorization, resp.Error.Code)
	})

	t.Run("enforce rejects", func(t *testing.T) {
		gw := newTestGateway(t, remoteConfig(t, unreachableURL(t), config.PolicyEnforce))

		rec := get(t, gw, ReadyPath)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"unavailable"`)

		status, resp := callOperation(t, gw, otherIdP.sign(t, "tools:heal"), "ping", `{}`)
		assert.Equal(t, http.StatusServiceUnavailable, status)
		assert.Equal(t, mcp.CodeProviderUnavailable, resp.Error.Code)

		// Discovery keeps working.
		req := httptest.NewRequest(http.MethodPost, mcp.EndpointPath,
			strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"resources/list"}`))
		assert.Equal(t, http.StatusOK, serve(t, gw, req).Code)
	})
}

func TestShutdownFlushesAnalytics(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)

	v, err := LocalValidator(cfg.Auth)
	require.NoError(t, err)
	token, err := v.Generate("operator", nil, time.Hour)
	require.NoError(t, err)

	for range 3 {
		status, _ := callOperation(t, gw, token, "ping", `{}`)
		require.Equal(t, http.StatusOK, status)
	}
	require.NoError(t, gw.Shutdown(context.Background()))

	reopened, err := store.NewSQLiteStore(cfg.Analytics.DatabasePath)
	require.NoError(t, err)
	defer reopened.Close()
	recent, err := reopened.RecentInvocations(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}
