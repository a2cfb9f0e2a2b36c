// ABOUTME: HTTP routing for the gateway: public endpoints, protocol surface, access gate
// ABOUTME: Serves health, readiness, docs, protected-resource metadata, and the token endpoint

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/orchestrator-gateway/internal/auth"
	"github.com/2389/orchestrator-gateway/internal/config"
	"github.com/2389/orchestrator-gateway/internal/correlation"
)

// Public endpoint paths.
const (
	HealthPath            = "/health"
	ReadyPath             = "/health/ready"
	DocsPath              = "/docs"
	ProtectedResourcePath = "/.well-known/oauth-protected-resource"
	TokenPath             = "/auth/token"
)

// maxTokenRequestSize caps the token endpoint body.
const maxTokenRequestSize = 64 << 10

// PublicPaths returns the paths that never require authentication.
func PublicPaths() []string {
	return []string{HealthPath, ReadyPath, DocsPath, ProtectedResourcePath, TokenPath}
}

// buildHandler assembles the route tree behind the correlation and access
// middleware. Correlation runs first so gate rejections carry the id.
func (g *Gateway) buildHandler() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(g.requestLogger)

	r.Get(HealthPath, g.handleHealth)
	r.Get(ReadyPath, g.handleReady)
	r.Get(DocsPath, g.handleDocs)
	r.Get(ProtectedResourcePath, g.handleProtectedResource)
	r.Post(TokenPath, g.handleToken)
	g.mcpServer.Mount(r)

	gate, err := auth.NewGate(auth.GateConfig{
		Validator:           g.validator,
		Scopes:              g.scopes,
		Policy:              g.policy,
		PublicPaths:         PublicPaths(),
		Resolve:             g.mcpServer.Resolve,
		ErrorWriter:         g.mcpServer.WriteAuthError,
		Logger:              g.logger,
		Realm:               g.config.Auth.Realm,
		ResourceMetadataURL: g.publicURL + ProtectedResourcePath,
	})
	if err != nil {
		return nil, fmt.Errorf("creating access gate: %w", err)
	}

	return correlation.Middleware(gate.Middleware(r)), nil
}

// requestLogger logs one line per request at debug level.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		g.logger.Log(r.Context(), slog.LevelDebug, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"correlation_id", correlation.FromContext(r.Context()),
		)
	})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// ReadyResponse is the JSON body of GET /health/ready.
type ReadyResponse struct {
	Status            string `json:"status"` // ready, degraded, unavailable
	AuthMode          string `json:"auth_mode"`
	ProviderPolicy    string `json:"provider_policy"`
	ProviderAvailable bool   `json:"provider_available"`
	Operations        int    `json:"operations"`
	Resources         int    `json:"resources"`
}

// handleReady returns 200 when execution requests can be served: the
// identity provider is reachable, or degrade mode admits requests anyway.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	available := g.validator.Available()
	resp := ReadyResponse{
		Status:            "ready",
		AuthMode:          g.config.Auth.Mode,
		ProviderPolicy:    string(g.policy),
		ProviderAvailable: available,
		Operations:        g.registry.NumOperations(),
		Resources:         g.registry.NumResources(),
	}

	status := http.StatusOK
	if !available {
		if g.policy == auth.PolicyDegrade {
			resp.Status = "degraded"
		} else {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (g *Gateway) handleDocs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(g.docs)
}

// ProtectedResourceMetadata is the RFC 9728 protected resource document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	ResourceName           string   `json:"resource_name,omitempty"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	JWKSURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported"`
}

// handleProtectedResource serves RFC 9728 metadata. In local mode the gateway
// is its own authorization server.
func (g *Gateway) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "mcp-protocol-version, Content-Type, Authorization")

	meta := ProtectedResourceMetadata{
		Resource:               g.publicURL,
		ResourceName:           g.config.Server.Name,
		AuthorizationServers:   []string{g.publicURL},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        g.scopes.AllScopes(),
	}
	if g.config.Auth.Mode == config.ModeRemote {
		meta.JWKSURI = g.config.Auth.Remote.JWKSURL
		if g.config.Auth.Issuer != "" {
			meta.AuthorizationServers = []string{g.config.Auth.Issuer}
		}
	}
	if meta.ScopesSupported == nil {
		meta.ScopesSupported = []string{}
	}
	writeJSON(w, http.StatusOK, meta)
}

// TokenRequest is the body of POST /auth/token. Form-encoded client
// credentials grants (RFC 6749 §4.4) are accepted as well.
type TokenRequest struct {
	GrantType    string         `json:"grant_type,omitempty"`
	ClientID     string         `json:"client_id"`
	ClientSecret string         `json:"client_secret"`
	Claims       map[string]any `json:"claims,omitempty"`
}

// TokenResponse is a successful token endpoint reply.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
}

// TokenError is a failed token endpoint reply.
type TokenError struct {
	Error         string `json:"error"`
	Description   string `json:"error_description,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

var errBadTokenRequest = errors.New("invalid token request")

// handleToken trades a machine credential for a session token.
func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	correlationID := correlation.FromContext(r.Context())

	req, err := parseTokenRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, TokenError{Error: "invalid_request", Description: err.Error(), CorrelationID: correlationID})
		return
	}
	if req.GrantType != "" && req.GrantType != "client_credentials" {
		writeJSON(w, http.StatusBadRequest, TokenError{Error: "unsupported_grant_type", CorrelationID: correlationID})
		return
	}

	tok, err := g.validator.ExchangeCredential(r.Context(), auth.Credential{ClientID: req.ClientID, Secret: req.ClientSecret}, req.Claims)
	if err != nil {
		g.logger.Warn("credential exchange rejected",
			"client_id", req.ClientID,
			"reason", auth.Reason(err),
			"error", err,
			"correlation_id", correlationID,
		)
		writeJSON(w, auth.StatusCode(err), TokenError{
			Error:         auth.Reason(err),
			Description:   auth.PublicMessage(err),
			CorrelationID: correlationID,
		})
		return
	}

	resp := TokenResponse{AccessToken: tok.AccessToken, TokenType: tok.TokenType}
	if !tok.ExpiresAt.IsZero() {
		resp.ExpiresIn = int64(time.Until(tok.ExpiresAt).Round(time.Second).Seconds())
	}
	g.logger.Info("issued session token", "client_id", req.ClientID, "correlation_id", correlationID)
	writeJSON(w, http.StatusOK, resp)
}

// parseTokenRequest reads a JSON or form-encoded token request. HTTP Basic
// client authentication overrides body credentials.
func parseTokenRequest(r *http.Request) (*TokenRequest, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxTokenRequestSize)

	var req TokenRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadTokenRequest, err)
		}
		req.GrantType = r.PostForm.Get("grant_type")
		req.ClientID = r.PostForm.Get("client_id")
		req.ClientSecret = r.PostForm.Get("client_secret")
		if raw := r.PostForm.Get("claims"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Claims); err != nil {
				return nil, fmt.Errorf("%w: claims must be a JSON object", errBadTokenRequest)
			}
		}
	default:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadTokenRequest, err)
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("%w: body must be a JSON object", errBadTokenRequest)
		}
	}

	if id, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 §2.3.1 form-encodes both parts before base64.
		clientID, idErr := url.QueryUnescape(id)
		clientSecret, secretErr := url.QueryUnescape(secret)
		if idErr != nil || secretErr != nil {
			return nil, fmt.Errorf("%w: malformed basic credentials", errBadTokenRequest)
		}
		req.ClientID, req.ClientSecret = clientID, clientSecret
	}
	if req.ClientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", errBadTokenRequest)
	}
	return &req, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
