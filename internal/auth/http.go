// ABOUTME: HTTP access gate for the protocol endpoints
// ABOUTME: Classifies requests, validates bearer tokens, enforces scopes, attaches AuthContext

package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/2389/orchestrator-gateway/internal/correlation"
)

// PathClass is the access class of an inbound request.
type PathClass int

const (
	// ClassPublic paths (health, docs) never require authentication.
	ClassPublic PathClass = iota
	// ClassDiscovery requests (handshake, listings) pass without authentication.
	ClassDiscovery
	// ClassExecution requests require a valid bearer token and scope check.
	ClassExecution
)

func (c PathClass) String() string {
	switch c {
	case ClassPublic:
		return "public"
	case ClassDiscovery:
		return "discovery"
	default:
		return "execution"
	}
}

// Target describes what a request is trying to reach.
type Target struct {
	Class     PathClass
	Method    string
	Operation string // operation name for invocations, empty otherwise
	RequestID json.RawMessage
}

// Policy decides what happens to execution requests whose token cannot be
// verified because the identity provider is down.
type Policy string

const (
	// PolicyDegrade admits such requests with an anonymous, flagged context.
	PolicyDegrade Policy = "degrade"
	// PolicyEnforce rejects them with ErrProviderUnavailable.
	PolicyEnforce Policy = "enforce"
)

// ErrorWriter renders a gate rejection. Status and WWW-Authenticate are
// already decided; the writer produces the body.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, target Target, status int, err error)

// GateConfig configures a Gate.
type GateConfig struct {
	Validator ClaimValidator
	Scopes    *ScopeTable
	Policy    Policy

	// PublicPaths are matched exactly and bypass everything else.
	PublicPaths []string

	// Resolve classifies non-public requests. It may read the body but must
	// leave it readable for the next handler.
	Resolve func(r *http.Request) Target

	ErrorWriter ErrorWriter
	Logger      *slog.Logger

	// Realm and ResourceMetadataURL populate WWW-Authenticate (RFC 6750, RFC 9728).
	Realm               string
	ResourceMetadataURL string

	// DegradedTTL bounds the lifetime of anonymous contexts.
	DegradedTTL time.Duration
	Now         func() time.Time
}

// Gate is the single access middleware in front of the protocol surface.
// It keeps no per-request state between calls.
type Gate struct {
	validator   ClaimValidator
	scopes      *ScopeTable
	policy      Policy
	public      map[string]struct{}
	resolve     func(*http.Request) Target
	writeError  ErrorWriter
	logger      *slog.Logger
	realm       string
	metadataURL string
	degradedTTL time.Duration
	now         func() time.Time
}

// NewGate creates a gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Validator == nil {
		return nil, errors.New("gate requires a claim validator")
	}
	if cfg.Resolve == nil {
		return nil, errors.New("gate requires a request resolver")
	}

	policy := cfg.Policy
	switch policy {
	case "":
		policy = PolicyDegrade
	case PolicyDegrade, PolicyEnforce:
	default:
		return nil, fmt.Errorf("unknown provider failure policy %q", policy)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	writeError := cfg.ErrorWriter
	if writeError == nil {
		writeError = writeJSONError
	}
	ttl := cfg.DegradedTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	public := make(map[string]struct{}, len(cfg.PublicPaths))
	for _, p := range cfg.PublicPaths {
		public[p] = struct{}{}
	}

	return &Gate{
		validator:   cfg.Validator,
		scopes:      cfg.Scopes,
		policy:      policy,
		public:      public,
		resolve:     cfg.Resolve,
		writeError:  writeError,
		logger:      logger.With("component", "gate"),
		realm:       cfg.Realm,
		metadataURL: cfg.ResourceMetadataURL,
		degradedTTL: ttl,
		now:         now,
	}, nil
}

// Policy returns the configured provider failure policy.
func (g *Gate) Policy() Policy { return g.policy }

// Middleware wraps next with the access gate.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := g.public[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		target := g.resolve(r)
		if target.Class != ClassExecution {
			next.ServeHTTP(w, r)
			return
		}

		authCtx, err := g.authorize(r, target)
		if err != nil {
			g.reject(w, r, target, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
	})
}

// authorize runs the execution-path checks: bearer present, token valid,
// context unexpired, scopes satisfied.
func (g *Gate) authorize(r *http.Request, target Target) (*AuthContext, error) {
	ctx := r.Context()
	correlationID := correlation.FromContext(ctx)
	logger := g.logger.With("correlation_id", correlationID, "method", target.Method)

	token, err := extractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}

	claims, err := g.validator.Validate(ctx, token)
	if err != nil {
		// A request that ended while waiting on the provider is never degraded.
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Debug("request ended during token validation", "error", err)
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, ctxErr)
		}
		if errors.Is(err, ErrProviderUnavailable) {
			if g.policy == PolicyDegrade {
				logger.Warn("identity provider unavailable, admitting unverified request",
					"operation", target.Operation, "error", err)
				return anonymousContext(correlationID, g.now(), g.degradedTTL), nil
			}
			logger.Warn("identity provider unavailable, rejecting request", "error", err)
			return nil, err
		}
		logger.Debug("token rejected", "error", err)
		return nil, err
	}

	authCtx, err := NewAuthContext(claims, correlationID, g.now())
	if err != nil {
		return nil, err
	}

	if target.Operation != "" {
		required, _ := g.scopes.Required(target.Operation)
		if !authCtx.HasScopes(required) {
			logger.Info("insufficient scope",
				"subject", authCtx.Subject, "operation", target.Operation,
				"required", required, "granted", authCtx.Scopes)
			return nil, fmt.Errorf("%w: %s requires %s", ErrInsufficientScope,
				target.Operation, strings.Join(missingScopes(authCtx.Scopes, required), " "))
		}
	}

	return authCtx, nil
}

func (g *Gate) reject(w http.ResponseWriter, r *http.Request, target Target, err error) {
	status := StatusCode(err)
	switch status {
	case http.StatusUnauthorized:
		includeError := !errors.Is(err, ErrMissingAuthorization)
		w.Header().Set("WWW-Authenticate", g.buildWWWAuthenticate("invalid_token", includeError, PublicMessage(err)))
	case http.StatusForbidden:
		w.Header().Set("WWW-Authenticate", g.buildWWWAuthenticate("insufficient_scope", true, PublicMessage(err)))
	}
	g.writeError(w, r, target, status, err)
}

// buildWWWAuthenticate renders an RFC 6750 challenge with the RFC 9728
// resource_metadata parameter when configured.
func (g *Gate) buildWWWAuthenticate(code string, includeError bool, description string) string {
	var parts []string
	if g.realm != "" {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, escapeQuotes(g.realm)))
	}
	if g.metadataURL != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata="%s"`, escapeQuotes(g.metadataURL)))
	}
	if includeError {
		parts = append(parts, fmt.Sprintf(`error="%s"`, code))
		if description != "" {
			parts = append(parts, fmt.Sprintf(`error_description="%s"`, escapeQuotes(description)))
		}
	}
	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// extractBearerToken extracts a bearer token from the Authorization header.
// The scheme is matched case-insensitively.
func extractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", fmt.Errorf("%w: no authorization header", ErrMissingAuthorization)
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: authorization header is not a bearer token", ErrMissingAuthorization)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrMissingAuthorization)
	}
	return token, nil
}

func missingScopes(granted, required []string) []string {
	var out []string
	for _, s := range required {
		if !slices.Contains(granted, s) {
			out = append(out, s)
		}
	}
	return out
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

// writeJSONError is the fallback body when no ErrorWriter is configured.
func writeJSONError(w http.ResponseWriter, _ *http.Request, _ Target, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  PublicMessage(err),
		"reason": Reason(err),
	})
}
