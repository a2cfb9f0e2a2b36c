// ABOUTME: Gateway orchestrator that wires validator, registry, engine, and access gate
// ABOUTME: Manages the HTTP server, analytics store, retention pruning, and shutdown lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/orchestrator-gateway/internal/analytics"
	"github.com/2389/orchestrator-gateway/internal/auth"
	"github.com/2389/orchestrator-gateway/internal/builtins"
	"github.com/2389/orchestrator-gateway/internal/config"
	"github.com/2389/orchestrator-gateway/internal/mcp"
	"github.com/2389/orchestrator-gateway/internal/registry"
	"github.com/2389/orchestrator-gateway/internal/store"
)

// pruneInterval bounds how often expired invocation records are deleted.
const pruneInterval = time.Hour

// Gateway orchestrates the orchestrator-gateway server components.
// Everything is built once in New; nothing is registered after startup.
type Gateway struct {
	config      *config.Config
	validator   auth.ClaimValidator
	policy      auth.Policy
	registry    *registry.Registry
	scopes      *auth.ScopeTable
	engine      *mcp.Engine
	mcpServer   *mcp.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
	startedAt   time.Time

	// store is nil when analytics persistence is disabled
	store *store.SQLiteStore

	// sink delivers invocation events off the request path
	sink *analytics.Async

	// publicURL is the externally visible base URL (no trailing slash)
	publicURL string

	// docs is the rendered /docs page
	docs []byte

	closeOnce sync.Once
	closeErr  error
}

// New creates a new Gateway instance with the given configuration. In remote
// auth mode it warms up against the identity provider, bounded by
// auth.remote.startup_timeout; an unreachable provider is logged and handled
// by the configured failure policy rather than failing startup.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	gw := &Gateway{
		config:    cfg,
		policy:    auth.Policy(cfg.Auth.OnProviderFailure),
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
		publicURL: PublicURL(cfg),
	}

	validator, err := newValidator(ctx, cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("creating claim validator: %w", err)
	}
	gw.validator = validator

	if err := gw.initAnalytics(logger); err != nil {
		return nil, err
	}

	if err := gw.initDispatch(logger); err != nil {
		_ = gw.closeResources(context.Background())
		return nil, err
	}

	handler, err := gw.buildHandler()
	if err != nil {
		_ = gw.closeResources(context.Background())
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.logger.Info("gateway initialized",
		"auth_mode", cfg.Auth.Mode,
		"provider_policy", gw.policy,
		"operations", gw.registry.NumOperations(),
		"resources", gw.registry.NumResources(),
		"analytics", gw.store != nil,
	)
	return gw, nil
}

// initAnalytics opens the invocation log (when enabled) and starts the async
// sink every invocation event flows through.
func (g *Gateway) initAnalytics(logger *slog.Logger) error {
	sinks := analytics.Multi{analytics.LogSink{Logger: logger.With("component", "analytics"), Level: slog.LevelDebug}}

	if g.config.Analytics.Enabled {
		s, err := store.NewSQLiteStore(g.config.Analytics.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening analytics store: %w", err)
		}
		g.store = s
		sinks = append(sinks, s)
	}

	g.sink = analytics.NewAsync(sinks, g.config.Analytics.Buffer, logger)
	return nil
}

// initDispatch registers the built-ins, freezes the registry, builds the scope
// table, and creates the engine and protocol server.
func (g *Gateway) initDispatch(logger *slog.Logger) error {
	deps := builtins.Deps{Status: g.status, Logger: logger}
	if g.store != nil {
		deps.Usage = g.store
	}

	b := registry.NewBuilder(logger)
	if err := builtins.Register(b, deps); err != nil {
		return fmt.Errorf("registering built-ins: %w", err)
	}
	reg, err := b.Build()
	if err != nil {
		return fmt.Errorf("building registry: %w", err)
	}
	g.registry = reg

	scopes, err := scopeTable(g.config.Auth.Scopes, reg)
	if err != nil {
		return err
	}
	g.scopes = scopes

	g.engine, err = mcp.NewEngine(mcp.EngineConfig{
		Registry:       reg,
		DefaultTimeout: g.config.Dispatch.DefaultTimeout,
		Timeouts:       g.config.Dispatch.Timeouts,
		Sink:           g.sink,
		ServerName:     g.config.Server.Name,
		ServerVersion:  g.config.Server.Version,
		Instructions:   g.config.Server.Instructions,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	g.mcpServer, err = mcp.NewServer(mcp.Config{Engine: g.engine, Logger: logger})
	if err != nil {
		return fmt.Errorf("creating protocol server: %w", err)
	}

	g.docs, err = renderDocs(g.config.Server, reg, scopes)
	if err != nil {
		return fmt.Errorf("rendering docs: %w", err)
	}
	return nil
}

// scopeTable returns the configured table checked against the registry, or
// the scopes declared at registration when none is configured.
func scopeTable(configured map[string][]string, reg *registry.Registry) (*auth.ScopeTable, error) {
	if configured == nil {
		return auth.NewScopeTable(reg.ScopeEntries()), nil
	}
	t := auth.NewScopeTable(configured)
	if err := t.Validate(reg.OperationNames()); err != nil {
		return nil, fmt.Errorf("auth.scopes: %w", err)
	}
	return t, nil
}

// status reports the gateway state for the system://status resource.
func (g *Gateway) status() builtins.Status {
	return builtins.Status{
		Name:              g.config.Server.Name,
		Version:           g.config.Server.Version,
		StartedAt:         g.startedAt,
		AuthMode:          g.config.Auth.Mode,
		ProviderPolicy:    string(g.policy),
		ProviderAvailable: g.validator.Available(),
	}
}

// Handler returns the complete HTTP handler: correlation, access gate, routes.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		_ = g.closeResources(context.Background())
		return err
	}

	pruneCtx, stopPrune := context.WithCancel(ctx)
	pruneDone := g.startRetention(pruneCtx)

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	stopPrune()
	<-pruneDone
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// startRetention prunes invocation records older than analytics.retention,
// once at startup and then every pruneInterval. The returned channel closes
// when the loop exits.
func (g *Gateway) startRetention(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	retention := g.config.Analytics.Retention
	if g.store == nil || retention <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()

		for {
			g.prune(ctx, retention)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return done
}

func (g *Gateway) prune(ctx context.Context, retention time.Duration) {
	before := time.Now().Add(-retention)
	n, err := g.store.PruneInvocations(ctx, before)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Warn("pruning invocation log failed", "error", err)
		}
		return
	}
	if n > 0 {
		g.logger.Info("pruned invocation log", "deleted", n, "before", before.Format(time.RFC3339))
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server and releases resources. Queued
// analytics events are flushed before the store closes. Safe to call more
// than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if g.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	}
	if err := g.closeResources(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeResources closes the tailnet node, drains the analytics sink, and
// closes the store, exactly once.
func (g *Gateway) closeResources(ctx context.Context) error {
	g.closeOnce.Do(func() {
		var errs []error
		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		if g.sink != nil {
			errs = appendCloseError(errs, "analytics drain", g.sink.Close(ctx))
			if dropped := g.sink.Dropped(); dropped > 0 {
				g.logger.Warn("analytics events dropped", "count", dropped)
			}
		}
		if g.store != nil {
			errs = appendCloseError(errs, "store close", g.store.Close())
		}
		g.closeErr = errors.Join(errs...)
	})
	return g.closeErr
}
