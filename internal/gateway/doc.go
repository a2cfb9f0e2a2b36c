// Package gateway wires the orchestrator-gateway server components together.
//
// # Overview
//
// New builds everything once: the claim validator for the configured auth
// mode, the analytics sink (log plus optional SQLite), the frozen registry of
// built-in operations and resources, the scope table, the dispatch engine, and
// the protocol server. Nothing is registered after New returns.
//
// # HTTP surface
//
// Every request passes through two middleware layers before routing:
//
//	correlation.Middleware -> auth.Gate -> chi router
//
// Public endpoints (no token, ever):
//
//   - GET /health - Liveness check
//   - GET /health/ready - Provider availability and registry size
//   - GET /docs - Rendered operation and resource catalog
//   - GET /.well-known/oauth-protected-resource - RFC 9728 metadata
//   - POST /auth/token - Machine credential exchange
//
// Protocol endpoints live under /mcp; see package mcp. Handshake and listing
// methods are discovery and pass the gate without a token. Execution methods
// need a bearer token whose scopes cover the target operation.
//
// # Listeners
//
// The server binds server.http_addr, or joins a tailnet through tsnet when
// tailscale.enabled is set. With Tailscale the public URL follows the node's
// MagicDNS name unless server.public_url overrides it.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown stops the HTTP server, drains queued analytics events, then closes
// the store. It is safe to call more than once.
package gateway
