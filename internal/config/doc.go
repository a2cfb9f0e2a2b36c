// Package config handles configuration loading for orchestrator-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from ORCHESTRATOR_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/orchestrator/gateway.yaml
//  3. ~/.config/orchestrator/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  local:
//	    secret: "${ORCHESTRATOR_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Sections
//
//   - server: HTTP listen address, reported name and version, public URL
//   - tailscale: optional tsnet listener with HTTPS and Funnel
//   - auth: local (HS256) or remote (JWKS) validation, failure policy, scope table
//   - dispatch: default and per-operation time limits
//   - analytics: SQLite invocation log and retention
//   - logging: level and text/json format
//
// Durations are written as Go duration strings ("30s", "5m", "720h").
package config
