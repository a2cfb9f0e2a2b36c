// ABOUTME: Starter configuration written by the init command
// ABOUTME: Produces a minimal local-mode config with a generated signing secret

package config

import "fmt"

// Starter returns a local-mode configuration file with the given signing
// secret and analytics database path.
func Starter(secret, databasePath string) string {
	return fmt.Sprintf(`# orchestrator-gateway configuration
# Generated by orchestrator-gateway init

server:
  http_addr: "127.0.0.1:8080"
  shutdown_timeout: "10s"

auth:
  mode: local
  on_provider_failure: degrade
  issuer: "orchestrator-gateway"
  audience: "orchestrator-gateway"
  local:
    secret: %q
    token_ttl: "1h"
    # Machine credentials accepted by POST /auth/token.
    # Hash secrets with: htpasswd -bnBC 10 "" <secret> | tr -d ':'
    credentials: []

dispatch:
  default_timeout: "30s"
  timeouts:
    generate_code: "60s"

analytics:
  enabled: true
  database_path: %q
  retention: "720h"

logging:
  level: info
  format: text
`, secret, databasePath)
}
