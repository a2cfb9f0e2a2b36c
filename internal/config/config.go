// ABOUTME: Configuration loading and parsing for orchestrator-gateway
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing, and defaults

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// minSecretLength matches the local validator's minimum HMAC key size.
const minSecretLength = 32

// Authentication modes.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// Identity provider failure policies.
const (
	PolicyDegrade = "degrade"
	PolicyEnforce = "enforce"
)

// Config represents the complete orchestrator-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listener and the identity reported to clients
type ServerConfig struct {
	HTTPAddr     string `yaml:"http_addr"`
	Name         string `yaml:"name"`
	Version      string `yaml:"version"`
	Instructions string `yaml:"instructions"`
	// PublicURL is the externally visible base URL, used in protected-resource
	// metadata and WWW-Authenticate challenges. Derived from http_addr when empty.
	PublicURL string `yaml:"public_url"`

	ShutdownTimeout    time.Duration `yaml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve on :443 with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// AuthConfig selects and configures the claim validator
type AuthConfig struct {
	Mode              string `yaml:"mode"`
	OnProviderFailure string `yaml:"on_provider_failure"`
	Issuer            string `yaml:"issuer"`
	Audience          string `yaml:"audience"`
	Realm             string `yaml:"realm"`

	Local  LocalAuthConfig  `yaml:"local"`
	Remote RemoteAuthConfig `yaml:"remote"`

	// Scopes is an optional static operation → required scopes table. When
	// set it must name exactly the registered operations.
	Scopes map[string][]string `yaml:"scopes"`
}

// LocalAuthConfig configures HS256 tokens signed by the gateway itself
type LocalAuthConfig struct {
	Secret      string             `yaml:"secret"`
	Credentials []CredentialConfig `yaml:"credentials"`

	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

// CredentialConfig is a machine credential accepted by /auth/token in local mode
type CredentialConfig struct {
	ClientID   string   `yaml:"client_id"`
	SecretHash string   `yaml:"secret_hash"` // bcrypt
	Scopes     []string `yaml:"scopes"`
	TenantID   string   `yaml:"tenant_id"`
}

// RemoteAuthConfig configures validation against an external identity provider
type RemoteAuthConfig struct {
	JWKSURL  string `yaml:"jwks_url"`
	TokenURL string `yaml:"token_url"`

	KeyTTL            time.Duration `yaml:"-"`
	StartupTimeout    time.Duration `yaml:"-"`
	KeyTTLRaw         string        `yaml:"key_ttl"`
	StartupTimeoutRaw string        `yaml:"startup_timeout"`
}

// DispatchConfig holds invocation time limits
type DispatchConfig struct {
	DefaultTimeout time.Duration            `yaml:"-"`
	Timeouts       map[string]time.Duration `yaml:"-"`

	DefaultTimeoutRaw string            `yaml:"default_timeout"`
	TimeoutsRaw       map[string]string `yaml:"timeouts"`
}

// AnalyticsConfig controls the SQLite invocation log
type AnalyticsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
	Buffer       int    `yaml:"buffer"`

	Retention    time.Duration `yaml:"-"`
	RetentionRaw string        `yaml:"retention"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applying the same expansion,
// defaults, and validation as Load.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields.
func (c *Config) applyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "orchestrator-gateway"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = ModeLocal
	}
	if c.Auth.OnProviderFailure == "" {
		c.Auth.OnProviderFailure = PolicyDegrade
	}
	if c.Auth.Realm == "" {
		c.Auth.Realm = c.Server.Name
	}
	if c.Auth.Local.TokenTTL == 0 {
		c.Auth.Local.TokenTTL = time.Hour
	}
	if c.Auth.Remote.KeyTTL == 0 {
		c.Auth.Remote.KeyTTL = 10 * time.Minute
	}
	if c.Auth.Remote.StartupTimeout == 0 {
		c.Auth.Remote.StartupTimeout = 10 * time.Second
	}
	if c.Dispatch.DefaultTimeout == 0 {
		c.Dispatch.DefaultTimeout = 30 * time.Second
	}
	if c.Analytics.Buffer == 0 {
		c.Analytics.Buffer = 256
	}
	if c.Analytics.DatabasePath != "" {
		c.Analytics.DatabasePath = ExpandHome(c.Analytics.DatabasePath)
	}
	if c.Tailscale.StateDir != "" {
		c.Tailscale.StateDir = ExpandHome(c.Tailscale.StateDir)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Server.PublicURL != "" {
		if err := validateHTTPURL(c.Server.PublicURL); err != nil {
			return fmt.Errorf("server.public_url: %w", err)
		}
	}

	if err := c.Auth.validate(); err != nil {
		return err
	}

	for name, d := range c.Dispatch.Timeouts {
		if d <= 0 {
			return fmt.Errorf("dispatch.timeouts.%s must be positive", name)
		}
	}
	if c.Dispatch.DefaultTimeout < 0 {
		return errors.New("dispatch.default_timeout must be positive")
	}

	if c.Analytics.Enabled && c.Analytics.DatabasePath == "" {
		return errors.New("analytics.database_path is required when analytics is enabled")
	}
	if c.Analytics.Buffer < 0 {
		return errors.New("analytics.buffer must not be negative")
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	return nil
}

func (a *AuthConfig) validate() error {
	switch a.OnProviderFailure {
	case PolicyDegrade, PolicyEnforce:
	default:
		return fmt.Errorf("auth.on_provider_failure must be degrade or enforce (got %q)", a.OnProviderFailure)
	}

	switch a.Mode {
	case ModeLocal:
		if len(a.Local.Secret) < minSecretLength {
			return fmt.Errorf("auth.local.secret must be at least %d bytes (got %d)", minSecretLength, len(a.Local.Secret))
		}
		seen := make(map[string]bool, len(a.Local.Credentials))
		for i, cred := range a.Local.Credentials {
			if cred.ClientID == "" {
				return fmt.Errorf("auth.local.credentials[%d].client_id is required", i)
			}
			if seen[cred.ClientID] {
				return fmt.Errorf("auth.local.credentials: duplicate client_id %q", cred.ClientID)
			}
			seen[cred.ClientID] = true
			if !strings.HasPrefix(cred.SecretHash, "$2") {
				return fmt.Errorf("auth.local.credentials[%d].secret_hash must be a bcrypt hash", i)
			}
		}
	case ModeRemote:
		if a.Remote.JWKSURL == "" {
			return errors.New("auth.remote.jwks_url is required in remote mode")
		}
		if err := validateHTTPURL(a.Remote.JWKSURL); err != nil {
			return fmt.Errorf("auth.remote.jwks_url: %w", err)
		}
		if a.Remote.TokenURL != "" {
			if err := validateHTTPURL(a.Remote.TokenURL); err != nil {
				return fmt.Errorf("auth.remote.token_url: %w", err)
			}
		}
		if a.Remote.KeyTTL < 0 || a.Remote.StartupTimeout < 0 {
			return errors.New("auth.remote durations must be positive")
		}
	default:
		return fmt.Errorf("auth.mode must be local or remote (got %q)", a.Mode)
	}

	for name, scopes := range a.Scopes {
		if name == "" {
			return errors.New("auth.scopes has an empty operation name")
		}
		for _, s := range scopes {
			if strings.TrimSpace(s) == "" || strings.ContainsAny(s, " \t") {
				return fmt.Errorf("auth.scopes.%s: invalid scope %q", name, s)
			}
		}
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"auth.local.token_ttl", cfg.Auth.Local.TokenTTLRaw, &cfg.Auth.Local.TokenTTL},
		{"auth.remote.key_ttl", cfg.Auth.Remote.KeyTTLRaw, &cfg.Auth.Remote.KeyTTL},
		{"auth.remote.startup_timeout", cfg.Auth.Remote.StartupTimeoutRaw, &cfg.Auth.Remote.StartupTimeout},
		{"dispatch.default_timeout", cfg.Dispatch.DefaultTimeoutRaw, &cfg.Dispatch.DefaultTimeout},
		{"analytics.retention", cfg.Analytics.RetentionRaw, &cfg.Analytics.Retention},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	if len(cfg.Dispatch.TimeoutsRaw) > 0 {
		cfg.Dispatch.Timeouts = make(map[string]time.Duration, len(cfg.Dispatch.TimeoutsRaw))
		for name, raw := range cfg.Dispatch.TimeoutsRaw {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("parsing dispatch.timeouts.%s %q: %w", name, raw, err)
			}
			cfg.Dispatch.Timeouts[name] = d
		}
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Path returns the path to the gateway config file.
// Priority: ORCHESTRATOR_CONFIG env var > XDG_CONFIG_HOME/orchestrator/gateway.yaml > ~/.config/orchestrator/gateway.yaml
func Path() string {
	if envPath := os.Getenv("ORCHESTRATOR_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "orchestrator", "gateway.yaml")
}

// DataDir returns the directory for gateway data.
// Priority: XDG_DATA_HOME/orchestrator > ~/.local/share/orchestrator
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "orchestrator")
}
