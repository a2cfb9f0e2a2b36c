// ABOUTME: Operator subcommands: mint local tokens, exchange credentials, check health, write config
// ABOUTME: All of them read the same config file the server uses

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/2389/orchestrator-gateway/internal/config"
	"github.com/2389/orchestrator-gateway/internal/gateway"
)

// requestTimeout bounds the health and exchange calls.
const requestTimeout = 10 * time.Second

func newTokenCommand(loadConfig func() (*config.Config, error)) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token signed with the local secret",
		Long: `Mint a session token signed with auth.local.secret. Only valid in local
auth mode. The token is printed to stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			v, err := gateway.LocalValidator(cfg.Auth)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.Local.TokenTTL
			}
			token, err := v.Generate(subject, scopes, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (required)")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "granted scope, repeatable or comma-separated")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.local.token_ttl)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newExchangeCommand(loadConfig func() (*config.Config, error)) *cobra.Command {
	var (
		baseURL  string
		clientID string
		secret   string
		claims   map[string]string
	)

	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Trade a machine credential for a session token at a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if baseURL == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				baseURL = gateway.PublicURL(cfg)
			}
			if secret == "" {
				secret = os.Getenv("ORCHESTRATOR_CLIENT_SECRET")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			tok, err := exchange(ctx, strings.TrimSuffix(baseURL, "/"), clientID, secret, claims)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
			if !tok.Expiry.IsZero() {
				fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", tok.Expiry.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "gateway base URL (default from config)")
	cmd.Flags().StringVar(&clientID, "client-id", "", "machine client id (required)")
	cmd.Flags().StringVar(&secret, "secret", "", "client secret (default $ORCHESTRATOR_CLIENT_SECRET)")
	cmd.Flags().StringToStringVar(&claims, "claim", nil, "custom claim key=value, repeatable")
	_ = cmd.MarkFlagRequired("client-id")
	return cmd
}

// exchange runs a client-credentials grant against the gateway token endpoint.
func exchange(ctx context.Context, baseURL, clientID, secret string, claims map[string]string) (*oauth2.Token, error) {
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		TokenURL:     baseURL + gateway.TokenPath,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	if len(claims) > 0 {
		encoded, err := json.Marshal(claims)
		if err != nil {
			return nil, fmt.Errorf("encoding claims: %w", err)
		}
		cc.EndpointParams = url.Values{"claims": {string(encoded)}}
	}

	tok, err := cc.Token(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode != "" {
			return nil, fmt.Errorf("exchange rejected: %s: %s", re.ErrorCode, re.ErrorDescription)
		}
		return nil, fmt.Errorf("exchange failed: %w", err)
	}
	return tok, nil
}

func newHealthCommand(loadConfig func() (*config.Config, error)) *cobra.Command {
	var baseURL string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if baseURL == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				baseURL = gateway.PublicURL(cfg)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			return checkReady(ctx, strings.TrimSuffix(baseURL, "/"), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "gateway base URL (default from config)")
	return cmd
}

func checkReady(ctx context.Context, baseURL string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+gateway.ReadyPath, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var ready gateway.ReadyResponse
	if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Fprintf(out, "%s (auth: %s, provider available: %t, operations: %d, resources: %d)\n",
		ready.Status, ready.AuthMode, ready.ProviderAvailable, ready.Operations, ready.Resources)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

func newInitCommand(configPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config with a freshly generated signing secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(*configPath, config.DataDir(), force, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func runInit(configPath, dataDir string, force bool, out io.Writer) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating signing secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "analytics.db")
	if err := os.WriteFile(configPath, []byte(config.Starter(secret, dbPath)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Fprintf(out, "  ✓ Created config: %s\n", configPath)
	green.Fprintf(out, "  ✓ Analytics database: %s\n", dbPath)
	fmt.Fprintln(out)
	yellow.Fprintln(out, "  Ready to go:")
	fmt.Fprintln(out, "    orchestrator-gateway serve")
	fmt.Fprintln(out, "    orchestrator-gateway token --subject you --scope tools:generate")
	fmt.Fprintln(out)
	return nil
}
