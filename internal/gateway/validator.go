// ABOUTME: Claim validator selection from the auth configuration
// ABOUTME: Local mode builds an HS256 validator; remote mode fetches the JWKS at startup

package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/orchestrator-gateway/internal/auth"
	"github.com/2389/orchestrator-gateway/internal/config"
)

func newValidator(ctx context.Context, cfg config.AuthConfig, logger *slog.Logger) (auth.ClaimValidator, error) {
	switch cfg.Mode {
	case config.ModeRemote:
		return newRemoteValidator(ctx, cfg, logger)
	case config.ModeLocal, "":
		return LocalValidator(cfg)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// LocalValidator builds the HS256 validator described by cfg. The CLI uses it
// to mint tokens the running gateway accepts.
func LocalValidator(cfg config.AuthConfig) (*auth.LocalValidator, error) {
	creds := make([]auth.MachineCredential, 0, len(cfg.Local.Credentials))
	for _, c := range cfg.Local.Credentials {
		creds = append(creds, auth.MachineCredential{
			ClientID:   c.ClientID,
			SecretHash: c.SecretHash,
			Scopes:     c.Scopes,
			TenantID:   c.TenantID,
		})
	}
	return auth.NewLocalValidator(auth.LocalConfig{
		Secret:      []byte(cfg.Local.Secret),
		Issuer:      cfg.Issuer,
		Audience:    cfg.Audience,
		TokenTTL:    cfg.Local.TokenTTL,
		Credentials: creds,
	})
}

// newRemoteValidator creates a JWKS-backed validator and warms its key cache.
// A failed warm-up is not fatal: the validator reports itself unavailable and
// the gate applies the provider failure policy until keys can be fetched.
func newRemoteValidator(ctx context.Context, cfg config.AuthConfig, logger *slog.Logger) (*auth.RemoteValidator, error) {
	v, err := auth.NewRemoteValidator(auth.RemoteConfig{
		JWKSURL:  cfg.Remote.JWKSURL,
		TokenURL: cfg.Remote.TokenURL,
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		KeyTTL:   cfg.Remote.KeyTTL,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	warmCtx, cancel := context.WithTimeout(ctx, cfg.Remote.StartupTimeout)
	defer cancel()
	if err := v.WarmUp(warmCtx, cfg.Remote.StartupTimeout); err != nil {
		logger.Warn("identity provider unreachable at startup",
			"jwks_url", cfg.Remote.JWKSURL,
			"policy", cfg.OnProviderFailure,
			"error", err,
		)
		return v, nil
	}
	logger.Info("identity provider reachable", "jwks_url", cfg.Remote.JWKSURL)
	return v, nil
}
