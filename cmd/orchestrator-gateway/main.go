// ABOUTME: Entry point for the orchestrator-gateway server and its operator commands
// ABOUTME: Cobra root command with serve, token, exchange, health, and init subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/orchestrator-gateway/internal/config"
	"github.com/2389/orchestrator-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
            _               _               _
  ___  _ __| |__   ___  ___| |_ _ __ __ _ | |_ ___  _ __
 / _ \| '__| '_ \ / _ \/ __| __| '__/ _' || __/ _ \| '__|
| (_) | |  | | | |  __/\__ \ |_| | | (_| || || (_) | |
 \___/|_|  |_| |_|\___||___/\__|_|  \__,_| \__\___/|_|
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCommand builds the command tree. The --config flag defaults to
// ORCHESTRATOR_CONFIG or the XDG config location.
func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "orchestrator-gateway",
		Short:         "Authenticated JSON-RPC gateway for orchestrator operations",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.Path(), "path to the gateway config file")

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(
		newServeCommand(&configPath, loadConfig),
		newTokenCommand(loadConfig),
		newExchangeCommand(loadConfig),
		newHealthCommand(loadConfig),
		newInitCommand(&configPath),
	)
	return root
}

func newServeCommand(configPath *string, loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath, loadConfig)
		},
	}
}

func runServe(ctx context.Context, configPath string, loadConfig func() (*config.Config, error)) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = version
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if cfg.Server.HTTPAddr != "" && !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Auth:      %s", cfg.Auth.Mode)
	if cfg.Auth.OnProviderFailure == config.PolicyDegrade {
		yellow.Print(" [degrade on provider failure]")
	}
	fmt.Println()
	if cfg.Analytics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Analytics: %s\n", cfg.Analytics.DatabasePath)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting orchestrator-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"auth_mode", cfg.Auth.Mode,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
