package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/p2pbackup/internal/config"
	"github.com/tunnelmesh/p2pbackup/internal/coord"
)

type serveFlags struct {
	listen      string
	dataDir     string
	maxPeers    int
	admin       bool
	adminListen string
	tracing     bool
	lokiURL     string
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		Long: `Run the coordinator: accept peer registrations, plan backups and restores,
and recover chunks from peers that stop sending heartbeats.

Examples:
  p2pbackup serve --listen 0.0.0.0:5000 --data-dir /var/lib/p2pbackup
  p2pbackup serve -c coordinator.yaml --admin --admin-listen 127.0.0.1:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			cfg, err := loadServerConfig(cfgFile)
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&f.listen, "listen", "", "UDP control address (default 0.0.0.0:5000)")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "", "directory for the persisted registry (in-memory if empty)")
	cmd.Flags().IntVar(&f.maxPeers, "max-peers", 0, "maximum number of registered peers")
	cmd.Flags().BoolVar(&f.admin, "admin", false, "enable the admin HTTP interface")
	cmd.Flags().StringVar(&f.adminListen, "admin-listen", "", "admin HTTP listen address (default 127.0.0.1:8080)")
	cmd.Flags().BoolVar(&f.tracing, "tracing", false, "serve runtime trace snapshots on /debug/trace (needs --admin)")
	cmd.Flags().StringVar(&f.lokiURL, "loki-url", "", "ship logs to this Loki base URL")
	return cmd
}

// apply copies explicitly set flags over cfg.
func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.ServerConfig) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = f.listen
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = f.dataDir
	}
	if flags.Changed("max-peers") {
		cfg.MaxPeers = f.maxPeers
	}
	if flags.Changed("admin") {
		cfg.Admin.Enabled = f.admin
	}
	if flags.Changed("admin-listen") {
		cfg.Admin.Listen = f.adminListen
		cfg.Admin.Enabled = true
	}
	if flags.Changed("tracing") {
		cfg.Admin.Tracing = f.tracing
	}
	if flags.Changed("loki-url") {
		cfg.Loki.URL = f.lokiURL
	}
}

func loadServerConfig(path string) (*config.ServerConfig, error) {
	if path == "" {
		return config.DefaultServerConfig(), nil
	}
	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// runServe runs the coordinator until ctx is cancelled.
func runServe(ctx context.Context, cfg *config.ServerConfig) error {
	stopShipping, err := startLogShipping(cfg.Loki, map[string]string{"role": "coordinator"})
	if err != nil {
		return fmt.Errorf("loki: %w", err)
	}
	defer stopShipping()

	srv, err := coord.NewServer(cfg, log.Logger)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	<-ctx.Done()
	log.Info().Msg("shutting down coordinator")
	return srv.Stop()
}

func runServeFromService(ctx context.Context, configPath string) error {
	cfg, err := loadServerConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return runServe(ctx, cfg)
}
