// p2pbackup runs the backup coordinator or a peer agent.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/p2pbackup/internal/config"
	"github.com/tunnelmesh/p2pbackup/internal/logging/loki"
	"github.com/tunnelmesh/p2pbackup/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// consoleOut is the human-readable log sink; Loki shipping tees into it.
	consoleOut io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}

	// Hidden flags passed by the service manager.
	serviceRun     bool
	serviceRunMode string
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "p2pbackup",
		Short: "Peer-to-peer file backup",
		Long: `p2pbackup splits files into chunks and spreads them over storage peers.

A coordinator tracks registered peers, plans chunk placement and moves
chunks off peers that stop sending heartbeats. Peers store chunks for
others, and owners back up and restore their own files.

QUICK START:

  # Start the coordinator
  p2pbackup serve --listen 0.0.0.0:5000

  # Start two storage peers
  p2pbackup peer --name bob --role STORAGE --capacity 100MB --server 127.0.0.1:5000
  p2pbackup peer --name carol --role STORAGE --capacity 100MB --server 127.0.0.1:5000

  # Back up a file, then restore it
  p2pbackup peer --name alice --role OWNER --backup report.pdf --once
  p2pbackup peer --name alice --role OWNER --restore report.pdf --once`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	rootCmd.PersistentFlags().StringVar(&serviceRunMode, "service-mode", "", "Service mode: serve or peer (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")
	_ = rootCmd.PersistentFlags().MarkHidden("service-mode")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newPeerCmd())
	rootCmd.AddCommand(newServiceCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("p2pbackup %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Go:         %s\n", runtime.Version())
		},
	})
	return rootCmd
}

// runAsService is the entry point when the service manager starts the binary.
func runAsService() {
	setupServiceLogging()

	mode, configPath := svc.ServiceArgs(os.Args)
	if !svc.ValidMode(mode) {
		log.Fatal().Str("mode", mode).Msg("invalid service mode")
	}
	if configPath == "" {
		configPath = svc.DefaultConfigPath(mode)
	}

	log.Info().
		Str("mode", mode).
		Str("config", configPath).
		Str("version", Version).
		Msg("starting as service")

	cfg := &svc.ServiceConfig{
		Name:        svc.DefaultServiceName(mode),
		DisplayName: svc.DefaultDisplayName(mode),
		Description: svc.DefaultDescription(mode),
		Mode:        mode,
		ConfigPath:  configPath,
	}
	prg := &svc.Program{
		Mode:       mode,
		ConfigPath: configPath,
		RunServe:   runServeFromService,
		RunPeer:    runPeerFromService,
	}
	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

func setupLogging() {
	configureLogging(os.Stderr, logLevel)
}

func configureLogging(w io.Writer, level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	consoleOut = zerolog.ConsoleWriter{Out: w}
	log.Logger = log.Output(consoleOut)
}

// startLogShipping tees the global logger into Loki when cfg is enabled.
// The returned func flushes and restores console-only output.
func startLogShipping(cfg config.LokiConfig, labels map[string]string) (func(), error) {
	if !cfg.Enabled() {
		return func() {}, nil
	}
	w, err := loki.NewWriter(loki.Config{
		URL:           cfg.URL,
		Labels:        labels,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval.Std(),
	})
	if err != nil {
		return nil, err
	}
	w.Start()

	console := consoleOut
	log.Logger = log.Output(zerolog.MultiLevelWriter(console, w))
	log.Info().Str("url", cfg.URL).Msg("shipping logs to loki")

	return func() {
		log.Logger = log.Output(console)
		w.Stop()
	}, nil
}

// setupServiceLogging writes to a log file as well as stderr, since launchd
// does not always capture the service's stderr.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logFile, err := os.OpenFile("/var/log/p2pbackup-service.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		consoleOut = zerolog.ConsoleWriter{Out: os.Stderr}
		log.Logger = log.Output(consoleOut)
		return
	}
	multi := io.MultiWriter(logFile, os.Stderr)
	consoleOut = zerolog.ConsoleWriter{Out: multi, TimeFormat: time.RFC3339}
	log.Logger = log.Output(consoleOut)
}
