package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/p2pbackup/internal/config"
	"github.com/tunnelmesh/p2pbackup/internal/peer"
	"github.com/tunnelmesh/p2pbackup/internal/protocol"
	"github.com/tunnelmesh/p2pbackup/pkg/bytesize"
)

type peerFlags struct {
	name          string
	role          string
	ip            string
	udpPort       int
	tcpPort       int
	capacity      bytesize.Size
	server        string
	storageDir    string
	restoreDir    string
	chunkSize     int
	parallelSends bool
	metricsListen string
	tracing       bool
	lokiURL       string
}

// peerOps are the one-shot operations run after registration.
type peerOps struct {
	backups    []string
	restores   []string
	replicates []string
	deregister bool
	once       bool
}

func newPeerCmd() *cobra.Command {
	var (
		f   peerFlags
		ops peerOps
	)
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Run a peer agent",
		Long: `Register with the coordinator and keep sending heartbeats. Storage peers
accept chunks from owners; owners back up and restore their own files.

Examples:
  # Storage peer offering 1GB
  p2pbackup peer --name bob --role STORAGE --capacity 1GB --server coord:5000

  # Back up two files, then exit
  p2pbackup peer --name alice --role OWNER --backup a.txt --backup b.txt --once

  # Restore a file into ./restored/alice
  p2pbackup peer --name alice --role OWNER --restore a.txt --once

  # Ask the coordinator to copy chunk 2 of a.txt to carol
  p2pbackup peer --name alice --role OWNER --replicate a.txt:2:carol --once`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			cfg, err := loadPeerConfig(cfgFile)
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			cfg.ApplyDefaults()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if _, err := ops.parseReplicates(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPeer(ctx, cfg, ops)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.name, "name", "n", "", "peer name")
	flags.StringVar(&f.role, "role", "", "OWNER, STORAGE or BOTH (default BOTH)")
	flags.StringVar(&f.ip, "ip", "", "address to bind and advertise (default 127.0.0.1)")
	flags.IntVar(&f.udpPort, "udp-port", 0, "control port (0 picks a free port)")
	flags.IntVar(&f.tcpPort, "tcp-port", 0, "chunk transfer port (0 picks a free port)")
	flags.Var(&f.capacity, "capacity", "storage offered to other peers, e.g. 500MB")
	flags.StringVarP(&f.server, "server", "s", "", "coordinator host:port (default 127.0.0.1:5000)")
	flags.StringVar(&f.storageDir, "storage-dir", "", "directory for chunks held for other peers")
	flags.StringVar(&f.restoreDir, "restore-dir", "", "directory restored files are written to")
	flags.IntVar(&f.chunkSize, "chunk-size", 0, "requested chunk size in bytes")
	flags.BoolVar(&f.parallelSends, "parallel", false, "send to distinct peers concurrently")
	flags.StringVar(&f.metricsListen, "metrics-listen", "", "serve /health and /metrics on this address")
	flags.BoolVar(&f.tracing, "tracing", false, "serve runtime trace snapshots on /debug/trace (needs --metrics-listen)")
	flags.StringVar(&f.lokiURL, "loki-url", "", "ship logs to this Loki base URL")

	flags.StringArrayVar(&ops.backups, "backup", nil, "back up this file (repeatable)")
	flags.StringArrayVar(&ops.restores, "restore", nil, "restore this file (repeatable)")
	flags.StringArrayVar(&ops.replicates, "replicate", nil, "replicate file:chunk:target (repeatable)")
	flags.BoolVar(&ops.deregister, "deregister", false, "deregister from the coordinator on exit")
	flags.BoolVar(&ops.once, "once", false, "exit after the requested operations instead of running")
	return cmd
}

// apply copies explicitly set flags over cfg.
func (f *peerFlags) apply(cmd *cobra.Command, cfg *config.PeerConfig) {
	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.Name = f.name
	}
	if flags.Changed("role") {
		cfg.Role = strings.ToUpper(f.role)
	}
	if flags.Changed("ip") {
		cfg.IP = f.ip
	}
	if flags.Changed("udp-port") {
		cfg.UDPPort = f.udpPort
	}
	if flags.Changed("tcp-port") {
		cfg.TCPPort = f.tcpPort
	}
	if flags.Changed("capacity") {
		cfg.Capacity = f.capacity
	}
	if flags.Changed("server") {
		cfg.Server = f.server
	}
	if flags.Changed("storage-dir") {
		cfg.StorageDir = f.storageDir
	}
	if flags.Changed("restore-dir") {
		cfg.RestoreDir = f.restoreDir
	}
	if flags.Changed("chunk-size") {
		cfg.ChunkSize = f.chunkSize
	}
	if flags.Changed("parallel") {
		cfg.ParallelSends = f.parallelSends
	}
	if flags.Changed("metrics-listen") {
		cfg.MetricsListen = f.metricsListen
	}
	if flags.Changed("tracing") {
		cfg.EnableTracing = f.tracing
	}
	if flags.Changed("loki-url") {
		cfg.Loki.URL = f.lokiURL
	}
}

func loadPeerConfig(path string) (*config.PeerConfig, error) {
	if path == "" {
		return &config.PeerConfig{}, nil
	}
	cfg, err := config.LoadPeerConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

type replicateSpec struct {
	fileName string
	chunkID  int
	target   string
}

// parseReplicateSpec parses file:chunk:target. The file name may itself
// contain colons.
func parseReplicateSpec(s string) (replicateSpec, error) {
	last := strings.LastIndex(s, ":")
	if last <= 0 {
		return replicateSpec{}, fmt.Errorf("invalid --replicate %q: want file:chunk:target", s)
	}
	head, target := s[:last], s[last+1:]
	mid := strings.LastIndex(head, ":")
	if mid <= 0 || target == "" {
		return replicateSpec{}, fmt.Errorf("invalid --replicate %q: want file:chunk:target", s)
	}
	id, err := strconv.Atoi(head[mid+1:])
	if err != nil || id < 0 {
		return replicateSpec{}, fmt.Errorf("invalid --replicate %q: bad chunk id", s)
	}
	return replicateSpec{fileName: head[:mid], chunkID: id, target: target}, nil
}

func (o *peerOps) parseReplicates() ([]replicateSpec, error) {
	specs := make([]replicateSpec, 0, len(o.replicates))
	for _, s := range o.replicates {
		spec, err := parseReplicateSpec(s)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// run performs every requested operation in order and joins their errors.
func (o *peerOps) run(ctx context.Context, agent *peer.Agent) error {
	specs, err := o.parseReplicates()
	if err != nil {
		return err
	}

	var errs []error
	for _, path := range o.backups {
		res, err := agent.Backup(ctx, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Printf("backed up %s: %s in %d chunks across %s (%s)\n",
			res.FileName, bytesize.Format(res.Size), res.TotalChunks,
			protocol.FormatPeerList(res.Peers), res.Duration.Round(time.Millisecond))
	}
	for _, name := range o.restores {
		res, err := agent.Restore(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Printf("restored %s to %s: %s, checksum %s\n",
			res.FileName, res.Path, bytesize.Format(res.Size), protocol.FormatChecksum(res.Checksum))
		if len(res.Mismatches) > 0 {
			fmt.Printf("  warning: chunks %v did not match their declared checksum\n", res.Mismatches)
		}
	}
	for _, spec := range specs {
		if err := agent.RequestReplication(ctx, spec.fileName, spec.chunkID, spec.target); err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Printf("replication of %s chunk %d to %s scheduled\n", spec.fileName, spec.chunkID, spec.target)
	}
	return errors.Join(errs...)
}

// runPeer starts an agent, registers it, runs ops and then keeps
// heartbeating until ctx is cancelled, unless ops.once is set.
func runPeer(ctx context.Context, cfg *config.PeerConfig, ops peerOps) error {
	stopShipping, err := startLogShipping(cfg.Loki, map[string]string{"role": "peer", "peer": cfg.Name})
	if err != nil {
		return fmt.Errorf("loki: %w", err)
	}
	defer stopShipping()

	agent, err := peer.New(cfg, log.Logger)
	if err != nil {
		return err
	}
	if err := agent.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	defer func() { _ = agent.Stop() }()

	if err := agent.Register(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if ops.deregister {
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout.Std())
			defer cancel()
			if err := agent.Deregister(dctx); err != nil {
				log.Warn().Err(err).Msg("deregister failed")
			}
		}()
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	heartbeat := make(chan error, 1)
	go func() { heartbeat <- agent.RunHeartbeat(hbCtx) }()

	opsErr := ops.run(ctx, agent)
	if ops.once || ctx.Err() != nil {
		return opsErr
	}
	if opsErr != nil {
		log.Error().Err(opsErr).Msg("requested operations failed")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down peer agent")
		return nil
	case err := <-heartbeat:
		return err
	}
}

func runPeerFromService(ctx context.Context, configPath string) error {
	cfg, err := loadPeerConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return runPeer(ctx, cfg, peerOps{deregister: true})
}
