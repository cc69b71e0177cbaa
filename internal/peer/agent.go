// Package peer implements the p2pbackup peer agent: it registers with the
// coordinator, backs files up to storage peers, restores them, serves chunks
// it holds and copies chunks on the coordinator's behalf.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/p2pbackup/internal/admin"
	"github.com/tunnelmesh/p2pbackup/internal/channel"
	"github.com/tunnelmesh/p2pbackup/internal/chunk"
	"github.com/tunnelmesh/p2pbackup/internal/config"
	"github.com/tunnelmesh/p2pbackup/internal/metrics"
	"github.com/tunnelmesh/p2pbackup/internal/protocol"
	"github.com/tunnelmesh/p2pbackup/internal/registry"
)

// ErrNotStarted is returned by operations that need the control socket before Start.
var ErrNotStarted = errors.New("agent not started")

// DeniedError is a request the coordinator refused with a reason token.
type DeniedError struct {
	Verb   string // Verb of the refusal, e.g. BACKUP-DENIED
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Verb, e.Reason)
}

// Unwrap maps the reason token back to its sentinel error, if there is one.
func (e *DeniedError) Unwrap() error {
	return protocol.ErrorFor(e.Reason)
}

// Assignment is a file the coordinator asked this peer to hold chunks of.
type Assignment struct {
	FileName  string
	Owner     string
	ChunkSize int
	Chunks    []int // Announced through STORE_REQ, ascending
}

// Agent is one peer process.
type Agent struct {
	cfg    *config.PeerConfig
	role   registry.Role
	logger zerolog.Logger

	store     *chunk.DiskStore
	client    *chunk.Client
	chunks    *chunk.Server
	directory *Directory
	metrics   *metrics.PeerMetrics

	ch      *channel.Channel
	server  *net.UDPAddr
	udpPort int
	tcpPort int
	admin   *admin.Server

	assignMu    sync.Mutex
	assignments map[string]*Assignment

	registered atomic.Bool
	lastRTT    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an agent from cfg. The chunk store is opened immediately; no
// sockets are bound until Start.
func New(cfg *config.PeerConfig, logger zerolog.Logger) (*Agent, error) {
	role, err := registry.ParseRole(cfg.Role)
	if err != nil {
		return nil, err
	}
	store, err := chunk.NewDiskStore(cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}

	a := &Agent{
		cfg:         cfg,
		role:        role,
		logger:      logger.With().Str("component", "peer").Str("peer", cfg.Name).Logger(),
		store:       store,
		directory:   NewDirectory(),
		metrics:     metrics.InitMetrics(cfg.Name, string(role)),
		assignments: make(map[string]*Assignment),
	}
	a.client = chunk.NewClient(chunk.ClientConfig{
		ConnectTimeout: cfg.ConnectTimeout.Std(),
		AckTimeout:     cfg.StoreAckTimeout.Std(),
		ReadTimeout:    cfg.ReadTimeout.Std(),
		Retries:        cfg.StoreRetries,
		Logger:         a.logger,
		OnRetry: func(string, int, int) {
			a.metrics.StoreRetries.Inc()
		},
	})
	return a, nil
}

// Start binds the chunk server (storage roles only) and the control socket,
// and starts metrics collection.
func (a *Agent) Start(ctx context.Context) error {
	server, err := net.ResolveUDPAddr("udp", a.cfg.Server)
	if err != nil {
		return fmt.Errorf("resolve coordinator %s: %w", a.cfg.Server, err)
	}
	a.server = server
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.tcpPort = a.cfg.TCPPort
	if a.role.CanStore() {
		a.chunks = chunk.NewServer(chunk.ServerConfig{
			Addr:        net.JoinHostPort(a.cfg.IP, strconv.Itoa(a.cfg.TCPPort)),
			Store:       a.store,
			ReadTimeout: a.cfg.ReadTimeout.Std(),
			Logger:      a.logger,
			OnReceived:  a.chunkReceived,
			OnServed: func(string, int, int) {
				a.metrics.ChunksServed.Inc()
			},
		})
		if err := a.chunks.Start(); err != nil {
			a.cancel()
			return err
		}
		a.tcpPort = a.chunks.Addr().(*net.TCPAddr).Port
	}

	ch, err := channel.Listen(net.JoinHostPort(a.cfg.IP, strconv.Itoa(a.cfg.UDPPort)), channel.Config{
		Timeout: a.cfg.RequestTimeout.Std(),
		Logger:  a.logger,
	})
	if err != nil {
		a.stopChunkServer()
		a.cancel()
		return err
	}
	a.ch = ch
	a.udpPort = ch.LocalAddr().(*net.UDPAddr).Port
	ch.SetUnsolicitedHandler(a.handlePush)

	if a.cfg.MetricsListen != "" {
		a.admin = admin.New(admin.Config{
			Addr:    a.cfg.MetricsListen,
			Status:  func() any { return a.Status() },
			Tracing: a.cfg.EnableTracing,
			Logger:  a.logger,
		})
		if err := a.admin.Start(); err != nil {
			_ = ch.Close()
			a.stopChunkServer()
			a.cancel()
			return err
		}
	}

	collector := metrics.NewCollector(a.metrics, metrics.CollectorConfig{
		Store:       a.store,
		Directory:   a.directory,
		RTTProvider: a,
	})
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		collector.Run(a.ctx, a.cfg.HeartbeatInterval.Std())
	}()

	a.logger.Info().
		Str("role", string(a.role)).
		Int("udp_port", a.udpPort).
		Int("tcp_port", a.tcpPort).
		Str("server", server.String()).
		Int("chunks", a.store.Count()).
		Msg("peer agent started")
	return nil
}

// Status is the body of the admin /health endpoint.
type Status struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Registered  bool   `json:"registered"`
	Chunks      int    `json:"chunks"`
	KnownPeers  int    `json:"known_peers"`
	Assignments int    `json:"assignments"`
	LastRTTMs   int64  `json:"last_rtt_ms"`
}

// Status reports the agent's current state.
func (a *Agent) Status() Status {
	a.assignMu.Lock()
	assigned := len(a.assignments)
	a.assignMu.Unlock()
	return Status{
		Name:        a.cfg.Name,
		Role:        string(a.role),
		Registered:  a.Registered(),
		Chunks:      a.store.Count(),
		KnownPeers:  a.directory.Len(),
		Assignments: assigned,
		LastRTTMs:   a.GetLastRTT().Milliseconds(),
	}
}

// Stop closes every socket and waits for background goroutines.
func (a *Agent) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.admin != nil {
		_ = a.admin.Stop()
	}
	var err error
	if a.ch != nil {
		err = a.ch.Close()
	}
	a.stopChunkServer()
	a.wg.Wait()
	return err
}

func (a *Agent) stopChunkServer() {
	if a.chunks != nil {
		if err := a.chunks.Stop(); err != nil {
			a.logger.Debug().Err(err).Msg("chunk server stop")
		}
	}
}

// Name returns the agent's registered name.
func (a *Agent) Name() string { return a.cfg.Name }

// Role returns the agent's role.
func (a *Agent) Role() registry.Role { return a.role }

// Store returns the local chunk store.
func (a *Agent) Store() *chunk.DiskStore { return a.store }

// Directory returns the storage peers announced by the coordinator.
func (a *Agent) Directory() *Directory { return a.directory }

// AdminAddr returns the bound admin HTTP address, or nil when disabled.
func (a *Agent) AdminAddr() net.Addr {
	if a.admin == nil {
		return nil
	}
	return a.admin.Addr()
}

// ControlAddr returns the bound control socket address.
func (a *Agent) ControlAddr() net.Addr {
	if a.ch == nil {
		return nil
	}
	return a.ch.LocalAddr()
}

// DataAddr returns the data-plane address advertised to the coordinator.
func (a *Agent) DataAddr() protocol.PeerAddr {
	return protocol.PeerAddr{Name: a.cfg.Name, Host: a.cfg.IP, Port: a.tcpPort}
}

// Registered reports whether the coordinator currently recognises this agent.
func (a *Agent) Registered() bool { return a.registered.Load() }

// GetLastRTT returns the round-trip time of the last successful heartbeat.
func (a *Agent) GetLastRTT() time.Duration {
	return time.Duration(a.lastRTT.Load())
}

// Assignments returns the files this peer was asked to hold, sorted by name.
func (a *Agent) Assignments() []Assignment {
	a.assignMu.Lock()
	defer a.assignMu.Unlock()
	out := make([]Assignment, 0, len(a.assignments))
	for _, as := range a.assignments {
		c := *as
		c.Chunks = append([]int(nil), as.Chunks...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out
}

// Register announces this agent to the coordinator.
func (a *Agent) Register(ctx context.Context) error {
	reply, err := a.request(ctx, protocol.VerbRegister,
		a.cfg.Name,
		string(a.role),
		a.cfg.IP,
		strconv.Itoa(a.udpPort),
		strconv.Itoa(a.tcpPort),
		strconv.FormatInt(a.cfg.Capacity.Bytes(), 10),
	)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := expect(reply, protocol.VerbRegistered); err != nil {
		return fmt.Errorf("register %s: %w", a.cfg.Name, err)
	}
	a.registered.Store(true)
	a.logger.Info().Msg("registered with coordinator")
	return nil
}

// Deregister removes this agent from the coordinator.
func (a *Agent) Deregister(ctx context.Context) error {
	reply, err := a.request(ctx, protocol.VerbDeregister, a.cfg.Name)
	if err != nil {
		return fmt.Errorf("deregister: %w", err)
	}
	if err := expect(reply, protocol.VerbDeregistered); err != nil {
		return fmt.Errorf("deregister %s: %w", a.cfg.Name, err)
	}
	a.registered.Store(false)
	a.logger.Info().Msg("deregistered from coordinator")
	return nil
}

// request sends one control message to the coordinator and waits for its reply.
func (a *Agent) request(ctx context.Context, verb string, args ...string) (*protocol.Message, error) {
	if a.ch == nil {
		return nil, ErrNotStarted
	}
	return a.ch.Send(ctx, a.server, verb, args...)
}

// expect accepts reply if its verb is one of ok. ERROR and denial verbs become
// a DeniedError; anything else is a protocol error.
func expect(reply *protocol.Message, ok ...string) error {
	for _, v := range ok {
		if reply.Verb == v {
			return nil
		}
	}
	switch reply.Verb {
	case protocol.VerbError:
		return &DeniedError{Verb: reply.Verb, Reason: reply.Tail(0)}
	case protocol.VerbBackupDenied, protocol.VerbRestoreDenied, protocol.VerbReplicateFail:
		return &DeniedError{Verb: reply.Verb, Reason: reply.Arg(len(reply.Args) - 1)}
	}
	return fmt.Errorf("%w: unexpected reply %s", protocol.ErrProtocol, reply.Verb)
}

func (a *Agent) fromCoordinator(from net.Addr) bool {
	u, ok := from.(*net.UDPAddr)
	if !ok || u.Port != a.server.Port {
		return false
	}
	return a.server.IP == nil || a.server.IP.IsUnspecified() || a.server.IP.Equal(u.IP)
}

// handlePush processes server-initiated messages and stray replies.
func (a *Agent) handlePush(msg *protocol.Message, from net.Addr) {
	if !a.fromCoordinator(from) {
		a.logger.Warn().Str("verb", msg.Verb).Str("addr", from.String()).Msg("ignoring message from unknown sender")
		return
	}

	switch msg.Verb {
	case protocol.VerbStorageTask:
		a.handleStorageTask(msg)
	case protocol.VerbStoreReq:
		a.handleStoreReq(msg)
	case protocol.VerbPeerInfo:
		a.handlePeerInfo(msg)
	case protocol.VerbPeerRemoved:
		if msg.Expect(1) == nil && a.directory.Remove(msg.Arg(0)) {
			a.logger.Info().Str("removed", msg.Arg(0)).Msg("storage peer removed")
			a.metrics.KnownPeers.Set(float64(a.directory.Len()))
		}
	case protocol.VerbReplicateReq:
		a.handleReplicateReq(msg)
	default:
		a.logger.Debug().Str("verb", msg.Verb).Uint64("request_id", msg.ID).Msg("unmatched message from coordinator")
	}
}

// STORAGE_TASK fileName chunkSize owner
func (a *Agent) handleStorageTask(msg *protocol.Message) {
	if err := msg.Expect(3); err != nil {
		a.logger.Warn().Err(err).Msg("bad STORAGE_TASK")
		return
	}
	chunkSize, err := msg.IntArg(1)
	if err != nil {
		a.logger.Warn().Err(err).Msg("bad STORAGE_TASK")
		return
	}

	a.assignMu.Lock()
	as := a.assignment(msg.Arg(0))
	as.ChunkSize = chunkSize
	as.Owner = msg.Arg(2)
	a.assignMu.Unlock()

	a.metrics.StorageTasks.Inc()
	a.logger.Info().Str("file", msg.Arg(0)).Str("owner", msg.Arg(2)).Int("chunk_size", chunkSize).Msg("storage task assigned")
}

// STORE_REQ fileName chunkId owner
func (a *Agent) handleStoreReq(msg *protocol.Message) {
	if err := msg.Expect(3); err != nil {
		a.logger.Warn().Err(err).Msg("bad STORE_REQ")
		return
	}
	chunkID, err := msg.IntArg(1)
	if err != nil {
		a.logger.Warn().Err(err).Msg("bad STORE_REQ")
		return
	}

	a.assignMu.Lock()
	as := a.assignment(msg.Arg(0))
	as.Owner = msg.Arg(2)
	i := sort.SearchInts(as.Chunks, chunkID)
	if i == len(as.Chunks) || as.Chunks[i] != chunkID {
		as.Chunks = append(as.Chunks, 0)
		copy(as.Chunks[i+1:], as.Chunks[i:])
		as.Chunks[i] = chunkID
	}
	a.assignMu.Unlock()

	a.logger.Debug().Str("file", msg.Arg(0)).Int("chunk", chunkID).Str("owner", msg.Arg(2)).Msg("expecting chunk")
}

// assignment returns the entry for fileName, creating it. Callers hold assignMu.
func (a *Agent) assignment(fileName string) *Assignment {
	as, ok := a.assignments[fileName]
	if !ok {
		as = &Assignment{FileName: fileName}
		a.assignments[fileName] = as
	}
	return as
}

// PEER_INFO name ip tcpPort
func (a *Agent) handlePeerInfo(msg *protocol.Message) {
	if err := msg.Expect(3); err != nil {
		a.logger.Warn().Err(err).Msg("bad PEER_INFO")
		return
	}
	port, err := msg.IntArg(2)
	if err != nil {
		a.logger.Warn().Err(err).Msg("bad PEER_INFO")
		return
	}
	p := protocol.PeerAddr{Name: msg.Arg(0), Host: msg.Arg(1), Port: port}
	a.directory.Put(p)
	a.metrics.KnownPeers.Set(float64(a.directory.Len()))
	a.logger.Debug().Str("storage_peer", p.String()).Msg("storage peer announced")
}

func (a *Agent) chunkReceived(fileName string, chunkID, size int, kind chunk.Kind) {
	a.metrics.ChunksReceived.WithLabelValues(kind.String()).Inc()
	a.metrics.BytesReceived.Add(float64(size))
	a.metrics.ChunksStored.Set(float64(a.store.Count()))

	a.assignMu.Lock()
	as, ok := a.assignments[fileName]
	expected := ok && containsInt(as.Chunks, chunkID)
	a.assignMu.Unlock()

	a.logger.Info().
		Str("file", fileName).
		Int("chunk", chunkID).
		Int("size", size).
		Str("kind", kind.String()).
		Bool("announced", expected).
		Msg("chunk stored")
}

func containsInt(sorted []int, v int) bool {
	i := sort.SearchInts(sorted, v)
	return i < len(sorted) && sorted[i] == v
}
