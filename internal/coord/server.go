package coord

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/p2pbackup/internal/channel"
	"github.com/tunnelmesh/p2pbackup/internal/chunk"
	"github.com/tunnelmesh/p2pbackup/internal/config"
	"github.com/tunnelmesh/p2pbackup/internal/logging/audit"
	"github.com/tunnelmesh/p2pbackup/internal/protocol"
	"github.com/tunnelmesh/p2pbackup/internal/registry"
	"golang.org/x/time/rate"
)

// RegistryFile is the registry persistence file inside the data directory.
const RegistryFile = "registry.yaml"

// Server is the coordinator: it answers control-plane requests over UDP and
// runs the failure detector.
type Server struct {
	cfg      *config.ServerConfig
	logger   zerolog.Logger
	registry *registry.Registry
	plans    *PlanStore
	planner  *Planner
	detector *Detector
	metrics  *CoordMetrics
	events   *eventHub
	limiter  *rate.Limiter
	audit    *audit.Logger

	ch       *channel.Channel
	mux      *http.ServeMux
	admin    *http.Server
	gatherer prometheus.Gatherer
}

// Option customizes a Server.
type Option func(*Server)

// WithProbe replaces the detector's reachability probe.
func WithProbe(probe ProbeFunc) Option {
	return func(s *Server) { s.detector.cfg.Probe = probe }
}

// WithClock replaces the detector's clock.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.detector.cfg.Now = now
		s.planner.now = now
	}
}

// WithAuditLogger replaces the audit logger.
func WithAuditLogger(l *audit.Logger) Option {
	return func(s *Server) { s.audit = l }
}

// NewServer builds a coordinator from cfg. The registry is persisted under
// cfg.DataDir, or kept in memory when DataDir is empty.
func NewServer(cfg *config.ServerConfig, logger zerolog.Logger, opts ...Option) (*Server, error) {
	var store registry.Store = registry.NewMemoryStore()
	if cfg.DataDir != "" {
		store = registry.NewYAMLStore(filepath.Join(cfg.DataDir, RegistryFile))
	}

	reg, err := registry.New(registry.Config{MaxPeers: cfg.MaxPeers, Store: store, Logger: logger})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "coordinator").Logger(),
		registry: reg,
		plans:    NewPlanStore(),
		metrics:  InitCoordMetrics(nil),
		events:   newEventHub(logger),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		audit:    audit.NewLogger(logger),
		mux:      http.NewServeMux(),
		gatherer: prometheus.DefaultGatherer,
	}
	s.planner = NewPlanner(PlannerConfig{
		Registry: reg,
		Plans:    s.plans,
		Metrics:  s.metrics,
		Logger:   logger,
		events:   s.events,
	})
	s.detector = NewDetector(DetectorConfig{
		Registry:           reg,
		Plans:              s.plans,
		Planner:            s.planner,
		Interval:           cfg.SweepInterval.Std(),
		FailureTimeout:     cfg.FailureTimeout.Std(),
		Cooldown:           cfg.RecoveryCooldown.Std(),
		ProbeTimeout:       cfg.ProbeTimeout.Std(),
		ReplicationTimeout: cfg.ReplicationTimeout.Std(),
		Metrics:            s.metrics,
		Logger:             logger,
		OnRemoved:          s.removeFailed,
		events:             s.events,
	})
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.RegisteredPeers.Set(float64(reg.Len()))
	s.setupRoutes()
	return s, nil
}

// Start binds the control socket, starts the detector and, if enabled, the admin HTTP server.
func (s *Server) Start() error {
	ch, err := channel.Listen(s.cfg.Listen, channel.Config{
		Timeout: s.cfg.RequestTimeout.Std(),
		Logger:  s.logger,
	})
	if err != nil {
		return err
	}
	s.ch = ch
	s.planner.notifier = ch
	ch.SetUnsolicitedHandler(s.handle)

	s.detector.Start()

	if s.cfg.Admin.Enabled {
		if err := s.startAdmin(); err != nil {
			s.detector.Stop()
			_ = ch.Close()
			return err
		}
	}

	s.logger.Info().
		Str("listen", ch.LocalAddr().String()).
		Int("peers", s.registry.Len()).
		Msg("coordinator started")
	return nil
}

// Stop shuts everything down.
func (s *Server) Stop() error {
	s.detector.Stop()
	s.events.close()
	if s.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.admin.Shutdown(ctx)
		cancel()
	}
	if s.ch != nil {
		return s.ch.Close()
	}
	return nil
}

// Addr returns the bound control address.
func (s *Server) Addr() net.Addr {
	if s.ch == nil {
		return nil
	}
	return s.ch.LocalAddr()
}

// Registry exposes the peer registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Plans exposes the plan store.
func (s *Server) Plans() *PlanStore { return s.plans }

// Detector exposes the failure detector.
func (s *Server) Detector() *Detector { return s.detector }

// Planner exposes the planner.
func (s *Server) Planner() *Planner { return s.planner }

// handle processes one inbound datagram. It runs on its own goroutine.
func (s *Server) handle(msg *protocol.Message, from net.Addr) {
	if !s.limiter.Allow() {
		s.metrics.RateLimited.Inc()
		return
	}

	var result string
	switch msg.Verb {
	case protocol.VerbRegister:
		result = s.handleRegister(msg, from)
	case protocol.VerbDeregister:
		result = s.handleDeregister(msg, from)
	case protocol.VerbBackupReq:
		result = s.handleBackupReq(msg, from)
	case protocol.VerbBackupDone:
		result = s.handleBackupDone(msg, from)
	case protocol.VerbRestoreReq:
		result = s.handleRestoreReq(msg, from)
	case protocol.VerbRestoreOK, protocol.VerbRestoreFail:
		result = s.handleRestoreResult(msg, from)
	case protocol.VerbHeartbeat:
		result = s.handleHeartbeat(msg, from)
	case protocol.VerbReplicateReq:
		result = s.handleReplicateReq(msg, from)
	case protocol.VerbReplicateDone:
		result = s.handleReplicateDone(msg, from)
	default:
		s.logger.Debug().Str("verb", msg.Verb).Str("addr", from.String()).Msg("unknown command")
		s.reply(from, protocol.VerbError, msg.ID, protocol.ReasonUnknownCommand)
		result = protocol.ReasonUnknownCommand
	}
	s.metrics.Requests.WithLabelValues(msg.Verb, result).Inc()
}

func (s *Server) reply(to net.Addr, verb string, id uint64, args ...string) {
	if err := s.ch.Reply(to, protocol.NewMessage(verb, id, args...)); err != nil && !errors.Is(err, channel.ErrClosed) {
		s.logger.Warn().Err(err).Str("verb", verb).Str("addr", to.String()).Msg("failed to send reply")
	}
}

// sender resolves the registered peer a datagram came from.
func (s *Server) sender(from net.Addr) (registry.PeerRecord, bool) {
	host, port := splitAddr(from)
	return s.registry.LookupByEndpoint(host, port)
}

func splitAddr(a net.Addr) (string, int) {
	if u, ok := a.(*net.UDPAddr); ok {
		return u.IP.String(), u.Port
	}
	host, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return "", 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// REGISTER name role ip udpPort tcpPort capacity
func (s *Server) handleRegister(msg *protocol.Message, from net.Addr) string {
	if err := msg.Expect(6); err != nil {
		s.reply(from, protocol.VerbError, msg.ID, protocol.ReasonMalformed)
		return protocol.ReasonMalformed
	}
	udpPort, err1 := msg.IntArg(3)
	tcpPort, err2 := msg.IntArg(4)
	capacity, err3 := msg.Int64Arg(5)
	if err := errors.Join(err1, err2, err3); err != nil || capacity < 0 {
		s.reply(from, protocol.VerbError, msg.ID, protocol.ReasonMalformed)
		return protocol.ReasonMalformed
	}

	rec := registry.PeerRecord{
		Name:     msg.Arg(0),
		Role:     registry.Role(msg.Arg(1)),
		Host:     msg.Arg(2),
		UDPPort:  udpPort,
		TCPPort:  tcpPort,
		Capacity: capacity,
	}
	if err := s.registry.Register(rec); err != nil {
		reason := protocol.ReasonFor(err)
		s.logger.Warn().Err(err).Str("peer", rec.Name).Msg("registration rejected")
		s.audit.LogRegistration(rec.Name, string(rec.Role), from.String(), audit.ResultDenied, reason)
		s.reply(from, protocol.VerbError, msg.ID, reason)
		return reason
	}
	rec, _ = s.registry.LookupByName(rec.Name)

	s.logger.Info().
		Str("peer", rec.Name).
		Str("role", string(rec.Role)).
		Str("addr", rec.ControlAddr().String()).
		Int("tcp_port", rec.TCPPort).
		Int64("capacity", rec.Capacity).
		Msg("peer registered")
	s.audit.LogRegistration(rec.Name, string(rec.Role), rec.ControlAddr().String(), audit.ResultAllowed, "")
	s.reply(from, protocol.VerbRegistered, msg.ID, rec.Name)

	s.metrics.RegisteredPeers.Set(float64(s.registry.Len()))
	s.events.publish(Event{Type: EventPeerRegistered, Peer: rec.Name,
		Fields: map[string]string{"role": string(rec.Role), "addr": rec.ControlAddr().String()}})
	s.announcePeer(rec)
	return protocol.StatusOK
}

// announcePeer tells everyone about a new storage peer and tells the new peer
// about every existing storage peer.
func (s *Server) announcePeer(rec registry.PeerRecord) {
	for _, other := range s.registry.List() {
		if other.Name == rec.Name {
			continue
		}
		if rec.Role.CanStore() {
			s.notify(other, protocol.VerbPeerInfo, rec.Name, rec.Host, strconv.Itoa(rec.TCPPort))
		}
		if other.Role.CanStore() {
			s.notify(rec, protocol.VerbPeerInfo, other.Name, other.Host, strconv.Itoa(other.TCPPort))
		}
	}
}

// removeFailed runs after the detector has dropped rec.
func (s *Server) removeFailed(rec registry.PeerRecord) {
	s.audit.LogPeerRemoved(rec.Name, audit.CauseFailure)
	s.announceRemoval(rec)
}

// announceRemoval tells the remaining peers that rec is gone.
func (s *Server) announceRemoval(rec registry.PeerRecord) {
	s.metrics.RegisteredPeers.Set(float64(s.registry.Len()))
	s.metrics.PeerChunks.DeleteLabelValues(rec.Name)
	for _, other := range s.registry.List() {
		s.notify(other, protocol.VerbPeerRemoved, rec.Name)
	}
}

func (s *Server) notify(to registry.PeerRecord, verb string, args ...string) {
	if s.ch == nil {
		return
	}
	if err := s.ch.Notify(to.ControlAddr(), verb, args...); err != nil {
		s.logger.Debug().Err(err).Str("peer", to.Name).Str("verb", verb).Msg("push failed")
	}
}

// DE-REGISTER name
func (s *Server) handleDeregister(msg *protocol.Message, from net.Addr) string {
	if err := msg.Expect(1); err != nil {
		s.reply(from, protocol.VerbError, msg.ID, protocol.ReasonMalformed)
		return protocol.ReasonMalformed
	}
	rec, err := s.registry.Deregister(msg.Arg(0))
	if err != nil {
		reason := protocol.ReasonFor(err)
		s.reply(from, protocol.VerbError, msg.ID, reason)
		return reason
	}

	s.logger.Info().Str("peer", rec.Name).Msg("peer deregistered")
	s.audit.LogPeerRemoved(rec.Name, audit.CauseRequested)
	s.reply(from, protocol.VerbDeregistered, msg.ID)
	s.events.publish(Event{Type: EventPeerDeregistered, Peer: rec.Name})
	s.announceRemoval(rec)
	return protocol.StatusOK
}

// BACKUP_REQ fileName fileSize checksumHex chunkSize
func (s *Server) handleBackupReq(msg *protocol.Message, from net.Addr) string {
	var ownerName string
	deny := func(reason string) string {
		s.audit.LogBackupPlan(ownerName, msg.Arg(0), 0, audit.ResultDenied, reason)
		s.metrics.BackupsDenied.WithLabelValues(reason).Inc()
		s.reply(from, protocol.VerbBackupDenied, msg.ID, msg.Arg(0), reason)
		return reason
	}

	if err := msg.Expect(4); err != nil {
		return deny(protocol.ReasonMalformed)
	}
	size, err1 := msg.Int64Arg(1)
	sum, err2 := protocol.ParseChecksum(msg.Arg(2))
	chunkSize, err3 := msg.IntArg(3)
	if errors.Join(err1, err2, err3) != nil || size < 0 || chunk.ValidateFileName(msg.Arg(0)) != nil {
		return deny(protocol.ReasonMalformed)
	}

	owner, ok := s.sender(from)
	if !ok {
		s.logger.Warn().Str("addr", from.String()).Str("file", msg.Arg(0)).Msg("backup from unregistered endpoint")
		return deny(protocol.ReasonOwnerNotRegistered)
	}
	ownerName = owner.Name

	plan, peers, err := s.planner.PlanBackup(owner, BackupRequest{
		FileName:  msg.Arg(0),
		FileSize:  size,
		Checksum:  sum,
		ChunkSize: chunkSize,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("owner", owner.Name).Str("file", msg.Arg(0)).Msg("backup denied")
		return deny(protocol.ReasonFor(err))
	}

	s.audit.LogBackupPlan(owner.Name, plan.FileName, plan.TotalChunks, audit.ResultAllowed, "")
	s.reply(from, protocol.VerbBackupPlan, msg.ID, plan.FileName, protocol.FormatPeerList(peers), strconv.Itoa(plan.ChunkSize))
	return protocol.StatusOK
}

// BACKUP_DONE fileName
func (s *Server) handleBackupDone(msg *protocol.Message, from net.Addr) string {
	if err := msg.Expect(1); err != nil {
		s.reply(from, protocol.VerbError, msg.ID, protocol.ReasonMalformed)
		return protocol.ReasonMalformed
	}
	owner, ok := s.sender(from)
	if !ok {
		s.reply(from, protocol.VerbError, msg.ID, protocol.ReasonOwnerNotRegistered)
		return protocol.ReasonOwnerNotRegistered
	}
	if err := s.planner.CompleteBackup(owner, msg.Arg(0)); err != nil {
		reason := protocol.ReasonFor(err)
		s.reply(from, protocol.VerbError, msg.ID, reason)
		return reason
	}
	s.reply(from, protocol.VerbBackupDone, msg.ID, msg.Arg(0))
	return protocol.StatusOK
}

// RESTORE_REQ fileName
func (s *Server) handleRestoreReq(msg *protocol.Message, from net.Addr) string {
	var ownerName string
	deny := func(reason string) string {
		s.audit.LogRestore(ownerName, msg.Arg(0), audit.ResultDenied, reason)
		s.reply(from, protocol.VerbRestoreDenied, msg.ID, msg.Arg(0), reason)
		return reason
	}
	if err := msg.Expect(1); err != nil {
		return deny(protocol.ReasonMalformed)
	}
	owner, ok := s.sender(from)
	if !ok {
		return deny(protocol.ReasonOwnerNotRegistered)
	}
	ownerName = owner.Name

	plan, peers, err := s.planner.PlanRestore(owner, msg.Arg(0))
	if err != nil {
		return deny(protocol.ReasonFor(err))
	}

	s.logger.Info().
		Str("owner", owner.Name).
		Str("file", plan.FileName).
		Int("chunks", plan.TotalChunks).
		Int("peers", len(peers)).
		Msg("restore planned")
	s.audit.LogRestore(owner.Name, plan.FileName, audit.ResultAllowed, "")
	s.reply(from, protocol.VerbRestorePlan, msg.ID,
		plan.FileName,
		protocol.FormatPeerList(peers),
		strconv.Itoa(plan.ChunkSize),
		strconv.Itoa(plan.TotalChunks),
		protocol.FormatChecksum(plan.Checksum))
	return protocol.StatusOK
}

// RESTORE_OK fileName | RESTORE_FAIL fileName reason
func (s *Server) handleRestoreResult(msg *protocol.Message, from net.Addr) string {
	if err := msg.Expect(1); err != nil {
		s.reply(from, protocol.VerbError, msg.ID, protocol.ReasonMalformed)
		return protocol.ReasonMalformed
	}
	owner, _ := s.sender(from)
	fileName := msg.Arg(0)

	if msg.Verb == protocol.VerbRestoreOK {
		s.logger.Info().Str("owner", owner.Name).Str("file", fileName).Msg("restore succeeded")
		s.metrics.RestoresReported.WithLabelValues("ok").Inc()
		s.events.publish(Event{Type: EventRestoreReported, Peer: owner.Name, File: fileName,
			Fields: map[string]string{"result": "ok"}})
		s.audit.LogRestore(owner.Name, fileName, audit.ResultOK, "")
		s.reply(from, protocol.VerbRestoreConfirmed, msg.ID, fileName)
		return protocol.StatusOK
	}

	reason := msg.Tail(1)
	s.logger.Warn().Str("owner", owner.Name).Str("file", fileName).Str("reason", reason).Msg("restore failed")
	s.metrics.RestoresReported.WithLabelValues("failed").Inc()
	s.events.publish(Event{Type: EventRestoreReported, Peer: owner.Name, File: fileName,
		Fields: map[string]string{"result": "failed", "reason": reason}})
	s.audit.LogRestore(owner.Name, fileName, audit.ResultFailed, reason)
	s.reply(from, protocol.VerbRestoreFailed, msg.ID, fileName)
	return protocol.StatusOK
}

// HEARTBEAT name chunkCount timestamp
func (s *Server) handleHeartbeat(msg *protocol.Message, from net.Addr) string {
	if err := msg.Expect(2); err != nil {
		s.reply(from, protocol.VerbError, msg.ID, protocol.ReasonMalformed)
		return protocol.ReasonMalformed
	}
	name := msg.Arg(0)
	chunks, err := msg.IntArg(1)
	if err != nil {
		s.reply(from, protocol.VerbError, msg.ID, protocol.ReasonMalformed)
		return protocol.ReasonMalformed
	}

	s.metrics.TotalHeartbeats.Inc()
	if err := s.registry.RecordHeartbeat(name, chunks, s.detector.cfg.Now()); err != nil {
		s.logger.Debug().Str("peer", name).Msg("heartbeat from unknown peer")
		s.reply(from, protocol.VerbHeartbeat, msg.ID, name, protocol.StatusError, protocol.ClientNotFound)
		return protocol.ReasonNotRegistered
	}
	s.metrics.PeerChunks.WithLabelValues(name).Set(float64(chunks))
	s.reply(from, protocol.VerbHeartbeat, msg.ID, name, protocol.StatusOK)
	return protocol.StatusOK
}

// REPLICATE_REQ fileName chunkId targetPeer
func (s *Server) handleReplicateReq(msg *protocol.Message, from net.Addr) string {
	fail := func(reason string) string {
		s.reply(from, protocol.VerbReplicateFail, msg.ID, msg.Arg(0), msg.Arg(1), reason)
		return reason
	}
	if err := msg.Expect(3); err != nil {
		return fail(protocol.ReasonMalformed)
	}
	chunkID, err := msg.IntArg(1)
	if err != nil {
		return fail(protocol.ReasonMalformed)
	}

	requester, _ := s.sender(from)
	if err := s.planner.RequestReplication(requester.Name, msg.Arg(0), chunkID, msg.Arg(2)); err != nil {
		s.logger.Warn().Err(err).Str("file", msg.Arg(0)).Int("chunk", chunkID).Msg("replication rejected")
		reason := protocol.ReasonFor(err)
		s.audit.LogReplication(requester.Name, msg.Arg(0), chunkID, msg.Arg(2), audit.ResultDenied, reason)
		return fail(reason)
	}
	s.audit.LogReplication(requester.Name, msg.Arg(0), chunkID, msg.Arg(2), audit.ResultAllowed, "")
	s.reply(from, protocol.VerbReplicateAck, msg.ID, msg.Arg(0), msg.Arg(1), msg.Arg(2))
	return protocol.StatusOK
}

// REPLICATE_DONE fileName chunkId targetPeer
func (s *Server) handleReplicateDone(msg *protocol.Message, from net.Addr) string {
	if err := msg.Expect(3); err != nil {
		s.reply(from, protocol.VerbError, msg.ID, protocol.ReasonMalformed)
		return protocol.ReasonMalformed
	}
	chunkID, err := msg.IntArg(1)
	if err != nil {
		s.reply(from, protocol.VerbError, msg.ID, protocol.ReasonMalformed)
		return protocol.ReasonMalformed
	}
	if err := s.planner.CompleteReplication(msg.Arg(0), chunkID, msg.Arg(2)); err != nil {
		s.logger.Warn().Err(err).Str("file", msg.Arg(0)).Int("chunk", chunkID).Msg("unexpected REPLICATE_DONE")
	}
	s.reply(from, protocol.VerbReplicateDone, msg.ID, protocol.StatusOK)
	return protocol.StatusOK
}
