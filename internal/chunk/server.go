package chunk

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/p2pbackup/internal/protocol"
)

// Kind distinguishes how a chunk arrived.
type Kind int

const (
	// KindStore is a fresh chunk pushed by its owner.
	KindStore Kind = iota
	// KindReplicate is a copy pushed by another storage peer.
	KindReplicate
)

func (k Kind) String() string {
	if k == KindReplicate {
		return "replicate"
	}
	return "store"
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr        string        // Listen address, e.g. "0.0.0.0:6001"
	Store       Store         // Destination for received chunks
	ReadTimeout time.Duration // Deadline for one request on a connection (default: 15s)
	Logger      zerolog.Logger

	// OnReceived, if set, is called after a chunk has been verified and stored.
	OnReceived func(fileName string, chunkID int, size int, kind Kind)
	// OnServed, if set, is called after a chunk has been sent to a requester.
	OnServed func(fileName string, chunkID int, size int)
}

// Server accepts chunk transfer connections. Every connection carries exactly
// one request: a store, a fetch or a replicate.
type Server struct {
	cfg    ServerConfig
	logger zerolog.Logger

	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a chunk server. Call Start to begin accepting.
func NewServer(cfg ServerConfig) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "chunk-server").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds the listener and runs the accept loop in the background.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", s.cfg.Addr, err)
	}
	s.listener = l
	s.logger.Info().Str("addr", l.Addr().String()).Msg("chunk server listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight transfers to finish.
func (s *Server) Stop() error {
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.cfg.ReadTimeout))

	log := s.logger.With().Str("addr", conn.RemoteAddr().String()).Logger()
	r := bufio.NewReader(conn)

	fields, err := readHeader(r)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Warn().Err(err).Msg("bad chunk header")
		}
		return
	}

	switch fields[0] {
	case protocol.VerbGetChunk:
		s.serveFetch(conn, fields, log)
	case protocol.VerbReplicateChunk:
		s.serveReplicate(conn, r, fields, log)
	default:
		s.serveStore(conn, r, fields, log)
	}
}

func (s *Server) serveStore(w io.Writer, r *bufio.Reader, fields []string, log zerolog.Logger) {
	h, err := parseStoreHeader(fields)
	if err != nil {
		log.Warn().Err(err).Strs("header", fields).Msg("malformed store header")
		fileName, chunkField := fieldOr(fields, 1), fieldOr(fields, 2)
		writeLine(w, fmt.Sprintf("%s %s %s %s %s", protocol.VerbChunkError, fieldOr(fields, 0), fileName, chunkField, protocol.ReasonMalformedHeader))
		return
	}

	log = log.With().Str("file", h.FileName).Int("chunk", h.ChunkID).Logger()
	if reason := s.receive(r, h.FileName, h.ChunkID, h.Size, h.Checksum, KindStore); reason != "" {
		log.Warn().Str("reason", reason).Msg("rejected chunk")
		writeLine(w, fmt.Sprintf("%s %d %s %d %s", protocol.VerbChunkError, h.RequestID, h.FileName, h.ChunkID, reason))
		return
	}

	log.Debug().Int("size", h.Size).Msg("stored chunk")
	writeLine(w, fmt.Sprintf("%s %d", protocol.VerbChunkOK, h.ChunkID))
}

func (s *Server) serveReplicate(w io.Writer, r *bufio.Reader, fields []string, log zerolog.Logger) {
	h, err := parseReplicateHeader(fields)
	if err != nil {
		log.Warn().Err(err).Strs("header", fields).Msg("malformed replicate header")
		writeLine(w, fmt.Sprintf("%s 0 %s %s %s", protocol.VerbChunkError, fieldOr(fields, 1), fieldOr(fields, 2), protocol.ReasonMalformedHeader))
		return
	}

	log = log.With().Str("file", h.FileName).Int("chunk", h.ChunkID).Logger()
	if reason := s.receive(r, h.FileName, h.ChunkID, h.Size, h.Checksum, KindReplicate); reason != "" {
		log.Warn().Str("reason", reason).Msg("rejected replicated chunk")
		writeLine(w, fmt.Sprintf("%s 0 %s %d %s", protocol.VerbChunkError, h.FileName, h.ChunkID, reason))
		return
	}

	log.Info().Int("size", h.Size).Msg("stored replicated chunk")
	writeLine(w, fmt.Sprintf("%s %d", protocol.VerbReplicateOK, h.ChunkID))
}

// receive reads size bytes, verifies them and stores them. It returns a reason
// token on failure or "" on success.
func (s *Server) receive(r io.Reader, fileName string, chunkID, size int, sum uint32, kind Kind) string {
	if err := ValidateFileName(fileName); err != nil {
		return protocol.ReasonMalformedHeader
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return protocol.ReasonIncompleteData
	}
	if protocol.Checksum(data) != sum {
		return protocol.ReasonChecksumMismatch
	}
	if err := s.cfg.Store.Put(fileName, chunkID, data); err != nil {
		s.logger.Error().Err(err).Str("file", fileName).Int("chunk", chunkID).Msg("failed to store chunk")
		return protocol.ReasonStorageFailed
	}

	if s.cfg.OnReceived != nil {
		s.cfg.OnReceived(fileName, chunkID, size, kind)
	}
	return ""
}

func (s *Server) serveFetch(w io.Writer, fields []string, log zerolog.Logger) {
	h, err := parseGetChunkHeader(fields)
	if err != nil {
		log.Warn().Err(err).Strs("header", fields).Msg("malformed GET_CHUNK header")
		return
	}
	log = log.With().Str("file", h.FileName).Int("chunk", h.ChunkID).Logger()

	resp := ChunkDataHeader{RequestID: h.RequestID, FileName: h.FileName, ChunkID: h.ChunkID}
	data, err := s.cfg.Store.Get(h.FileName, h.ChunkID)
	if err != nil {
		log.Warn().Err(err).Msg("requested chunk unavailable")
		resp.Missing = true
		writeLine(w, resp.String())
		return
	}

	resp.Checksum = protocol.Checksum(data)
	if _, err := io.WriteString(w, resp.String()); err != nil {
		log.Warn().Err(err).Msg("failed to send CHUNK_DATA header")
		return
	}
	if _, err := w.Write(data); err != nil {
		log.Warn().Err(err).Msg("failed to send chunk bytes")
		return
	}

	log.Debug().Int("size", len(data)).Msg("served chunk")
	if s.cfg.OnServed != nil {
		s.cfg.OnServed(h.FileName, h.ChunkID, len(data))
	}
}

func writeLine(w io.Writer, line string) {
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line += "\n"
	}
	_, _ = io.WriteString(w, line)
}

func fieldOr(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return "-"
}
