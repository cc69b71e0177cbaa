// Package admin serves a peer agent's local HTTP interface: health, Prometheus
// metrics and, optionally, runtime trace snapshots.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/p2pbackup/internal/metrics"
	"github.com/tunnelmesh/p2pbackup/internal/tracing"
)

// StatusFunc returns the JSON body of /health.
type StatusFunc func() any

// Config configures the admin server.
type Config struct {
	Addr    string
	Status  StatusFunc
	Tracing bool // Start the flight recorder and expose /debug/trace
	Logger  zerolog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	cfg    Config
	mux    *http.ServeMux
	logger zerolog.Logger

	mu     sync.Mutex
	server *http.Server
	ln     net.Listener
	done   chan struct{}
}

// New builds a server. Routes are usable through Handler before Start.
func New(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		logger: cfg.Logger.With().Str("component", "admin").Logger(),
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	if cfg.Tracing {
		s.mux.Handle("/debug/trace", tracing.Handler())
	}
	return s
}

// Handler returns the admin routes.
func (s *Server) Handler() http.Handler { return s.mux }

// Start binds cfg.Addr and serves in the background.
func (s *Server) Start() error {
	if s.cfg.Tracing {
		if err := tracing.Enable(0, 0); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen admin %s: %w", s.cfg.Addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.done = make(chan struct{})
	srv, done := s.server, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("admin server failed")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Bool("tracing", s.cfg.Tracing).Msg("admin server listening")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop shuts the server down gracefully. Calling it more than once is safe.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(ctx)
	<-done
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body any = map[string]string{"status": "ok"}
	if s.cfg.Status != nil {
		body = s.cfg.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
