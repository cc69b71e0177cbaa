package coord

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tunnelmesh/p2pbackup/internal/protocol"
	"github.com/tunnelmesh/p2pbackup/internal/tracing"
)

// PeerStatus is the admin view of a registered peer.
type PeerStatus struct {
	Name          string    `json:"name"`
	Role          string    `json:"role"`
	Address       string    `json:"address"`
	DataAddress   string    `json:"data_address"`
	Capacity      int64     `json:"capacity"`
	ChunksStored  int       `json:"chunks_stored"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	Recovering    bool      `json:"recovering"`
}

// PlanStatus is the admin view of a backup plan.
type PlanStatus struct {
	ID          string         `json:"id"`
	Owner       string         `json:"owner"`
	FileName    string         `json:"file_name"`
	FileSize    int64          `json:"file_size"`
	Checksum    string         `json:"checksum"`
	ChunkSize   int            `json:"chunk_size"`
	TotalChunks int            `json:"total_chunks"`
	Placement   map[int]string `json:"placement"`
	Done        bool           `json:"done"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("/api/v1/peers", s.handlePeers)
	s.mux.HandleFunc("/api/v1/plans", s.handlePlans)
	s.mux.HandleFunc("/ws/events", s.events.handleEvents)
	if s.cfg.Admin.Tracing {
		s.mux.Handle("/debug/trace", tracing.Handler())
	}
}

// ServeHTTP exposes the admin routes, mainly for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) startAdmin() error {
	if s.cfg.Admin.Tracing {
		if err := tracing.Enable(0, 0); err != nil {
			return err
		}
	}
	l, err := net.Listen("tcp", s.cfg.Admin.Listen)
	if err != nil {
		return fmt.Errorf("listen admin %s: %w", s.cfg.Admin.Listen, err)
	}
	s.admin = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.admin.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("admin server failed")
		}
	}()
	s.logger.Info().Str("addr", l.Addr().String()).Msg("admin server listening")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"peers":       s.registry.Len(),
		"plans":       s.plans.Len(),
		"subscribers": s.events.clientCount(),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	peers := s.registry.List()
	resp := make([]PeerStatus, 0, len(peers))
	for _, p := range peers {
		resp = append(resp, PeerStatus{
			Name:          p.Name,
			Role:          string(p.Role),
			Address:       p.ControlAddr().String(),
			DataAddress:   p.DataAddr().Endpoint(),
			Capacity:      p.Capacity,
			ChunksStored:  p.ChunksStored,
			RegisteredAt:  p.RegisteredAt,
			LastHeartbeat: p.LastHeartbeat,
			Recovering:    s.detector.IsRecovering(p.Name),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	owner := r.URL.Query().Get("owner")
	plans := s.plans.List()
	resp := make([]PlanStatus, 0, len(plans))
	for _, p := range plans {
		if owner != "" && p.Owner != owner {
			continue
		}
		resp = append(resp, PlanStatus{
			ID:          p.ID,
			Owner:       p.Owner,
			FileName:    p.FileName,
			FileSize:    p.FileSize,
			Checksum:    protocol.FormatChecksum(p.Checksum),
			ChunkSize:   p.ChunkSize,
			TotalChunks: p.TotalChunks,
			Placement:   p.Placement,
			Done:        p.Done,
			CreatedAt:   p.CreatedAt,
		})
	}
	sort.SliceStable(resp, func(i, j int) bool { return resp[i].CreatedAt.Before(resp[j].CreatedAt) })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
