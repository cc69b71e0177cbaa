// Package registry holds the coordinator's authoritative directory of peers.
package registry

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/p2pbackup/internal/protocol"
)

// DefaultMaxPeers is the registry size limit when none is configured.
const DefaultMaxPeers = 1000

// Role is the part a peer plays in backups.
type Role string

// Valid roles.
const (
	RoleOwner   Role = "OWNER"
	RoleStorage Role = "STORAGE"
	RoleBoth    Role = "BOTH"
)

// ParseRole validates a role token, ignoring case.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(s)); r {
	case RoleOwner, RoleStorage, RoleBoth:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", protocol.ErrInvalidRole, s)
	}
}

// CanStore reports whether the role accepts chunks from other peers.
func (r Role) CanStore() bool {
	return r == RoleStorage || r == RoleBoth
}

// PeerRecord is one registered peer.
type PeerRecord struct {
	Name          string
	Role          Role
	Host          string
	UDPPort       int
	TCPPort       int
	Capacity      int64
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	ChunksStored  int
}

// ControlAddr is the peer's UDP control endpoint.
func (p PeerRecord) ControlAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(p.Host), Port: p.UDPPort}
}

// DataAddr is the peer's TCP chunk endpoint as advertised in plans.
func (p PeerRecord) DataAddr() protocol.PeerAddr {
	return protocol.PeerAddr{Name: p.Name, Host: p.Host, Port: p.TCPPort}
}

// IsStorageCandidate reports whether the peer can take new chunks.
func (p PeerRecord) IsStorageCandidate() bool {
	return p.Role.CanStore() && p.Capacity > 0
}

// Store persists registry contents. It is called with the full record set
// after every registration change.
type Store interface {
	LoadAll() ([]PeerRecord, error)
	SaveAll(records []PeerRecord) error
}

type endpoint struct {
	host string
	port int
}

// Config configures a Registry.
type Config struct {
	MaxPeers int   // Registry size limit (default: 1000)
	Store    Store // Optional persistence
	Logger   zerolog.Logger
}

// Registry is a concurrency-safe peer directory. Reads may proceed in parallel;
// mutations are exclusive and persisted before they return.
type Registry struct {
	maxPeers int
	store    Store
	logger   zerolog.Logger

	mu    sync.RWMutex
	peers map[string]*PeerRecord
	order []string
	byUDP map[endpoint]string
	byTCP map[endpoint]string
}

// New builds a registry and loads any persisted peers from cfg.Store.
func New(cfg Config) (*Registry, error) {
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}

	r := &Registry{
		maxPeers: cfg.MaxPeers,
		store:    cfg.Store,
		logger:   cfg.Logger.With().Str("component", "registry").Logger(),
		peers:    make(map[string]*PeerRecord),
		byUDP:    make(map[endpoint]string),
		byTCP:    make(map[endpoint]string),
	}

	if r.store == nil {
		return r, nil
	}
	records, err := r.store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	for i := range records {
		rec := records[i]
		if _, exists := r.peers[rec.Name]; exists {
			continue
		}
		r.insert(&rec)
	}
	r.logger.Info().Int("peers", len(r.peers)).Msg("registry loaded")
	return r, nil
}

// Register adds a peer. Errors: ErrInvalidRole, ErrCapacityExceeded,
// ErrDuplicateName, ErrAddressInUse.
func (r *Registry) Register(rec PeerRecord) error {
	role, err := ParseRole(string(rec.Role))
	if err != nil {
		return err
	}
	rec.Role = role
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.peers) >= r.maxPeers {
		return fmt.Errorf("%w: %d peers", protocol.ErrCapacityExceeded, r.maxPeers)
	}
	if _, exists := r.peers[rec.Name]; exists {
		return fmt.Errorf("%w: %s", protocol.ErrDuplicateName, rec.Name)
	}
	if owner, taken := r.byUDP[endpoint{rec.Host, rec.UDPPort}]; taken {
		return fmt.Errorf("%w: %s:%d held by %s", protocol.ErrAddressInUse, rec.Host, rec.UDPPort, owner)
	}
	if owner, taken := r.byTCP[endpoint{rec.Host, rec.TCPPort}]; taken && rec.TCPPort != 0 {
		return fmt.Errorf("%w: %s:%d held by %s", protocol.ErrAddressInUse, rec.Host, rec.TCPPort, owner)
	}

	r.insert(&rec)
	r.persistLocked()
	return nil
}

// Deregister removes a peer and returns its final record.
func (r *Registry) Deregister(name string) (PeerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.peers[name]
	if !ok {
		return PeerRecord{}, fmt.Errorf("%w: %s", protocol.ErrNotRegistered, name)
	}

	delete(r.peers, name)
	delete(r.byUDP, endpoint{rec.Host, rec.UDPPort})
	delete(r.byTCP, endpoint{rec.Host, rec.TCPPort})
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.persistLocked()
	return *rec, nil
}

// LookupByName returns a copy of the named peer.
func (r *Registry) LookupByName(name string) (PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[name]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// LookupByEndpoint returns the peer registered with exactly this host and control port.
func (r *Registry) LookupByEndpoint(host string, controlPort int) (PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byUDP[endpoint{host, controlPort}]
	if !ok {
		return PeerRecord{}, false
	}
	return *r.peers[name], true
}

// List returns a snapshot of all peers in registration order.
func (r *Registry) List() []PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerRecord, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.peers[name])
	}
	return out
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// RecordHeartbeat updates a peer's liveness bookkeeping.
func (r *Registry) RecordHeartbeat(name string, chunks int, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[name]
	if !ok {
		return fmt.Errorf("%w: %s", protocol.ErrNotRegistered, name)
	}
	rec.LastHeartbeat = ts
	rec.ChunksStored = chunks
	return nil
}

// EnsureHeartbeat sets a peer's last heartbeat to now if it has none yet and
// returns the effective value.
func (r *Registry) EnsureHeartbeat(name string, now time.Time) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[name]
	if !ok {
		return time.Time{}, false
	}
	if rec.LastHeartbeat.IsZero() {
		rec.LastHeartbeat = now
	}
	return rec.LastHeartbeat, true
}

func (r *Registry) insert(rec *PeerRecord) {
	r.peers[rec.Name] = rec
	r.order = append(r.order, rec.Name)
	r.byUDP[endpoint{rec.Host, rec.UDPPort}] = rec.Name
	// Port 0 means no chunk server, e.g. an owner.
	if rec.TCPPort != 0 {
		r.byTCP[endpoint{rec.Host, rec.TCPPort}] = rec.Name
	}
}

// persistLocked writes the full record set. A failed write is logged; the
// in-memory registry stays authoritative.
func (r *Registry) persistLocked() {
	if r.store == nil {
		return
	}
	records := make([]PeerRecord, 0, len(r.order))
	for _, name := range r.order {
		records = append(records, *r.peers[name])
	}
	if err := r.store.SaveAll(records); err != nil {
		r.logger.Error().Err(err).Msg("failed to persist registry")
	}
}
