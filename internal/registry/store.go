package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// registryFile is the on-disk layout of a YAMLStore.
type registryFile struct {
	Peers map[string]peerEntry `yaml:"peers"`
}

type peerEntry struct {
	Role            string    `yaml:"role"`
	IPAddress       string    `yaml:"ipAddress"`
	UDPPort         int       `yaml:"udpPort"`
	TCPPort         int       `yaml:"tcpPort"`
	StorageCapacity int64     `yaml:"storageCapacity"`
	RegisteredAt    time.Time `yaml:"registeredAt"`
}

// YAMLStore persists peers to a single YAML file, rewritten atomically on every save.
type YAMLStore struct {
	path string
	mu   sync.Mutex
}

// NewYAMLStore returns a store backed by path. The file need not exist yet.
func NewYAMLStore(path string) *YAMLStore {
	return &YAMLStore{path: path}
}

// Path returns the backing file path.
func (s *YAMLStore) Path() string {
	return s.path
}

// LoadAll reads every persisted peer, oldest registration first.
// A missing file is an empty registry.
func (s *YAMLStore) LoadAll() ([]PeerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}

	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}

	records := make([]PeerRecord, 0, len(f.Peers))
	for name, e := range f.Peers {
		role, err := ParseRole(e.Role)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", name, err)
		}
		records = append(records, PeerRecord{
			Name:         name,
			Role:         role,
			Host:         e.IPAddress,
			UDPPort:      e.UDPPort,
			TCPPort:      e.TCPPort,
			Capacity:     e.StorageCapacity,
			RegisteredAt: e.RegisteredAt,
		})
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].RegisteredAt.Equal(records[j].RegisteredAt) {
			return records[i].Name < records[j].Name
		}
		return records[i].RegisteredAt.Before(records[j].RegisteredAt)
	})
	return records, nil
}

// SaveAll replaces the file contents with records.
func (s *YAMLStore) SaveAll(records []PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := registryFile{Peers: make(map[string]peerEntry, len(records))}
	for _, r := range records {
		f.Peers[r.Name] = peerEntry{
			Role:            string(r.Role),
			IPAddress:       r.Host,
			UDPPort:         r.UDPPort,
			TCPPort:         r.TCPPort,
			StorageCapacity: r.Capacity,
			RegisteredAt:    r.RegisteredAt,
		}
	}

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename registry: %w", err)
	}
	return nil
}

// MemoryStore keeps the last saved snapshot in memory.
type MemoryStore struct {
	mu      sync.Mutex
	records []PeerRecord
	saves   int
}

// NewMemoryStore returns a store preloaded with records.
func NewMemoryStore(records ...PeerRecord) *MemoryStore {
	return &MemoryStore{records: records}
}

// LoadAll returns the last saved snapshot.
func (m *MemoryStore) LoadAll() ([]PeerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PeerRecord(nil), m.records...), nil
}

// SaveAll replaces the snapshot.
func (m *MemoryStore) SaveAll(records []PeerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append([]PeerRecord(nil), records...)
	m.saves++
	return nil
}

// Saves returns how many times SaveAll has been called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
