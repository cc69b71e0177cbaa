package peer

import (
	"sort"
	"sync"

	"github.com/tunnelmesh/p2pbackup/internal/protocol"
)

// Directory tracks the storage peers announced by the coordinator through
// PEER_INFO and PEER_REMOVED pushes.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]protocol.PeerAddr
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{peers: make(map[string]protocol.PeerAddr)}
}

// Put adds or replaces a peer.
func (d *Directory) Put(p protocol.PeerAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[p.Name] = p
}

// Remove deletes a peer and reports whether it was known.
func (d *Directory) Remove(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.peers[name]
	delete(d.peers, name)
	return ok
}

// Lookup returns the data-plane address of name.
func (d *Directory) Lookup(name string) (protocol.PeerAddr, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[name]
	return p, ok
}

// Len returns the number of known peers.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// List returns all known peers sorted by name.
func (d *Directory) List() []protocol.PeerAddr {
	d.mu.RLock()
	peers := make([]protocol.PeerAddr, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	d.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })
	return peers
}
