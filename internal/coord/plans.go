package coord

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tunnelmesh/p2pbackup/internal/protocol"
)

// BackupPlan records where every chunk of one owner's file lives.
type BackupPlan struct {
	ID          string                       `json:"id"`
	Owner       string                       `json:"owner"`
	FileName    string                       `json:"file_name"`
	FileSize    int64                        `json:"file_size"`
	Checksum    uint32                       `json:"checksum"`
	ChunkSize   int                          `json:"chunk_size"`
	TotalChunks int                          `json:"total_chunks"`
	Placement   map[int]string               `json:"placement"`
	Addrs       map[string]protocol.PeerAddr `json:"-"`
	Done        bool                         `json:"done"`
	CreatedAt   time.Time                    `json:"created_at"`
}

// ChunkRef names one chunk of one plan.
type ChunkRef struct {
	Owner    string
	FileName string
	ChunkID  int
}

func (r ChunkRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.FileName, r.ChunkID)
}

type planKey struct {
	owner string
	file  string
}

// ChunkPeers returns one address per chunk in chunk order, so that chunk i is
// held by entry i mod len. A peer holding several chunks appears once per chunk.
func (p *BackupPlan) ChunkPeers() []protocol.PeerAddr {
	peers := make([]protocol.PeerAddr, 0, p.TotalChunks)
	for id := 0; id < p.TotalChunks; id++ {
		name := p.Placement[id]
		addr, ok := p.Addrs[name]
		if !ok {
			addr = protocol.PeerAddr{Name: name}
		}
		peers = append(peers, addr)
	}
	return peers
}

// ChunksOn returns the chunk ids placed on peer, ascending.
func (p *BackupPlan) ChunksOn(peer string) []int {
	var ids []int
	for id, name := range p.Placement {
		if name == peer {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

func (p *BackupPlan) clone() BackupPlan {
	c := *p
	c.Placement = make(map[int]string, len(p.Placement))
	for k, v := range p.Placement {
		c.Placement[k] = v
	}
	c.Addrs = make(map[string]protocol.PeerAddr, len(p.Addrs))
	for k, v := range p.Addrs {
		c.Addrs[k] = v
	}
	return c
}

// PlanStore holds every backup plan plus an index of which peers are known to
// hold each chunk. Plans are never deleted.
type PlanStore struct {
	mu        sync.RWMutex
	plans     map[planKey]*BackupPlan
	order     []planKey
	locations map[ChunkRef]map[string]struct{}
}

// NewPlanStore creates an empty plan store.
func NewPlanStore() *PlanStore {
	return &PlanStore{
		plans:     make(map[planKey]*BackupPlan),
		locations: make(map[ChunkRef]map[string]struct{}),
	}
}

// Put stores plan, replacing any earlier plan for the same owner and file.
// The placement seeds the chunk location index.
func (s *PlanStore) Put(plan *BackupPlan) {
	c := plan.clone()
	k := planKey{c.Owner, c.FileName}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, exists := s.plans[k]; exists {
		for id := 0; id < old.TotalChunks; id++ {
			delete(s.locations, ChunkRef{old.Owner, old.FileName, id})
		}
	} else {
		s.order = append(s.order, k)
	}
	s.plans[k] = &c
	for id, peer := range c.Placement {
		s.addHolderLocked(ChunkRef{c.Owner, c.FileName, id}, peer)
	}
}

// Get returns a copy of the plan for owner and file.
func (s *PlanStore) Get(owner, fileName string) (BackupPlan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[planKey{owner, fileName}]
	if !ok {
		return BackupPlan{}, false
	}
	return p.clone(), true
}

// MarkDone flags a plan as fully uploaded.
func (s *PlanStore) MarkDone(owner, fileName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planKey{owner, fileName}]
	if !ok {
		return fmt.Errorf("%w: %s/%s", protocol.ErrPlanNotFound, owner, fileName)
	}
	p.Done = true
	return nil
}

// List returns copies of all plans in creation order.
func (s *PlanStore) List() []BackupPlan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BackupPlan, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.plans[k].clone())
	}
	return out
}

// Len returns the number of plans.
func (s *PlanStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.plans)
}

// FindChunk returns the plan for fileName that contains chunkID. When several
// owners backed up the same file name, preferOwner wins; otherwise the oldest plan.
func (s *PlanStore) FindChunk(fileName string, chunkID int, preferOwner string) (BackupPlan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.plans[planKey{preferOwner, fileName}]; ok && chunkID >= 0 && chunkID < p.TotalChunks {
		return p.clone(), true
	}
	for _, k := range s.order {
		p := s.plans[k]
		if p.FileName == fileName && chunkID >= 0 && chunkID < p.TotalChunks {
			return p.clone(), true
		}
	}
	return BackupPlan{}, false
}

// Reassign moves a chunk's placement to peer and records peer as a holder.
func (s *PlanStore) Reassign(ref ChunkRef, peer protocol.PeerAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planKey{ref.Owner, ref.FileName}]
	if !ok || ref.ChunkID < 0 || ref.ChunkID >= p.TotalChunks {
		return fmt.Errorf("%w: %s", protocol.ErrPlanNotFound, ref)
	}
	p.Placement[ref.ChunkID] = peer.Name
	p.Addrs[peer.Name] = peer
	s.addHolderLocked(ref, peer.Name)
	return nil
}

// AddHolder records that peer holds a copy of ref.
func (s *PlanStore) AddHolder(ref ChunkRef, peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addHolderLocked(ref, peer)
}

// Holders returns the peers recorded as holding ref, sorted by name.
func (s *PlanStore) Holders(ref ChunkRef) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for name := range s.locations[ref] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ForgetPeer drops peer from the chunk location index.
func (s *PlanStore) ForgetPeer(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref, holders := range s.locations {
		delete(holders, peer)
		if len(holders) == 0 {
			delete(s.locations, ref)
		}
	}
}

// PlacedOn returns every chunk whose placement names peer, grouped in plan order.
func (s *PlanStore) PlacedOn(peer string) []ChunkRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var refs []ChunkRef
	for _, k := range s.order {
		p := s.plans[k]
		for _, id := range p.ChunksOn(peer) {
			refs = append(refs, ChunkRef{p.Owner, p.FileName, id})
		}
	}
	return refs
}

func (s *PlanStore) addHolderLocked(ref ChunkRef, peer string) {
	holders, ok := s.locations[ref]
	if !ok {
		holders = make(map[string]struct{})
		s.locations[ref] = holders
	}
	holders[peer] = struct{}{}
}
