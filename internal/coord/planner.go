package coord

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/p2pbackup/internal/chunk"
	"github.com/tunnelmesh/p2pbackup/internal/protocol"
	"github.com/tunnelmesh/p2pbackup/internal/registry"
)

// Notifier sends one-way control messages to peers.
type Notifier interface {
	Notify(to net.Addr, verb string, args ...string) error
}

// BackupRequest is a parsed BACKUP_REQ.
type BackupRequest struct {
	FileName  string
	FileSize  int64
	Checksum  uint32
	ChunkSize int
}

// PlannerConfig configures a Planner.
type PlannerConfig struct {
	Registry *registry.Registry
	Plans    *PlanStore
	Notifier Notifier
	Metrics  *CoordMetrics
	Logger   zerolog.Logger
	Now      func() time.Time

	events *eventHub
}

type replicationKey struct {
	fileName string
	chunkID  int
	target   string
}

type pendingReplication struct {
	ref      ChunkRef
	source   string
	target   protocol.PeerAddr
	recovery bool
	issuedAt time.Time
}

// Planner decides chunk placement for backups and drives replication.
type Planner struct {
	registry *registry.Registry
	plans    *PlanStore
	notifier Notifier
	metrics  *CoordMetrics
	events   *eventHub
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[replicationKey]pendingReplication
}

// NewPlanner creates a planner over the given registry and plan store.
func NewPlanner(cfg PlannerConfig) *Planner {
	p := &Planner{
		registry: cfg.Registry,
		plans:    cfg.Plans,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		events:   cfg.events,
		logger:   cfg.Logger.With().Str("component", "planner").Logger(),
		pending:  make(map[replicationKey]pendingReplication),
		now:      cfg.Now,
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// TotalChunks is ceil(fileSize / chunkSize).
func TotalChunks(fileSize int64, chunkSize int) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + int64(chunkSize) - 1) / int64(chunkSize))
}

// PlanBackup places the chunks of req across storage peers and notifies them.
// owner is the peer the request was attributed to. Nothing is stored on error.
func (p *Planner) PlanBackup(owner registry.PeerRecord, req BackupRequest) (*BackupPlan, []protocol.PeerAddr, error) {
	chunkSize := chunk.ClampChunkSize(req.ChunkSize)

	var candidates []registry.PeerRecord
	for _, rec := range p.registry.List() {
		if rec.Name != owner.Name && rec.IsStorageCandidate() {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) == 0 {
		return nil, nil, protocol.ErrNoAvailableStorage
	}

	total := TotalChunks(req.FileSize, chunkSize)
	if len(candidates) < total {
		return nil, nil, fmt.Errorf("%w: %d chunks, %d candidates", protocol.ErrNotEnoughPeers, total, len(candidates))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Capacity > candidates[j].Capacity
	})
	selected := candidates[:min(total, len(candidates))]

	plan := &BackupPlan{
		ID:          uuid.New().String(),
		Owner:       owner.Name,
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		Checksum:    req.Checksum,
		ChunkSize:   chunkSize,
		TotalChunks: total,
		Placement:   make(map[int]string, total),
		Addrs:       make(map[string]protocol.PeerAddr, len(selected)),
		CreatedAt:   time.Now(),
	}
	peers := make([]protocol.PeerAddr, len(selected))
	for i, rec := range selected {
		peers[i] = rec.DataAddr()
		plan.Addrs[rec.Name] = peers[i]
	}
	for id := 0; id < total; id++ {
		plan.Placement[id] = selected[id%len(selected)].Name
	}
	p.plans.Put(plan)

	p.logger.Info().
		Str("plan_id", plan.ID).
		Str("owner", owner.Name).
		Str("file", req.FileName).
		Int("chunks", total).
		Int("chunk_size", chunkSize).
		Str("peers", protocol.FormatPeerList(peers)).
		Msg("backup planned")

	if p.metrics != nil {
		p.metrics.Plans.Set(float64(p.plans.Len()))
	}
	p.events.publish(Event{Type: EventPlanCreated, Peer: owner.Name, File: req.FileName,
		Fields: map[string]string{"plan_id": plan.ID, "chunks": strconv.Itoa(total)}})

	p.notifyStorage(plan, selected)
	return plan, peers, nil
}

// notifyStorage sends each selected peer one STORAGE_TASK and one STORE_REQ per assigned chunk.
func (p *Planner) notifyStorage(plan *BackupPlan, selected []registry.PeerRecord) {
	if p.notifier == nil {
		return
	}
	for _, rec := range selected {
		to := rec.ControlAddr()
		if err := p.notifier.Notify(to, protocol.VerbStorageTask,
			plan.FileName, strconv.Itoa(plan.ChunkSize), plan.Owner); err != nil {
			p.logger.Warn().Err(err).Str("peer", rec.Name).Msg("failed to send STORAGE_TASK")
			continue
		}
		for _, id := range plan.ChunksOn(rec.Name) {
			if err := p.notifier.Notify(to, protocol.VerbStoreReq,
				plan.FileName, strconv.Itoa(id), plan.Owner); err != nil {
				p.logger.Warn().Err(err).Str("peer", rec.Name).Int("chunk", id).Msg("failed to send STORE_REQ")
			}
		}
	}
}

// CompleteBackup marks the owner's plan for fileName as uploaded.
func (p *Planner) CompleteBackup(owner registry.PeerRecord, fileName string) error {
	if err := p.plans.MarkDone(owner.Name, fileName); err != nil {
		return err
	}
	p.logger.Info().Str("owner", owner.Name).Str("file", fileName).Msg("backup complete")
	p.events.publish(Event{Type: EventBackupDone, Peer: owner.Name, File: fileName})
	return nil
}

// PlanRestore returns the owner's plan for fileName together with the holder
// of every chunk, in chunk order. Peer liveness is not checked.
func (p *Planner) PlanRestore(owner registry.PeerRecord, fileName string) (BackupPlan, []protocol.PeerAddr, error) {
	plan, ok := p.plans.Get(owner.Name, fileName)
	if !ok {
		return BackupPlan{}, nil, fmt.Errorf("%w: %s/%s", protocol.ErrNoBackupFound, owner.Name, fileName)
	}
	return plan, plan.ChunkPeers(), nil
}

// RequestReplication handles a REPLICATE_REQ: the chunk's current holder is told
// to copy it to target. requester, if non-empty, disambiguates plans by owner.
func (p *Planner) RequestReplication(requester, fileName string, chunkID int, target string) error {
	plan, ok := p.plans.FindChunk(fileName, chunkID, requester)
	if !ok {
		return fmt.Errorf("%w: %s chunk %d", protocol.ErrPlanNotFound, fileName, chunkID)
	}
	targetRec, ok := p.registry.LookupByName(target)
	if !ok {
		return fmt.Errorf("%w: %s", protocol.ErrUnknownTargetPeer, target)
	}
	sourceName := plan.Placement[chunkID]
	source, ok := p.registry.LookupByName(sourceName)
	if !ok {
		return fmt.Errorf("%w: holder %s of %s chunk %d is not registered", protocol.ErrNoAvailableStorage, sourceName, fileName, chunkID)
	}
	ref := ChunkRef{Owner: plan.Owner, FileName: fileName, ChunkID: chunkID}
	return p.dispatchReplication(ref, source, targetRec, false)
}

// dispatchReplication records the pending copy and pushes REPLICATE_REQ to source.
func (p *Planner) dispatchReplication(ref ChunkRef, source, target registry.PeerRecord, recovery bool) error {
	key := replicationKey{ref.FileName, ref.ChunkID, target.Name}
	p.mu.Lock()
	p.pending[key] = pendingReplication{
		ref:      ref,
		source:   source.Name,
		target:   target.DataAddr(),
		recovery: recovery,
		issuedAt: p.now(),
	}
	p.mu.Unlock()

	if p.notifier != nil {
		err := p.notifier.Notify(source.ControlAddr(), protocol.VerbReplicateReq,
			ref.FileName, strconv.Itoa(ref.ChunkID), target.Name, target.Host, strconv.Itoa(target.TCPPort))
		if err != nil {
			p.mu.Lock()
			delete(p.pending, key)
			p.mu.Unlock()
			return fmt.Errorf("send REPLICATE_REQ to %s: %w", source.Name, err)
		}
	}

	p.logger.Info().
		Str("chunk", ref.String()).
		Str("source", source.Name).
		Str("target", target.Name).
		Bool("recovery", recovery).
		Msg("replication requested")
	if p.metrics != nil {
		p.metrics.ReplicationsSent.Inc()
	}
	p.events.publish(Event{Type: EventReplicationScheduled, Peer: target.Name, File: ref.FileName,
		Chunk: chunkPtr(ref.ChunkID), Fields: map[string]string{"source": source.Name, "owner": ref.Owner}})
	return nil
}

// CompleteReplication handles REPLICATE_DONE. The target is recorded as a holder;
// for recovery copies the placement moves to the target.
func (p *Planner) CompleteReplication(fileName string, chunkID int, target string) error {
	key := replicationKey{fileName, chunkID, target}
	p.mu.Lock()
	pr, ok := p.pending[key]
	delete(p.pending, key)
	p.mu.Unlock()

	if !ok {
		// Unknown completion, e.g. after a coordinator restart; record it if a plan matches.
		plan, found := p.plans.FindChunk(fileName, chunkID, "")
		if !found {
			return fmt.Errorf("%w: %s chunk %d", protocol.ErrPlanNotFound, fileName, chunkID)
		}
		p.plans.AddHolder(ChunkRef{plan.Owner, fileName, chunkID}, target)
		return nil
	}

	if pr.recovery {
		if err := p.plans.Reassign(pr.ref, pr.target); err != nil {
			return err
		}
	} else {
		p.plans.AddHolder(pr.ref, target)
	}

	p.logger.Info().
		Str("chunk", pr.ref.String()).
		Str("target", target).
		Bool("recovery", pr.recovery).
		Dur("elapsed", p.now().Sub(pr.issuedAt)).
		Msg("replication complete")
	if p.metrics != nil {
		p.metrics.ReplicationsDone.Inc()
	}
	p.events.publish(Event{Type: EventReplicationDone, Peer: target, File: fileName, Chunk: chunkPtr(chunkID)})
	return nil
}

// ExpiredReplication is a pending replication dropped by ExpireReplications.
type ExpiredReplication struct {
	Ref      ChunkRef
	Source   string
	Target   string
	Recovery bool
}

// ExpireReplications drops pending replications issued before cutoff. Their
// REPLICATE_DONE, if it still arrives, is handled as an unknown completion.
func (p *Planner) ExpireReplications(cutoff time.Time) []ExpiredReplication {
	p.mu.Lock()
	var expired []ExpiredReplication
	for key, pr := range p.pending {
		if !pr.issuedAt.Before(cutoff) {
			continue
		}
		delete(p.pending, key)
		expired = append(expired, ExpiredReplication{Ref: pr.ref, Source: pr.source, Target: key.target, Recovery: pr.recovery})
	}
	p.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool {
		a, b := expired[i], expired[j]
		if a.Ref.FileName != b.Ref.FileName {
			return a.Ref.FileName < b.Ref.FileName
		}
		if a.Ref.ChunkID != b.Ref.ChunkID {
			return a.Ref.ChunkID < b.Ref.ChunkID
		}
		return a.Target < b.Target
	})
	for _, e := range expired {
		p.logger.Warn().
			Str("chunk", e.Ref.String()).
			Str("source", e.Source).
			Str("target", e.Target).
			Bool("recovery", e.Recovery).
			Msg("replication timed out")
		if p.metrics != nil {
			p.metrics.ReplicationsExpired.Inc()
		}
	}
	return expired
}

// PendingReplications returns the number of replications awaiting REPLICATE_DONE.
func (p *Planner) PendingReplications() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
