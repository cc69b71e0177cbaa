package coord

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/p2pbackup/internal/chunk"
	"github.com/tunnelmesh/p2pbackup/internal/registry"
)

// ProbeFunc reports whether a peer's transfer endpoint accepts connections.
type ProbeFunc func(ctx context.Context, addr string, timeout time.Duration) bool

// DetectorConfig configures a Detector.
type DetectorConfig struct {
	Registry           *registry.Registry
	Plans              *PlanStore
	Planner            *Planner
	Interval           time.Duration // Sweep period (default: 2s)
	FailureTimeout     time.Duration // Heartbeat silence before a peer is failed (default: 15s)
	Cooldown           time.Duration // How long a failed name stays in the recovery guard (default: 30s)
	ProbeTimeout       time.Duration // Connect timeout for source probes (default: 2s)
	ReplicationTimeout time.Duration // Pending replication lifetime (default: 1m)
	Probe              ProbeFunc     // Reachability test (default: chunk.Probe)
	Now                func() time.Time
	Metrics            *CoordMetrics
	Logger             zerolog.Logger

	// OnRemoved, if set, is called after a failed peer has been deregistered.
	OnRemoved func(rec registry.PeerRecord)

	events *eventHub
}

// RecoveryReport summarizes the recovery of one failed peer.
type RecoveryReport struct {
	ID         string
	Peer       string
	Scheduled  []ChunkRef
	Lost       []ChunkRef
	StartedAt  time.Time
	FinishedAt time.Time
}

// Detector watches heartbeat timestamps and re-places the chunks of peers that
// stop reporting.
type Detector struct {
	cfg    DetectorConfig
	logger zerolog.Logger

	mu         sync.Mutex
	recovering map[string]time.Time // name -> guard release time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDetector creates a detector. Call Start to begin sweeping.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.Interval == 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.FailureTimeout == 0 {
		cfg.FailureTimeout = 15 * time.Second
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.ReplicationTimeout == 0 {
		cfg.ReplicationTimeout = time.Minute
	}
	if cfg.Probe == nil {
		cfg.Probe = chunk.Probe
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Detector{
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("component", "detector").Logger(),
		recovering: make(map[string]time.Time),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start runs the sweep loop in the background.
func (d *Detector) Start() {
	d.wg.Add(1)
	go d.run()
	d.logger.Info().
		Dur("interval", d.cfg.Interval).
		Dur("failure_timeout", d.cfg.FailureTimeout).
		Msg("failure detector started")
}

// Stop halts the sweep loop and waits for it to exit.
func (d *Detector) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Detector) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(d.ctx)
		}
	}
}

// IsRecovering reports whether name is in the recovery guard set.
func (d *Detector) IsRecovering(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.recovering[name]
	return ok
}

// Sweep runs one detection pass and recovers every newly failed peer.
// It returns the recoveries performed.
func (d *Detector) Sweep(ctx context.Context) []RecoveryReport {
	start := time.Now()
	now := d.cfg.Now()
	d.releaseGuards(now)

	var failed []registry.PeerRecord
	for _, rec := range d.cfg.Registry.List() {
		last, ok := d.cfg.Registry.EnsureHeartbeat(rec.Name, now)
		if !ok {
			continue
		}
		if now.Sub(last) <= d.cfg.FailureTimeout {
			continue
		}
		if !d.guard(rec.Name, now) {
			continue
		}
		d.logger.Warn().
			Str("peer", rec.Name).
			Dur("silent_for", now.Sub(last)).
			Msg("peer missed heartbeat window")
		failed = append(failed, rec)
	}

	down := make(map[string]bool, len(failed))
	for _, rec := range failed {
		down[rec.Name] = true
	}
	var reports []RecoveryReport
	for _, rec := range failed {
		reports = append(reports, d.recover(ctx, rec, down))
	}
	d.expireReplications(now)

	if d.cfg.Metrics != nil {
		d.cfg.Metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	return reports
}

// guard adds name to the recovery set. It returns false if already present.
func (d *Detector) guard(name string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.recovering[name]; busy {
		return false
	}
	d.recovering[name] = now.Add(d.cfg.Cooldown)
	d.setRecoveringGauge()
	return true
}

func (d *Detector) releaseGuards(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, until := range d.recovering {
		if !now.Before(until) {
			delete(d.recovering, name)
			d.logger.Debug().Str("peer", name).Msg("recovery guard released")
		}
	}
	d.setRecoveringGauge()
}

func (d *Detector) setRecoveringGauge() {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.RecoveringCurrent.Set(float64(len(d.recovering)))
	}
}

// expireReplications drops replications that never completed. A recovery copy
// whose placement still points at a peer that is gone leaves the chunk lost.
func (d *Detector) expireReplications(now time.Time) {
	if d.cfg.Planner == nil {
		return
	}
	for _, e := range d.cfg.Planner.ExpireReplications(now.Add(-d.cfg.ReplicationTimeout)) {
		if !e.Recovery {
			continue
		}
		plan, ok := d.cfg.Plans.Get(e.Ref.Owner, e.Ref.FileName)
		if !ok {
			continue
		}
		if _, alive := d.cfg.Registry.LookupByName(plan.Placement[e.Ref.ChunkID]); alive {
			continue
		}
		d.logger.Error().Str("chunk", e.Ref.String()).Str("target", e.Target).Msg("recovery copy never completed, chunk lost")
		d.chunkLost(e.Ref)
	}
}

// recover re-places every chunk held by the failed peer and then removes it.
// Peers in down failed in the same sweep and are neither targets nor sources.
// No lock is held across probes or notifications.
func (d *Detector) recover(ctx context.Context, failed registry.PeerRecord, down map[string]bool) RecoveryReport {
	report := RecoveryReport{ID: uuid.New().String(), Peer: failed.Name, StartedAt: time.Now()}
	log := d.logger.With().Str("recovery_id", report.ID).Str("peer", failed.Name).Logger()

	d.cfg.Plans.ForgetPeer(failed.Name)
	var peers []registry.PeerRecord
	for _, rec := range d.cfg.Registry.List() {
		if !down[rec.Name] {
			peers = append(peers, rec)
		}
	}

	for _, ref := range d.cfg.Plans.PlacedOn(failed.Name) {
		clog := log.With().Str("chunk", ref.String()).Logger()

		target, ok := pickReplacement(peers, ref.Owner, failed.Name)
		if !ok {
			clog.Error().Msg("no replacement peer, chunk lost")
			d.chunkLost(ref)
			report.Lost = append(report.Lost, ref)
			continue
		}

		if d.holds(ref, target.Name) {
			if err := d.cfg.Plans.Reassign(ref, target.DataAddr()); err == nil {
				clog.Info().Str("target", target.Name).Msg("replacement already holds a copy")
				report.Scheduled = append(report.Scheduled, ref)
				continue
			}
		}

		source, ok := d.findSource(ctx, peers, ref, failed.Name, target.Name)
		if !ok {
			clog.Error().Msg("no reachable source, chunk lost")
			d.chunkLost(ref)
			report.Lost = append(report.Lost, ref)
			continue
		}

		if err := d.cfg.Planner.dispatchReplication(ref, source, target, true); err != nil {
			clog.Error().Err(err).Msg("failed to request replication")
			d.chunkLost(ref)
			report.Lost = append(report.Lost, ref)
			continue
		}
		report.Scheduled = append(report.Scheduled, ref)
	}

	rec, err := d.cfg.Registry.Deregister(failed.Name)
	if err != nil {
		log.Warn().Err(err).Msg("failed peer already deregistered")
	} else {
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.PeersFailed.Inc()
		}
		d.cfg.events.publish(Event{Type: EventPeerFailed, Peer: failed.Name})
		if d.cfg.OnRemoved != nil {
			d.cfg.OnRemoved(rec)
		}
	}

	report.FinishedAt = time.Now()
	log.Info().
		Int("scheduled", len(report.Scheduled)).
		Int("lost", len(report.Lost)).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("recovery complete")
	return report
}

func (d *Detector) chunkLost(ref ChunkRef) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.ChunksLost.Inc()
	}
	d.cfg.events.publish(Event{Type: EventChunkLost, Peer: ref.Owner, File: ref.FileName, Chunk: chunkPtr(ref.ChunkID)})
}

// pickReplacement returns the highest-capacity storage peer that is neither
// the owner nor the failed peer. Ties keep registration order.
func pickReplacement(peers []registry.PeerRecord, owner, failed string) (registry.PeerRecord, bool) {
	var best registry.PeerRecord
	found := false
	for _, rec := range peers {
		if rec.Name == owner || rec.Name == failed || !rec.IsStorageCandidate() {
			continue
		}
		if !found || rec.Capacity > best.Capacity {
			best, found = rec, true
		}
	}
	return best, found
}

// findSource returns a reachable peer to copy ref from. Recorded holders are
// tried first; then any reachable storage peer other than the failed peer and
// the owner. The target itself is never a source.
func (d *Detector) findSource(ctx context.Context, peers []registry.PeerRecord, ref ChunkRef, failed, target string) (registry.PeerRecord, bool) {
	byName := make(map[string]registry.PeerRecord, len(peers))
	for _, rec := range peers {
		byName[rec.Name] = rec
	}

	tried := make(map[string]bool)
	for _, name := range d.cfg.Plans.Holders(ref) {
		rec, ok := byName[name]
		if !ok || name == failed || name == target {
			continue
		}
		tried[name] = true
		if d.reachable(ctx, rec) {
			return rec, true
		}
		d.logger.Debug().Str("peer", name).Str("chunk", ref.String()).Msg("recorded holder unreachable")
	}

	fallback := make([]registry.PeerRecord, 0, len(peers))
	for _, rec := range peers {
		if rec.Name == failed || rec.Name == ref.Owner || rec.Name == target || tried[rec.Name] || !rec.Role.CanStore() {
			continue
		}
		fallback = append(fallback, rec)
	}
	sort.SliceStable(fallback, func(i, j int) bool { return fallback[i].Capacity > fallback[j].Capacity })
	for _, rec := range fallback {
		if d.reachable(ctx, rec) {
			return rec, true
		}
	}
	return registry.PeerRecord{}, false
}

func (d *Detector) holds(ref ChunkRef, peer string) bool {
	for _, name := range d.cfg.Plans.Holders(ref) {
		if name == peer {
			return true
		}
	}
	return false
}

func (d *Detector) reachable(ctx context.Context, rec registry.PeerRecord) bool {
	return d.cfg.Probe(ctx, rec.DataAddr().Endpoint(), d.cfg.ProbeTimeout)
}
