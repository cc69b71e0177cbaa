package metrics

import (
	"context"
	"time"
)

// ChunkCounter reports how many chunks the local store holds.
type ChunkCounter interface {
	Count() int
}

// PeerDirectory reports how many storage peers are known.
type PeerDirectory interface {
	Len() int
}

// RTTProvider interface for getting RTT measurements.
type RTTProvider interface {
	GetLastRTT() time.Duration
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Store       ChunkCounter
	Directory   PeerDirectory
	RTTProvider RTTProvider
}

// Collector periodically samples gauges from a peer agent.
type Collector struct {
	metrics *PeerMetrics
	config  CollectorConfig
}

// NewCollector creates a new metrics collector.
func NewCollector(m *PeerMetrics, cfg CollectorConfig) *Collector {
	return &Collector{metrics: m, config: cfg}
}

// Collect updates all gauges from the current state.
func (c *Collector) Collect() {
	if c.config.Store != nil {
		c.metrics.ChunksStored.Set(float64(c.config.Store.Count()))
	}
	if c.config.Directory != nil {
		c.metrics.KnownPeers.Set(float64(c.config.Directory.Len()))
	}
	if c.config.RTTProvider != nil {
		if rtt := c.config.RTTProvider.GetLastRTT(); rtt > 0 {
			c.metrics.CoordinatorRTTMs.Set(float64(rtt.Milliseconds()))
		}
	}
}

// Run starts the collector loop.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
