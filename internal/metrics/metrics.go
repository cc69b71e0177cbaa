// Package metrics provides Prometheus metrics for p2pbackup peer agents.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all peer agent metrics.
var Registry = prometheus.NewRegistry()

var (
	peerMetricsMu sync.Mutex
	peerMetrics = make(map[string]*PeerMetrics)

	// Shared by every agent in the process; each adds its own series.
	peerInfo = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "p2pbackup_peer_info",
		Help: "Peer information (value is always 1)",
	}, []string{"peer", "role"})
)

// PeerMetrics holds all Prometheus metrics for one peer agent.
type PeerMetrics struct {
	// Local chunk store
	ChunksStored   prometheus.Gauge
	ChunksReceived *prometheus.CounterVec // labels: kind (store, replicate)
	ChunksServed   prometheus.Counter
	BytesReceived  prometheus.Counter

	// Owner side
	ChunksSent         prometheus.Counter
	BytesSent          prometheus.Counter
	StoreRetries       prometheus.Counter
	ChecksumMismatches prometheus.Counter
	Backups            *prometheus.CounterVec // labels: result
	Restores           *prometheus.CounterVec // labels: result

	// Server-directed work
	StorageTasks prometheus.Counter
	Replications *prometheus.CounterVec // labels: result

	// Coordinator link
	Heartbeats       *prometheus.CounterVec // labels: result
	CoordinatorRTTMs prometheus.Gauge
	KnownPeers       prometheus.Gauge

	// Peer info (constant labels exposed as a gauge)
	PeerInfo *prometheus.GaugeVec // labels: peer, role
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes the metrics of peerName on Registry. Calling it again
// with the same name returns the existing instance.
func InitMetrics(peerName, role string) *PeerMetrics {
	peerMetricsMu.Lock()
	defer peerMetricsMu.Unlock()
	if m, ok := peerMetrics[peerName]; ok {
		return m
	}

	constLabels := prometheus.Labels{
		"peer": peerName,
	}
	f := promauto.With(Registry)

	m := &PeerMetrics{
		ChunksStored: f.NewGauge(prometheus.GaugeOpts{
			Name:        "p2pbackup_peer_chunks_stored",
			Help:        "Chunks currently held in the local store",
			ConstLabels: constLabels,
		}),
		ChunksReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "p2pbackup_peer_chunks_received_total",
			Help:        "Chunks received and verified, by how they arrived",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		ChunksServed: f.NewCounter(prometheus.CounterOpts{
			Name:        "p2pbackup_peer_chunks_served_total",
			Help:        "Chunks sent to restoring owners",
			ConstLabels: constLabels,
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name:        "p2pbackup_peer_bytes_received_total",
			Help:        "Chunk bytes received",
			ConstLabels: constLabels,
		}),

		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Name:        "p2pbackup_peer_chunks_sent_total",
			Help:        "Chunks acknowledged by storage peers during backups",
			ConstLabels: constLabels,
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name:        "p2pbackup_peer_bytes_sent_total",
			Help:        "Chunk bytes acknowledged by storage peers",
			ConstLabels: constLabels,
		}),
		StoreRetries: f.NewCounter(prometheus.CounterOpts{
			Name:        "p2pbackup_peer_store_retries_total",
			Help:        "Chunk store attempts after the first",
			ConstLabels: constLabels,
		}),
		ChecksumMismatches: f.NewCounter(prometheus.CounterOpts{
			Name:        "p2pbackup_peer_checksum_mismatches_total",
			Help:        "Fetched chunks whose bytes did not match the declared checksum",
			ConstLabels: constLabels,
		}),
		Backups: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "p2pbackup_peer_backups_total",
			Help:        "Backups attempted, by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		Restores: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "p2pbackup_peer_restores_total",
			Help:        "Restores attempted, by result",
			ConstLabels: constLabels,
		}, []string{"result"}),

		StorageTasks: f.NewCounter(prometheus.CounterOpts{
			Name:        "p2pbackup_peer_storage_tasks_total",
			Help:        "STORAGE_TASK notifications received from the coordinator",
			ConstLabels: constLabels,
		}),
		Replications: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "p2pbackup_peer_replications_total",
			Help:        "Server-directed chunk copies performed, by result",
			ConstLabels: constLabels,
		}, []string{"result"}),

		Heartbeats: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "p2pbackup_peer_heartbeats_total",
			Help:        "Heartbeats sent, by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		CoordinatorRTTMs: f.NewGauge(prometheus.GaugeOpts{
			Name:        "p2pbackup_peer_coordinator_rtt_ms",
			Help:        "Round-trip time of the last heartbeat in milliseconds",
			ConstLabels: constLabels,
		}),
		KnownPeers: f.NewGauge(prometheus.GaugeOpts{
			Name:        "p2pbackup_peer_known_peers",
			Help:        "Storage peers announced by the coordinator",
			ConstLabels: constLabels,
		}),

		PeerInfo: peerInfo,
	}

	m.PeerInfo.WithLabelValues(peerName, role).Set(1)
	peerMetrics[peerName] = m
	return m
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
