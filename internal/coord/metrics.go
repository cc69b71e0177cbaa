// Package coord implements the p2pbackup coordinator: peer registration,
// backup and restore planning, and failure-driven chunk recovery.
package coord

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// coordMetricsOnce ensures metrics are only initialized once.
var coordMetricsOnce sync.Once

// coordMetricsInstance is the singleton instance of coordinator metrics.
var coordMetricsInstance *CoordMetrics

// CoordMetrics holds all Prometheus metrics for the coordinator.
type CoordMetrics struct {
	// Registry
	RegisteredPeers prometheus.Gauge
	PeerChunks      *prometheus.GaugeVec // p2pbackup_coordinator_peer_chunks{peer}
	TotalHeartbeats prometheus.Counter

	// Control plane
	Requests    *prometheus.CounterVec // p2pbackup_coordinator_requests_total{verb,result}
	RateLimited prometheus.Counter

	// Planning
	Plans            prometheus.Gauge
	BackupsDenied    *prometheus.CounterVec // p2pbackup_coordinator_backups_denied_total{reason}
	RestoresReported *prometheus.CounterVec // p2pbackup_coordinator_restores_total{result}

	// Recovery
	PeersFailed         prometheus.Counter
	ReplicationsSent    prometheus.Counter
	ReplicationsDone    prometheus.Counter
	ReplicationsExpired prometheus.Counter
	ChunksLost          prometheus.Counter
	SweepDuration       prometheus.Histogram
	RecoveringCurrent   prometheus.Gauge
}

// InitCoordMetrics initializes all coordinator metrics.
// Metrics are only registered once; subsequent calls return the same instance.
// If registry is nil, the default Prometheus registry is used.
func InitCoordMetrics(registry prometheus.Registerer) *CoordMetrics {
	coordMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		f := promauto.With(registry)
		coordMetricsInstance = &CoordMetrics{
			RegisteredPeers: f.NewGauge(prometheus.GaugeOpts{
				Name: "p2pbackup_coordinator_registered_peers",
				Help: "Number of currently registered peers",
			}),
			PeerChunks: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: "p2pbackup_coordinator_peer_chunks",
				Help: "Chunks stored per peer as reported by its last heartbeat",
			}, []string{"peer"}),
			TotalHeartbeats: f.NewCounter(prometheus.CounterOpts{
				Name: "p2pbackup_coordinator_heartbeats_total",
				Help: "Total heartbeats received by the coordinator",
			}),

			Requests: f.NewCounterVec(prometheus.CounterOpts{
				Name: "p2pbackup_coordinator_requests_total",
				Help: "Control-plane requests handled, by verb and result",
			}, []string{"verb", "result"}),
			RateLimited: f.NewCounter(prometheus.CounterOpts{
				Name: "p2pbackup_coordinator_rate_limited_total",
				Help: "Datagrams dropped by the inbound rate limiter",
			}),

			Plans: f.NewGauge(prometheus.GaugeOpts{
				Name: "p2pbackup_coordinator_plans",
				Help: "Number of backup plans held",
			}),
			BackupsDenied: f.NewCounterVec(prometheus.CounterOpts{
				Name: "p2pbackup_coordinator_backups_denied_total",
				Help: "Backup requests denied, by reason",
			}, []string{"reason"}),
			RestoresReported: f.NewCounterVec(prometheus.CounterOpts{
				Name: "p2pbackup_coordinator_restores_total",
				Help: "Restore outcomes reported by owners",
			}, []string{"result"}),

			PeersFailed: f.NewCounter(prometheus.CounterOpts{
				Name: "p2pbackup_coordinator_peers_failed_total",
				Help: "Peers removed by the failure detector",
			}),
			ReplicationsSent: f.NewCounter(prometheus.CounterOpts{
				Name: "p2pbackup_coordinator_replications_requested_total",
				Help: "Replicate instructions sent to source peers",
			}),
			ReplicationsDone: f.NewCounter(prometheus.CounterOpts{
				Name: "p2pbackup_coordinator_replications_completed_total",
				Help: "Replications reported complete by source peers",
			}),
			ReplicationsExpired: f.NewCounter(prometheus.CounterOpts{
				Name: "p2pbackup_coordinator_replications_expired_total",
				Help: "Replications dropped without a REPLICATE_DONE",
			}),
			ChunksLost: f.NewCounter(prometheus.CounterOpts{
				Name: "p2pbackup_coordinator_chunks_lost_total",
				Help: "Chunks that could not be re-placed after a peer failure",
			}),
			SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
				Name:    "p2pbackup_coordinator_sweep_duration_seconds",
				Help:    "Duration of failure detector sweeps",
				Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
			}),
			RecoveringCurrent: f.NewGauge(prometheus.GaugeOpts{
				Name: "p2pbackup_coordinator_recovering_peers",
				Help: "Peers currently held in the recovery guard set",
			}),
		}
	})

	return coordMetricsInstance
}
