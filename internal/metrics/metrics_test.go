package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetrics(t *testing.T) {
	m := InitMetrics("init-peer", "STORAGE")
	require.NotNil(t, m)

	tests := []struct {
		name   string
		metric interface{}
	}{
		{"ChunksStored", m.ChunksStored},
		{"ChunksReceived", m.ChunksReceived},
		{"ChunksServed", m.ChunksServed},
		{"BytesReceived", m.BytesReceived},
		{"ChunksSent", m.ChunksSent},
		{"BytesSent", m.BytesSent},
		{"StoreRetries", m.StoreRetries},
		{"ChecksumMismatches", m.ChecksumMismatches},
		{"Backups", m.Backups},
		{"Restores", m.Restores},
		{"StorageTasks", m.StorageTasks},
		{"Replications", m.Replications},
		{"Heartbeats", m.Heartbeats},
		{"CoordinatorRTTMs", m.CoordinatorRTTMs},
		{"KnownPeers", m.KnownPeers},
		{"PeerInfo", m.PeerInfo},
	}
	for _, tt := range tests {
		assert.NotNil(t, tt.metric, tt.name)
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(m.PeerInfo.WithLabelValues("init-peer", "STORAGE")))
}

func TestInitMetricsReturnsSameInstance(t *testing.T) {
	a := InitMetrics("repeat-peer", "OWNER")
	b := InitMetrics("repeat-peer", "OWNER")
	assert.Same(t, a, b)

	a.ChunksSent.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(b.ChunksSent))
}

func TestInitMetricsSeparatePeers(t *testing.T) {
	a := InitMetrics("first-peer", "OWNER")
	b := InitMetrics("second-peer", "STORAGE")
	assert.NotSame(t, a, b)

	a.Backups.WithLabelValues("ok").Inc()
	assert.Equal(t, float64(0), testutil.ToFloat64(b.Backups.WithLabelValues("ok")))
}
