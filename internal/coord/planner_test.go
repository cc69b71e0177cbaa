package coord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/p2pbackup/internal/chunk"
	"github.com/tunnelmesh/p2pbackup/internal/protocol"
	"github.com/tunnelmesh/p2pbackup/internal/registry"
)

func TestTotalChunks(t *testing.T) {
	tests := []struct {
		size  int64
		chunk int
		want  int
	}{
		{0, 4096, 0},
		{1, 4096, 1},
		{4096, 4096, 1},
		{4097, 4096, 2},
		{10000, 4096, 3},
		{1 << 20, 1024, 1024},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TotalChunks(tt.size, tt.chunk), "size=%d chunk=%d", tt.size, tt.chunk)
	}
}

func TestBackupScenarioNeedsOnePeerPerChunk(t *testing.T) {
	p, reg, plans, n := newTestPlanner(t)
	alice := register(t, reg, "alice", registry.RoleOwner, 1, 0)
	register(t, reg, "bob", registry.RoleStorage, 2, 1<<30)
	register(t, reg, "carol", registry.RoleStorage, 3, 1<<30)

	req := BackupRequest{FileName: "report.pdf", FileSize: 10000, Checksum: 0xabc, ChunkSize: 4096}
	_, _, err := p.PlanBackup(alice, req)
	assert.ErrorIs(t, err, protocol.ErrNotEnoughPeers)
	assert.Equal(t, protocol.ReasonNotEnoughPeers, protocol.ReasonFor(err))
	assert.Equal(t, 0, plans.Len(), "denied backup must not leave a plan")
	assert.Empty(t, n.byVerb(protocol.VerbStorageTask))

	register(t, reg, "dora", registry.RoleStorage, 4, 1<<30)

	plan, peers, err := p.PlanBackup(alice, req)
	require.NoError(t, err)
	assert.Equal(t, 3, plan.TotalChunks)
	assert.Equal(t, map[int]string{0: "bob", 1: "carol", 2: "dora"}, plan.Placement)
	require.Len(t, peers, 3)
	assert.Equal(t, "[bob:127.0.0.1:6002,carol:127.0.0.1:6003,dora:127.0.0.1:6004]", protocol.FormatPeerList(peers))

	stored, ok := plans.Get("alice", "report.pdf")
	require.True(t, ok)
	assert.Equal(t, uint32(0xabc), stored.Checksum)
	assert.False(t, stored.Done)

	tasks := n.byVerb(protocol.VerbStorageTask)
	require.Len(t, tasks, 3)
	assert.Equal(t, []string{"report.pdf", "4096", "alice"}, tasks[0].args)
	assert.Equal(t, "127.0.0.1:5002", tasks[0].to)

	stores := n.byVerb(protocol.VerbStoreReq)
	require.Len(t, stores, 3)
	assert.Equal(t, []string{"report.pdf", "1", "alice"}, stores[1].args)
	assert.Equal(t, "127.0.0.1:5003", stores[1].to)
}

func TestPlacementCoversEveryChunkOnce(t *testing.T) {
	p, reg, _, _ := newTestPlanner(t)
	owner := register(t, reg, "owner", registry.RoleOwner, 0, 0)
	for i := 1; i <= 12; i++ {
		register(t, reg, "s"+string(rune('a'+i)), registry.RoleStorage, i, int64(i))
	}

	for _, size := range []int64{1, 1024, 5000, 8191, 12 * 1024} {
		plan, peers, err := p.PlanBackup(owner, BackupRequest{FileName: "f", FileSize: size, ChunkSize: 1024})
		require.NoError(t, err, "size %d", size)

		assert.Equal(t, TotalChunks(size, 1024), plan.TotalChunks)
		assert.Len(t, plan.Placement, plan.TotalChunks)
		for id := 0; id < plan.TotalChunks; id++ {
			assert.Equal(t, peers[id%len(peers)].Name, plan.Placement[id], "chunk %d", id)
		}
	}
}

func TestPlanBackupPrefersCapacityAndExcludesOwner(t *testing.T) {
	p, reg, _, _ := newTestPlanner(t)
	alice := register(t, reg, "alice", registry.RoleBoth, 1, 1<<40)
	register(t, reg, "small", registry.RoleStorage, 2, 10)
	register(t, reg, "big", registry.RoleBoth, 3, 1000)
	register(t, reg, "owner-only", registry.RoleOwner, 4, 5000)
	register(t, reg, "empty", registry.RoleStorage, 5, 0)
	register(t, reg, "mid", registry.RoleStorage, 6, 100)

	_, peers, err := p.PlanBackup(alice, BackupRequest{FileName: "f", FileSize: 2048, ChunkSize: 1024})
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "big", peers[0].Name)
	assert.Equal(t, "mid", peers[1].Name)
}

func TestPlanBackupClampsChunkSize(t *testing.T) {
	p, reg, _, _ := newTestPlanner(t)
	alice := register(t, reg, "alice", registry.RoleOwner, 1, 0)
	register(t, reg, "bob", registry.RoleStorage, 2, 100)

	plan, _, err := p.PlanBackup(alice, BackupRequest{FileName: "f", FileSize: 1000, ChunkSize: 10})
	require.NoError(t, err)
	assert.Equal(t, chunk.MinChunkSize, plan.ChunkSize)
	assert.Equal(t, 1, plan.TotalChunks)

	plan, _, err = p.PlanBackup(alice, BackupRequest{FileName: "g", FileSize: 1000, ChunkSize: 1 << 30})
	require.NoError(t, err)
	assert.Equal(t, chunk.MaxChunkSize, plan.ChunkSize)
}

func TestPlanBackupNoStorage(t *testing.T) {
	p, reg, _, _ := newTestPlanner(t)
	alice := register(t, reg, "alice", registry.RoleBoth, 1, 100)

	_, _, err := p.PlanBackup(alice, BackupRequest{FileName: "f", FileSize: 1, ChunkSize: 1024})
	assert.ErrorIs(t, err, protocol.ErrNoAvailableStorage)
}

func TestPlanRestore(t *testing.T) {
	p, reg, _, _ := newTestPlanner(t)
	alice := register(t, reg, "alice", registry.RoleOwner, 1, 0)
	register(t, reg, "bob", registry.RoleStorage, 2, 100)
	register(t, reg, "carol", registry.RoleStorage, 3, 100)

	_, _, err := p.PlanRestore(alice, "f")
	assert.ErrorIs(t, err, protocol.ErrNoBackupFound)

	_, _, err = p.PlanBackup(alice, BackupRequest{FileName: "f", FileSize: 2000, Checksum: 7, ChunkSize: 1024})
	require.NoError(t, err)

	plan, peers, err := p.PlanRestore(alice, "f")
	require.NoError(t, err)
	assert.Equal(t, 2, plan.TotalChunks)
	assert.Equal(t, uint32(7), plan.Checksum)
	require.Len(t, peers, 2)
	assert.Equal(t, "bob", peers[0].Name)

	// Restore does not depend on the holders still being registered.
	_, err = reg.Deregister("bob")
	require.NoError(t, err)
	_, peers, err = p.PlanRestore(alice, "f")
	require.NoError(t, err)
	assert.Equal(t, 6002, peers[0].Port)
}

func TestCompleteBackup(t *testing.T) {
	p, reg, plans, _ := newTestPlanner(t)
	alice := register(t, reg, "alice", registry.RoleOwner, 1, 0)
	register(t, reg, "bob", registry.RoleStorage, 2, 100)

	assert.ErrorIs(t, p.CompleteBackup(alice, "f"), protocol.ErrPlanNotFound)

	_, _, err := p.PlanBackup(alice, BackupRequest{FileName: "f", FileSize: 10, ChunkSize: 1024})
	require.NoError(t, err)
	require.NoError(t, p.CompleteBackup(alice, "f"))

	plan, _ := plans.Get("alice", "f")
	assert.True(t, plan.Done)
}

func TestManualReplication(t *testing.T) {
	p, reg, plans, n := newTestPlanner(t)
	alice := register(t, reg, "alice", registry.RoleOwner, 1, 0)
	register(t, reg, "bob", registry.RoleStorage, 2, 100)
	register(t, reg, "carol", registry.RoleStorage, 3, 50)

	_, _, err := p.PlanBackup(alice, BackupRequest{FileName: "f", FileSize: 10, ChunkSize: 1024})
	require.NoError(t, err)

	assert.ErrorIs(t, p.RequestReplication("alice", "f", 0, "nobody"), protocol.ErrUnknownTargetPeer)
	assert.ErrorIs(t, p.RequestReplication("alice", "missing", 0, "carol"), protocol.ErrPlanNotFound)
	assert.ErrorIs(t, p.RequestReplication("alice", "f", 5, "carol"), protocol.ErrPlanNotFound)

	require.NoError(t, p.RequestReplication("alice", "f", 0, "carol"))
	reqs := n.byVerb(protocol.VerbReplicateReq)
	require.Len(t, reqs, 1)
	assert.Equal(t, "127.0.0.1:5002", reqs[0].to, "the current holder performs the copy")
	assert.Equal(t, []string{"f", "0", "carol", "127.0.0.1", "6003"}, reqs[0].args)
	assert.Equal(t, 1, p.PendingReplications())

	require.NoError(t, p.CompleteReplication("f", 0, "carol"))
	assert.Equal(t, 0, p.PendingReplications())

	plan, _ := plans.Get("alice", "f")
	assert.Equal(t, "bob", plan.Placement[0], "manual copies do not move placement")
	assert.Equal(t, []string{"bob", "carol"}, plans.Holders(ChunkRef{"alice", "f", 0}))
}
