package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/p2pbackup/testutil"
)

func TestYAMLStoreRoundTrip(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	store := NewYAMLStore(filepath.Join(dir, "state", "registry.yaml"))

	records, err := store.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, records, "missing file is an empty registry")

	t0 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, store.SaveAll([]PeerRecord{
		{Name: "carol", Role: RoleBoth, Host: "10.0.0.3", UDPPort: 5003, TCPPort: 6003, Capacity: 300, RegisteredAt: t0.Add(time.Minute)},
		{Name: "bob", Role: RoleStorage, Host: "10.0.0.2", UDPPort: 5002, TCPPort: 6002, Capacity: 200, RegisteredAt: t0},
	}))

	records, err = store.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "bob", records[0].Name, "ordered by registration time")
	assert.Equal(t, RoleBoth, records[1].Role)
	assert.Equal(t, int64(300), records[1].Capacity)
	assert.True(t, records[1].RegisteredAt.Equal(t0.Add(time.Minute)))
}

func TestYAMLStoreFileFormat(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "registry.yaml", []byte(`peers:
  bob:
    role: STORAGE
    ipAddress: 10.0.0.2
    udpPort: 5002
    tcpPort: 6002
    storageCapacity: 1048576
    registeredAt: 2025-01-02T03:04:05Z
`))

	r, err := New(Config{Store: NewYAMLStore(path), Logger: zerolog.Nop()})
	require.NoError(t, err)

	bob, ok := r.LookupByEndpoint("10.0.0.2", 5002)
	require.True(t, ok)
	assert.Equal(t, int64(1048576), bob.Capacity)

	require.NoError(t, r.Register(PeerRecord{Name: "carol", Role: RoleOwner, Host: "10.0.0.3", UDPPort: 5003, TCPPort: 6003}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "carol:")
	assert.Contains(t, string(data), "ipAddress: 10.0.0.3")
}

func TestYAMLStoreRejectsBadRole(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "registry.yaml", []byte("peers:\n  eve:\n    role: ROOT\n"))
	_, err := NewYAMLStore(path).LoadAll()
	assert.Error(t, err)
}
