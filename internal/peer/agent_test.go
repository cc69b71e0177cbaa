package peer

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/p2pbackup/internal/config"
	"github.com/tunnelmesh/p2pbackup/internal/coord"
	"github.com/tunnelmesh/p2pbackup/internal/protocol"
	"github.com/tunnelmesh/p2pbackup/pkg/bytesize"
	"github.com/tunnelmesh/p2pbackup/testutil"
)

func newCoordinator(t *testing.T, opts ...coord.Option) *coord.Server {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.SweepInterval = config.Duration(time.Hour)

	srv, err := coord.NewServer(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func testAgentConfig(t *testing.T, srv *coord.Server, name, role string, capacity int64) *config.PeerConfig {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)

	cfg := &config.PeerConfig{
		Name:            name,
		Role:            role,
		IP:              "127.0.0.1",
		Capacity:        bytesize.Size(capacity),
		Server:          srv.Addr().String(),
		StorageDir:      filepath.Join(dir, "storage"),
		RestoreDir:      filepath.Join(dir, "restored"),
		StoreRetries:    2,
		ConnectTimeout:  config.Duration(time.Second),
		StoreAckTimeout: config.Duration(2 * time.Second),
		ReadTimeout:     config.Duration(2 * time.Second),
	}
	cfg.ApplyDefaults()
	return cfg
}

// startAgent starts and registers an agent against srv.
func startAgent(t *testing.T, srv *coord.Server, name, role string, capacity int64) *Agent {
	t.Helper()
	return startAgentWithConfig(t, testAgentConfig(t, srv, name, role, capacity))
}

func startAgentWithConfig(t *testing.T, cfg *config.PeerConfig) *Agent {
	t.Helper()
	a, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop() })
	require.NoError(t, a.Register(context.Background()))
	return a
}

func TestAgentRegistration(t *testing.T) {
	srv := newCoordinator(t)
	bob := startAgent(t, srv, "bob", "STORAGE", 4096)

	assert.True(t, bob.Registered())
	rec, ok := srv.Registry().LookupByName("bob")
	require.True(t, ok)
	assert.Equal(t, bob.ControlAddr().(*net.UDPAddr).Port, rec.UDPPort)
	assert.Equal(t, bob.DataAddr().Port, rec.TCPPort)
	assert.NotZero(t, rec.TCPPort, "storage peers advertise their bound chunk port")
	assert.Equal(t, int64(4096), rec.Capacity)

	// A second agent under the same name is refused.
	dup, err := New(testAgentConfig(t, srv, "bob", "STORAGE", 100), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, dup.Start(context.Background()))
	defer func() { _ = dup.Stop() }()
	err = dup.Register(context.Background())
	assert.ErrorIs(t, err, protocol.ErrDuplicateName)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, protocol.ReasonDuplicateName, denied.Reason)

	require.NoError(t, bob.Deregister(context.Background()))
	assert.False(t, bob.Registered())
	assert.Equal(t, 0, srv.Registry().Len())
}

func TestAgentOwnerHasNoChunkServer(t *testing.T) {
	srv := newCoordinator(t)
	alice := startAgent(t, srv, "alice", "OWNER", 0)

	assert.Nil(t, alice.chunks)
	rec, ok := srv.Registry().LookupByName("alice")
	require.True(t, ok)
	assert.Equal(t, 0, rec.TCPPort)
}

func TestAgentNotStarted(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	cfg := &config.PeerConfig{Name: "alice", Role: "OWNER", StorageDir: dir}
	cfg.ApplyDefaults()

	a, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.ErrorIs(t, a.Register(context.Background()), ErrNotStarted)
}

func TestAgentRejectsInvalidRole(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	cfg := &config.PeerConfig{Name: "alice", Role: "ARCHIVER", StorageDir: dir}

	_, err := New(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestPeerDirectoryFollowsAnnouncements(t *testing.T) {
	srv := newCoordinator(t)
	bob := startAgent(t, srv, "bob", "STORAGE", 100)
	alice := startAgent(t, srv, "alice", "OWNER", 0)
	carol := startAgent(t, srv, "carol", "BOTH", 100)

	testutil.Eventually(t, 2*time.Second, func() bool { return alice.Directory().Len() == 2 }, "alice never learned both storage peers")
	got, ok := alice.Directory().Lookup("bob")
	require.True(t, ok)
	assert.Equal(t, bob.DataAddr(), got)

	testutil.Eventually(t, 2*time.Second, func() bool {
		_, ok := carol.Directory().Lookup("bob")
		return ok
	}, "carol never learned about bob")
	_, ok = bob.Directory().Lookup("alice")
	assert.False(t, ok, "owners are not announced")

	require.NoError(t, bob.Deregister(context.Background()))
	testutil.Eventually(t, 2*time.Second, func() bool {
		_, ok := alice.Directory().Lookup("bob")
		return !ok
	}, "bob never removed from alice's directory")
}

func TestPushFromUnknownSenderIgnored(t *testing.T) {
	srv := newCoordinator(t)
	alice := startAgent(t, srv, "alice", "OWNER", 0)

	conn := testutil.ListenUDP(t)
	defer func() { _ = conn.Close() }()
	msg := protocol.NewMessage(protocol.VerbPeerInfo, 99, "mallory", "127.0.0.1", "6666")
	_, err := conn.WriteTo(msg.Bytes(), alice.ControlAddr())
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	_, ok := alice.Directory().Lookup("mallory")
	assert.False(t, ok)
}

func TestHeartbeat(t *testing.T) {
	srv := newCoordinator(t)
	bob := startAgent(t, srv, "bob", "STORAGE", 4096)
	require.NoError(t, bob.Store().Put("f", 0, []byte("chunk")))

	require.NoError(t, bob.PerformHeartbeat(context.Background()))
	rec, _ := srv.Registry().LookupByName("bob")
	assert.Equal(t, 1, rec.ChunksStored)
	assert.Greater(t, bob.GetLastRTT(), time.Duration(0))
}

func TestHeartbeatStopsWhenForgotten(t *testing.T) {
	srv := newCoordinator(t)
	cfg := testAgentConfig(t, srv, "bob", "STORAGE", 4096)
	cfg.HeartbeatInterval = config.Duration(20 * time.Millisecond)
	bob := startAgentWithConfig(t, cfg)

	// The coordinator drops bob, e.g. after declaring it failed.
	_, err := srv.Registry().Deregister("bob")
	require.NoError(t, err)

	err = bob.PerformHeartbeat(context.Background())
	assert.ErrorIs(t, err, protocol.ErrNotRegistered)
	assert.False(t, bob.Registered())

	done := make(chan error, 1)
	go func() { done <- bob.RunHeartbeat(context.Background()) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, protocol.ErrNotRegistered)
	case <-time.After(3 * time.Second):
		t.Fatal("heartbeat loop kept running after rejection")
	}
}

func TestRunHeartbeatStopsOnCancel(t *testing.T) {
	srv := newCoordinator(t)
	cfg := testAgentConfig(t, srv, "bob", "STORAGE", 4096)
	cfg.HeartbeatInterval = config.Duration(10 * time.Millisecond)
	bob := startAgentWithConfig(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bob.RunHeartbeat(ctx) }()

	testutil.Eventually(t, 2*time.Second, func() bool { return bob.GetLastRTT() > 0 }, "no heartbeat acknowledged")
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat loop ignored cancellation")
	}
}

func TestAgentAdminEndpoint(t *testing.T) {
	srv := newCoordinator(t)
	cfg := testAgentConfig(t, srv, "admin-bob", "STORAGE", 4096)
	cfg.MetricsListen = "127.0.0.1:0"
	bob := startAgentWithConfig(t, cfg)
	require.NoError(t, bob.Store().Put("f", 0, []byte("chunk")))

	base := "http://" + bob.AdminAddr().String()
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	_ = resp.Body.Close()
	assert.Equal(t, Status{Name: "admin-bob", Role: "STORAGE", Registered: true, Chunks: 1}, status)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `p2pbackup_peer_info{peer="admin-bob",role="STORAGE"} 1`)

	resp, err = http.Get(base + "/debug/trace")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "tracing is off unless enabled")
}
