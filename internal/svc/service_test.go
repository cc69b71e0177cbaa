package svc

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	assert.Equal(t, "p2pbackup-coordinator", DefaultServiceName(ModeServe))
	assert.Equal(t, "p2pbackup-peer", DefaultServiceName(ModePeer))
	assert.Equal(t, "coordinator.yaml", filepath.Base(DefaultConfigPath(ModeServe)))
	assert.Equal(t, "peer.yaml", filepath.Base(DefaultConfigPath(ModePeer)))
	assert.NotEqual(t, DefaultDisplayName(ModeServe), DefaultDisplayName(ModePeer))
	assert.True(t, ValidMode(ModeServe))
	assert.True(t, ValidMode(ModePeer))
	assert.False(t, ValidMode("join"))
}

func TestNewServiceConfigArguments(t *testing.T) {
	cfg := NewServiceConfig(&ServiceConfig{
		Name:       "p2pbackup-peer",
		Mode:       ModePeer,
		ConfigPath: "/etc/p2pbackup/peer.yaml",
	})

	assert.Equal(t, "p2pbackup-peer", cfg.Name)
	assert.True(t, IsServiceMode(cfg.Arguments))
	mode, path := ServiceArgs(cfg.Arguments)
	assert.Equal(t, ModePeer, mode)
	assert.Equal(t, "/etc/p2pbackup/peer.yaml", path)
}

func TestServiceArgs(t *testing.T) {
	mode, path := ServiceArgs([]string{"p2pbackup", "--service-run", "--service-mode", "serve", "-c", "c.yaml"})
	assert.Equal(t, ModeServe, mode)
	assert.Equal(t, "c.yaml", path)

	mode, path = ServiceArgs([]string{"p2pbackup", "--service-mode"})
	assert.Empty(t, mode)
	assert.Empty(t, path)

	assert.False(t, IsServiceMode([]string{"p2pbackup", "serve"}))
}

func TestProgramRunsSelectedMode(t *testing.T) {
	started := make(chan string, 1)
	run := func(name string) RunFunc {
		return func(ctx context.Context, configPath string) error {
			started <- name + ":" + configPath
			<-ctx.Done()
			return ctx.Err()
		}
	}

	prg := &Program{Mode: ModePeer, ConfigPath: "peer.yaml", RunServe: run("serve"), RunPeer: run("peer")}
	require.NoError(t, prg.Start(nil))
	assert.Equal(t, "peer:peer.yaml", <-started)
	assert.NoError(t, prg.Stop(nil), "cancellation is a clean stop")
}

func TestProgramReportsRunError(t *testing.T) {
	boom := errors.New("boom")
	prg := &Program{Mode: ModeServe, RunServe: func(context.Context, string) error { return boom }}
	require.NoError(t, prg.Start(nil))
	assert.ErrorIs(t, prg.Stop(nil), boom)
}

func TestProgramRejectsMissingRunner(t *testing.T) {
	var s service.Service
	assert.Error(t, (&Program{Mode: ModeServe}).Start(s))
	assert.Error(t, (&Program{Mode: "join", RunPeer: func(context.Context, string) error { return nil }}).Start(s))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(service.StatusRunning))
	assert.Equal(t, "stopped", StatusString(service.StatusStopped))
	assert.Equal(t, "unknown", StatusString(service.StatusUnknown))
}

func TestJournalArgs(t *testing.T) {
	args := journalArgs(LogOptions{ServiceName: "p2pbackup-peer", Lines: 10, Follow: true})
	assert.Equal(t, []string{"-u", "p2pbackup-peer", "-n", "10", "--no-pager", "-o", "cat", "-f"}, args)
	assert.Error(t, ViewLogs(LogOptions{}))
}
