package chunk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/p2pbackup/internal/protocol"
	"github.com/tunnelmesh/p2pbackup/testutil"
)

func newTestStore(t *testing.T) *DiskStore {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)
	s, err := NewDiskStore(dir)
	require.NoError(t, err)
	return s
}

func TestDiskStorePutGet(t *testing.T) {
	s := newTestStore(t)
	data := testutil.RandomBytes(t, 4096)

	require.NoError(t, s.Put("report.pdf", 2, data))

	got, err := s.Get("report.pdf", 2)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, s.Has("report.pdf", 2))
	assert.False(t, s.Has("report.pdf", 3))
	assert.Equal(t, 1, s.Count())

	_, err = os.Stat(filepath.Join(s.Dir(), "report.pdf", "chunk2"))
	assert.NoError(t, err)
}

func TestDiskStoreOverwrite(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("f", 0, []byte("first")))
	require.NoError(t, s.Put("f", 0, []byte("second")))

	got, err := s.Get("f", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
	assert.Equal(t, 1, s.Count())
}

func TestDiskStoreMissingChunk(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("nothing", 0)
	assert.ErrorIs(t, err, protocol.ErrChunkNotFound)
}

func TestDiskStoreDetectsCorruption(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("f", 1, []byte("some chunk bytes")))

	path := filepath.Join(s.Dir(), "f", "chunk1")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[0] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0644))

	_, err = s.Get("f", 1)
	assert.ErrorIs(t, err, protocol.ErrChecksumMismatch)
}

func TestDiskStoreTruncatedFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("f", 0, []byte("abc")))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "f", "chunk0"), []byte{1, 2}, 0644))

	_, err := s.Get("f", 0)
	assert.ErrorIs(t, err, protocol.ErrChecksumMismatch)
}

func TestDiskStoreReindexesOnOpen(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("a", 0, []byte("x")))
	require.NoError(t, s.Put("a", 1, []byte("y")))
	require.NoError(t, s.Put("b", 7, []byte("z")))

	reopened, err := NewDiskStore(s.Dir())
	require.NoError(t, err)
	assert.Equal(t, 3, reopened.Count())
	assert.True(t, reopened.Has("b", 7))
}

func TestValidateFileName(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "two words", "tab\tname"} {
		assert.ErrorIs(t, ValidateFileName(name), protocol.ErrProtocol, "name %q", name)
	}
	for _, name := range []string{"report.pdf", "backup-2024_01.tar.gz", "..hidden"} {
		assert.NoError(t, ValidateFileName(name), "name %q", name)
	}
}

func TestDiskStoreRejectsEscapingName(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.Put("../evil", 0, []byte("x")), protocol.ErrProtocol)
}
