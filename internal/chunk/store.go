// Package chunk stores chunks on local disk and moves them between peers over TCP.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/tunnelmesh/p2pbackup/internal/protocol"
)

// Store is the byte-level contract a peer's chunk storage must satisfy.
type Store interface {
	Put(fileName string, chunkID int, data []byte) error
	Get(fileName string, chunkID int) ([]byte, error)
	Has(fileName string, chunkID int) bool
	Count() int
}

type key struct {
	file string
	id   int
}

const chunkPrefix = "chunk"

// DiskStore keeps each chunk at dir/<fileName>/chunk<id>.
//
// On disk a chunk is a 4-byte big-endian CRC32 of the plaintext followed by a
// zstd frame. Get recomputes the CRC after decompression and fails with
// ErrChecksumMismatch when it differs.
type DiskStore struct {
	dir string

	encoderPool sync.Pool
	decoderPool sync.Pool

	mu    sync.RWMutex
	index map[key]struct{}
}

// NewDiskStore opens (creating if needed) a store rooted at dir and indexes existing chunks.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	s := &DiskStore{
		dir:   dir,
		index: make(map[key]struct{}),
	}
	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	s.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}

	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the storage root.
func (s *DiskStore) Dir() string {
	return s.dir
}

// Put writes a chunk atomically, replacing any previous copy.
func (s *DiskStore) Put(fileName string, chunkID int, data []byte) error {
	if err := ValidateFileName(fileName); err != nil {
		return err
	}

	enc := s.encoderPool.Get().(*zstd.Encoder)
	frame := make([]byte, 4, 4+len(data)/2)
	binary.BigEndian.PutUint32(frame, protocol.Checksum(data))
	frame = enc.EncodeAll(data, frame)
	s.encoderPool.Put(enc)

	folder := filepath.Join(s.dir, fileName)
	if err := os.MkdirAll(folder, 0755); err != nil {
		return fmt.Errorf("%w: create chunk dir: %v", protocol.ErrStorageFailed, err)
	}

	tmpFile, err := os.CreateTemp(folder, ".chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", protocol.ErrStorageFailed, err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(frame); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: write chunk: %v", protocol.ErrStorageFailed, err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: close temp file: %v", protocol.ErrStorageFailed, err)
	}
	if err := os.Rename(tmpPath, s.path(fileName, chunkID)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: rename chunk: %v", protocol.ErrStorageFailed, err)
	}

	s.mu.Lock()
	s.index[key{fileName, chunkID}] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Get reads and verifies a chunk.
func (s *DiskStore) Get(fileName string, chunkID int) ([]byte, error) {
	if err := ValidateFileName(fileName); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(s.path(fileName, chunkID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%d", protocol.ErrChunkNotFound, fileName, chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk: %w", err)
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: %s/%d truncated", protocol.ErrChecksumMismatch, fileName, chunkID)
	}

	dec := s.decoderPool.Get().(*zstd.Decoder)
	data, err := dec.DecodeAll(raw[4:], nil)
	s.decoderPool.Put(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%d: %v", protocol.ErrChecksumMismatch, fileName, chunkID, err)
	}

	if protocol.Checksum(data) != binary.BigEndian.Uint32(raw[:4]) {
		return nil, fmt.Errorf("%w: %s/%d", protocol.ErrChecksumMismatch, fileName, chunkID)
	}
	return data, nil
}

// Has reports whether the chunk is present.
func (s *DiskStore) Has(fileName string, chunkID int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[key{fileName, chunkID}]
	return ok
}

// Count returns the number of distinct chunks held.
func (s *DiskStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

func (s *DiskStore) path(fileName string, chunkID int) string {
	return filepath.Join(s.dir, fileName, chunkPrefix+strconv.Itoa(chunkID))
}

func (s *DiskStore) scan() error {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan storage dir: %w", err)
	}
	for _, f := range files {
		if !f.IsDir() {
			continue
		}
		chunks, err := os.ReadDir(filepath.Join(s.dir, f.Name()))
		if err != nil {
			return fmt.Errorf("scan %s: %w", f.Name(), err)
		}
		for _, c := range chunks {
			name := c.Name()
			if c.IsDir() || !strings.HasPrefix(name, chunkPrefix) {
				continue
			}
			id, err := strconv.Atoi(strings.TrimPrefix(name, chunkPrefix))
			if err != nil {
				continue
			}
			s.index[key{f.Name(), id}] = struct{}{}
		}
	}
	return nil
}

// ValidateFileName rejects names that would escape the storage root or break
// the space separated wire format.
func ValidateFileName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\ \t\r\n") {
		return fmt.Errorf("%w: invalid file name %q", protocol.ErrProtocol, name)
	}
	return nil
}
