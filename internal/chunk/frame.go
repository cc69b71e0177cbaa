package chunk

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tunnelmesh/p2pbackup/internal/protocol"
)

// Chunk size bounds. Requested sizes are clamped into this range.
const (
	MinChunkSize = 1024
	MaxChunkSize = 1024 * 1024
)

// ClampChunkSize forces size into [MinChunkSize, MaxChunkSize].
func ClampChunkSize(size int) int {
	if size < MinChunkSize {
		return MinChunkSize
	}
	if size > MaxChunkSize {
		return MaxChunkSize
	}
	return size
}

// StoreHeader precedes chunk bytes on the store path:
//
//	<requestId> <fileName> <chunkId> <chunkSize> <crc32Hex>
type StoreHeader struct {
	RequestID uint64
	FileName  string
	ChunkID   int
	Size      int
	Checksum  uint32
}

func (h StoreHeader) String() string {
	return fmt.Sprintf("%d %s %d %d %s\n", h.RequestID, h.FileName, h.ChunkID, h.Size, protocol.FormatChecksum(h.Checksum))
}

// ReplicateHeader precedes chunk bytes on the replicate path:
//
//	REPLICATE_CHUNK <fileName> <chunkId> <chunkSize> <crc32Hex>
type ReplicateHeader struct {
	FileName string
	ChunkID  int
	Size     int
	Checksum uint32
}

func (h ReplicateHeader) String() string {
	return fmt.Sprintf("%s %s %d %d %s\n", protocol.VerbReplicateChunk, h.FileName, h.ChunkID, h.Size, protocol.FormatChecksum(h.Checksum))
}

// GetChunkHeader requests a chunk on the fetch path:
//
//	GET_CHUNK <requestId> <fileName> <chunkId>
type GetChunkHeader struct {
	RequestID uint64
	FileName  string
	ChunkID   int
}

func (h GetChunkHeader) String() string {
	return fmt.Sprintf("%s %d %s %d\n", protocol.VerbGetChunk, h.RequestID, h.FileName, h.ChunkID)
}

// ChunkDataHeader answers a GET_CHUNK. Missing is set when the checksum field
// carries the not-found marker, in which case no bytes follow.
//
//	CHUNK_DATA <requestId> <fileName> <chunkId> <crc32Hex|ERROR>
type ChunkDataHeader struct {
	RequestID uint64
	FileName  string
	ChunkID   int
	Checksum  uint32
	Missing   bool
}

func (h ChunkDataHeader) String() string {
	sum := protocol.FormatChecksum(h.Checksum)
	if h.Missing {
		sum = protocol.ChunkMissingMarker
	}
	return fmt.Sprintf("%s %d %s %d %s\n", protocol.VerbChunkData, h.RequestID, h.FileName, h.ChunkID, sum)
}

// readHeader reads one newline-terminated header line and splits it into fields.
// The line must fit in the reader's buffer.
func readHeader(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return nil, fmt.Errorf("%w: header too long", protocol.ErrProtocol)
	}
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty header", protocol.ErrProtocol)
	}
	return fields, nil
}

func parseStoreHeader(f []string) (StoreHeader, error) {
	if len(f) < 5 {
		return StoreHeader{}, fmt.Errorf("%w: store header has %d fields", protocol.ErrProtocol, len(f))
	}
	rq, err := strconv.ParseUint(f[0], 10, 64)
	if err != nil {
		return StoreHeader{}, fmt.Errorf("%w: bad request id %q", protocol.ErrProtocol, f[0])
	}
	id, size, sum, err := parseChunkFields(f[2], f[3], f[4])
	if err != nil {
		return StoreHeader{}, err
	}
	return StoreHeader{RequestID: rq, FileName: f[1], ChunkID: id, Size: size, Checksum: sum}, nil
}

func parseReplicateHeader(f []string) (ReplicateHeader, error) {
	if len(f) < 5 || f[0] != protocol.VerbReplicateChunk {
		return ReplicateHeader{}, fmt.Errorf("%w: bad replicate header", protocol.ErrProtocol)
	}
	id, size, sum, err := parseChunkFields(f[2], f[3], f[4])
	if err != nil {
		return ReplicateHeader{}, err
	}
	return ReplicateHeader{FileName: f[1], ChunkID: id, Size: size, Checksum: sum}, nil
}

func parseGetChunkHeader(f []string) (GetChunkHeader, error) {
	if len(f) < 4 || f[0] != protocol.VerbGetChunk {
		return GetChunkHeader{}, fmt.Errorf("%w: bad GET_CHUNK header", protocol.ErrProtocol)
	}
	rq, err := strconv.ParseUint(f[1], 10, 64)
	if err != nil {
		return GetChunkHeader{}, fmt.Errorf("%w: bad request id %q", protocol.ErrProtocol, f[1])
	}
	id, err := strconv.Atoi(f[3])
	if err != nil || id < 0 {
		return GetChunkHeader{}, fmt.Errorf("%w: bad chunk id %q", protocol.ErrProtocol, f[3])
	}
	return GetChunkHeader{RequestID: rq, FileName: f[2], ChunkID: id}, nil
}

func parseChunkDataHeader(f []string) (ChunkDataHeader, error) {
	if len(f) < 5 || f[0] != protocol.VerbChunkData {
		return ChunkDataHeader{}, fmt.Errorf("%w: bad CHUNK_DATA header", protocol.ErrProtocol)
	}
	rq, err := strconv.ParseUint(f[1], 10, 64)
	if err != nil {
		return ChunkDataHeader{}, fmt.Errorf("%w: bad request id %q", protocol.ErrProtocol, f[1])
	}
	id, err := strconv.Atoi(f[3])
	if err != nil {
		return ChunkDataHeader{}, fmt.Errorf("%w: bad chunk id %q", protocol.ErrProtocol, f[3])
	}
	h := ChunkDataHeader{RequestID: rq, FileName: f[2], ChunkID: id}
	if strings.EqualFold(f[4], protocol.ChunkMissingMarker) {
		h.Missing = true
		return h, nil
	}
	if h.Checksum, err = protocol.ParseChecksum(f[4]); err != nil {
		return ChunkDataHeader{}, err
	}
	return h, nil
}

func parseChunkFields(idField, sizeField, sumField string) (id, size int, sum uint32, err error) {
	if id, err = strconv.Atoi(idField); err != nil || id < 0 {
		return 0, 0, 0, fmt.Errorf("%w: bad chunk id %q", protocol.ErrProtocol, idField)
	}
	if size, err = strconv.Atoi(sizeField); err != nil || size < 0 || size > MaxChunkSize {
		return 0, 0, 0, fmt.Errorf("%w: bad chunk size %q", protocol.ErrProtocol, sizeField)
	}
	if sum, err = protocol.ParseChecksum(sumField); err != nil {
		return 0, 0, 0, err
	}
	return id, size, sum, nil
}
