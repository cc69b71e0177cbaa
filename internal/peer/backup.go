package peer

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tunnelmesh/p2pbackup/internal/chunk"
	"github.com/tunnelmesh/p2pbackup/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// BackupResult describes a completed backup.
type BackupResult struct {
	FileName    string
	Size        int64
	Checksum    uint32
	ChunkSize   int
	TotalChunks int
	Peers       []protocol.PeerAddr // Chunk i went to Peers[i % len(Peers)]
	Duration    time.Duration
}

// BackupError reports the chunk whose transfer exhausted its retry budget.
type BackupError struct {
	FileName string
	ChunkID  int
	Peer     string
	Err      error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("backup of %s aborted: chunk %d to peer %s: %v", e.FileName, e.ChunkID, e.Peer, e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }

// Backup uploads the file at path. The coordinator decides the peers and the
// chunk size; chunk i goes to the i-th peer of the plan modulo its length.
// The first chunk that fails its retry budget aborts the whole backup.
func (a *Agent) Backup(ctx context.Context, path string) (*BackupResult, error) {
	start := time.Now()
	res, err := a.backup(ctx, path)
	if err != nil {
		a.metrics.Backups.WithLabelValues("failed").Inc()
		return nil, err
	}
	res.Duration = time.Since(start)
	a.metrics.Backups.WithLabelValues("ok").Inc()

	a.logger.Info().
		Str("file", res.FileName).
		Int64("size", res.Size).
		Int("chunks", res.TotalChunks).
		Str("peers", protocol.FormatPeerList(res.Peers)).
		Dur("duration", res.Duration).
		Msg("backup complete")
	return res, nil
}

func (a *Agent) backup(ctx context.Context, path string) (*BackupResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	fileName := filepath.Base(path)
	if err := chunk.ValidateFileName(fileName); err != nil {
		return nil, err
	}

	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("checksum %s: %w", path, err)
	}
	res := &BackupResult{
		FileName: fileName,
		Size:     info.Size(),
		Checksum: h.Sum32(),
	}

	reply, err := a.request(ctx, protocol.VerbBackupReq,
		fileName,
		strconv.FormatInt(res.Size, 10),
		protocol.FormatChecksum(res.Checksum),
		strconv.Itoa(chunk.ClampChunkSize(a.cfg.ChunkSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("backup request for %s: %w", fileName, err)
	}
	if err := expect(reply, protocol.VerbBackupPlan); err != nil {
		return nil, fmt.Errorf("backup of %s: %w", fileName, err)
	}

	// BACKUP_PLAN fileName [peers] chunkSize
	if err := reply.Expect(3); err != nil {
		return nil, err
	}
	peers, err := protocol.ParsePeerList(reply.Arg(1))
	if err != nil {
		return nil, err
	}
	chunkSize, err := reply.IntArg(2)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d", protocol.ErrProtocol, chunkSize)
	}
	res.Peers = peers
	res.ChunkSize = chunkSize
	res.TotalChunks = totalChunks(res.Size, chunkSize)
	if res.TotalChunks > 0 && len(peers) == 0 {
		return nil, fmt.Errorf("backup of %s: %w", fileName, protocol.ErrNoAvailableStorage)
	}

	a.logger.Info().
		Str("file", fileName).
		Int("chunks", res.TotalChunks).
		Int("chunk_size", chunkSize).
		Str("peers", protocol.FormatPeerList(peers)).
		Msg("backup plan received")

	if err := a.sendChunks(ctx, f, reply.ID, res); err != nil {
		return nil, err
	}

	done, err := a.request(ctx, protocol.VerbBackupDone, fileName)
	if err != nil {
		return nil, fmt.Errorf("backup done for %s: %w", fileName, err)
	}
	if err := expect(done, protocol.VerbBackupDone); err != nil {
		return nil, fmt.Errorf("backup done for %s: %w", fileName, err)
	}
	return res, nil
}

// sendChunks stores every chunk of f on its peer. Chunks for one peer go out
// in order; different peers run concurrently when parallel sends are enabled.
func (a *Agent) sendChunks(ctx context.Context, f io.ReaderAt, requestID uint64, res *BackupResult) error {
	byPeer := make([][]int, len(res.Peers))
	for id := 0; id < res.TotalChunks; id++ {
		i := id % len(res.Peers)
		byPeer[i] = append(byPeer[i], id)
	}

	g, gctx := errgroup.WithContext(ctx)
	if !a.cfg.ParallelSends {
		g.SetLimit(1)
	}
	for i, ids := range byPeer {
		if len(ids) == 0 {
			continue
		}
		target := res.Peers[i]
		g.Go(func() error {
			for _, id := range ids {
				if err := gctx.Err(); err != nil {
					return err
				}
				data, err := readChunk(f, res.Size, res.ChunkSize, id)
				if err != nil {
					return &BackupError{FileName: res.FileName, ChunkID: id, Peer: target.Name, Err: err}
				}
				if err := a.client.Store(gctx, target.Endpoint(), requestID, res.FileName, id, data); err != nil {
					return &BackupError{FileName: res.FileName, ChunkID: id, Peer: target.Name, Err: err}
				}
				a.metrics.ChunksSent.Inc()
				a.metrics.BytesSent.Add(float64(len(data)))
				a.logger.Debug().Str("file", res.FileName).Int("chunk", id).Str("storage_peer", target.Name).Msg("chunk stored remotely")
			}
			return nil
		})
	}

	err := g.Wait()
	var be *BackupError
	if errors.As(err, &be) {
		a.logger.Error().Err(be.Err).Str("file", be.FileName).Int("chunk", be.ChunkID).Str("storage_peer", be.Peer).Msg("backup aborted")
	}
	return err
}

// readChunk reads chunk id of a file of the given size.
func readChunk(f io.ReaderAt, size int64, chunkSize, id int) ([]byte, error) {
	off := int64(id) * int64(chunkSize)
	n := int64(chunkSize)
	if off+n > size {
		n = size - off
	}
	buf := make([]byte, n)
	read, err := f.ReadAt(buf, off)
	if err != nil && !(errors.Is(err, io.EOF) && int64(read) == n) {
		return nil, fmt.Errorf("read chunk %d: %w", id, err)
	}
	return buf, nil
}

func totalChunks(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}
