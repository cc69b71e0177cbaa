package peer

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tunnelmesh/p2pbackup/internal/chunk"
	"github.com/tunnelmesh/p2pbackup/internal/protocol"
)

// RestoreResult describes a completed restore.
type RestoreResult struct {
	FileName    string
	Path        string // Where the restored file was written
	Size        int64
	Checksum    uint32
	TotalChunks int
	Mismatches  []int  // Chunks whose bytes did not match the responder's checksum
	Duration    time.Duration
}

// RestoreError is a restore that was aborted. Reason is the token reported to
// the coordinator with RESTORE_FAIL.
type RestoreError struct {
	FileName string
	Reason   string
	Err      error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore of %s failed (%s): %v", e.FileName, e.Reason, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// Restore fetches every chunk of fileName from the peers named by the
// coordinator and writes the file into the restore directory. The outcome is
// reported back with RESTORE_OK or RESTORE_FAIL.
func (a *Agent) Restore(ctx context.Context, fileName string) (*RestoreResult, error) {
	start := time.Now()
	res, err := a.restore(ctx, fileName)

	var re *RestoreError
	switch {
	case err == nil:
		res.Duration = time.Since(start)
		a.metrics.Restores.WithLabelValues("ok").Inc()
		a.report(ctx, protocol.VerbRestoreOK, fileName)
		a.logger.Info().
			Str("file", fileName).
			Str("path", res.Path).
			Int64("size", res.Size).
			Int("chunks", res.TotalChunks).
			Dur("duration", res.Duration).
			Msg("restore complete")
		return res, nil
	case errors.As(err, &re):
		a.metrics.Restores.WithLabelValues("failed").Inc()
		a.logger.Error().Err(re.Err).Str("file", fileName).Str("reason", re.Reason).Msg("restore failed")
		a.report(ctx, protocol.VerbRestoreFail, fileName, re.Reason)
		return nil, err
	default:
		// Denied or never started: nothing to report.
		a.metrics.Restores.WithLabelValues("failed").Inc()
		return nil, err
	}
}

func (a *Agent) restore(ctx context.Context, fileName string) (*RestoreResult, error) {
	if err := chunk.ValidateFileName(fileName); err != nil {
		return nil, err
	}

	reply, err := a.request(ctx, protocol.VerbRestoreReq, fileName)
	if err != nil {
		return nil, fmt.Errorf("restore request for %s: %w", fileName, err)
	}
	if err := expect(reply, protocol.VerbRestorePlan); err != nil {
		return nil, fmt.Errorf("restore of %s: %w", fileName, err)
	}

	// RESTORE_PLAN fileName [peers] chunkSize totalChunks checksum
	if err := reply.Expect(5); err != nil {
		return nil, err
	}
	peers, err1 := protocol.ParsePeerList(reply.Arg(1))
	total, err2 := reply.IntArg(3)
	want, err3 := protocol.ParseChecksum(reply.Arg(4))
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, err
	}
	if total > 0 && len(peers) == 0 {
		return nil, &RestoreError{FileName: fileName, Reason: protocol.ReasonNoAvailableStorage, Err: protocol.ErrNoAvailableStorage}
	}

	if err := os.MkdirAll(a.cfg.RestoreDir, 0755); err != nil {
		return nil, fmt.Errorf("create restore dir: %w", err)
	}
	tmp, err := os.CreateTemp(a.cfg.RestoreDir, "."+fileName+".*.part")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	res := &RestoreResult{FileName: fileName, TotalChunks: total}
	sum := crc32.NewIEEE()
	w := io.MultiWriter(tmp, sum)

	for id := 0; id < total; id++ {
		src := peers[id%len(peers)]
		got, err := a.client.Fetch(ctx, src.Endpoint(), reply.ID, fileName, id)
		if err != nil {
			return nil, &RestoreError{FileName: fileName, Reason: fetchFailureReason(id, err), Err: fmt.Errorf("chunk %d from %s: %w", id, src.Name, err)}
		}
		if !got.Verified {
			a.metrics.ChecksumMismatches.Inc()
			res.Mismatches = append(res.Mismatches, id)
			a.logger.Warn().
				Str("file", fileName).
				Int("chunk", id).
				Str("storage_peer", src.Name).
				Str("declared", protocol.FormatChecksum(got.Checksum)).
				Str("actual", protocol.FormatChecksum(protocol.Checksum(got.Data))).
				Msg("chunk checksum mismatch")
		}
		if _, err := w.Write(got.Data); err != nil {
			return nil, fmt.Errorf("write chunk %d: %w", id, err)
		}
		res.Size += int64(len(got.Data))
	}

	res.Checksum = sum.Sum32()
	if res.Checksum != want {
		return nil, &RestoreError{
			FileName: fileName,
			Reason:   protocol.ReasonFinalChecksum,
			Err:      fmt.Errorf("%w: file checksum %s, expected %s", protocol.ErrChecksumMismatch,
				protocol.FormatChecksum(res.Checksum), protocol.FormatChecksum(want)),
		}
	}

	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("sync restored file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close restored file: %w", err)
	}
	res.Path = filepath.Join(a.cfg.RestoreDir, fileName)
	if err := os.Rename(tmpPath, res.Path); err != nil {
		return nil, fmt.Errorf("rename restored file: %w", err)
	}
	committed = true
	return res, nil
}

// fetchFailureReason maps a chunk fetch error to its RESTORE_FAIL reason.
func fetchFailureReason(chunkID int, err error) string {
	switch {
	case errors.Is(err, protocol.ErrChunkNotFound):
		return protocol.ChunkNotFoundReason(chunkID)
	case errors.Is(err, chunk.ErrMismatchedResponse):
		return protocol.ReasonMismatchedChunkData
	case errors.Is(err, protocol.ErrProtocol):
		return protocol.InvalidResponseReason(chunkID)
	default:
		return protocol.NetworkErrorReason(chunkID)
	}
}

// report sends RESTORE_OK or RESTORE_FAIL. The outcome is already decided, so
// failures are only logged.
func (a *Agent) report(ctx context.Context, verb, fileName string, args ...string) {
	reply, err := a.request(ctx, verb, append([]string{fileName}, args...)...)
	if err != nil {
		a.logger.Warn().Err(err).Str("file", fileName).Str("verb", verb).Msg("failed to report restore result")
		return
	}
	if err := expect(reply, protocol.VerbRestoreConfirmed, protocol.VerbRestoreFailed); err != nil {
		a.logger.Warn().Err(err).Str("file", fileName).Str("verb", verb).Msg("restore report not acknowledged")
	}
}
