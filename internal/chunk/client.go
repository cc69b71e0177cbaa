package chunk

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/p2pbackup/internal/protocol"
)

// ErrMismatchedResponse is returned by Fetch when the responder answers for a
// different file or chunk than the one requested.
var ErrMismatchedResponse = fmt.Errorf("%w: mismatched CHUNK_DATA", protocol.ErrProtocol)

// ClientConfig configures a Client.
type ClientConfig struct {
	ConnectTimeout time.Duration // Dial timeout (default: 10s)
	AckTimeout     time.Duration // Wait for CHUNK_OK after a store (default: 5s)
	ReadTimeout    time.Duration // Deadline for fetch and replicate exchanges (default: 15s)
	Retries        int           // Attempts per stored chunk (default: 3)
	RetryBackoff   time.Duration // Pause between store attempts (default: 100ms)
	Logger         zerolog.Logger

	// OnRetry, if set, is called before every store attempt after the first.
	OnRetry func(fileName string, chunkID int, attempt int)
}

// Client performs chunk transfers against remote chunk servers.
// Every call opens its own connection.
type Client struct {
	cfg    ClientConfig
	logger zerolog.Logger
	dialer net.Dialer
}

// FetchResult is a chunk retrieved from a storage peer.
type FetchResult struct {
	Data     []byte
	Checksum uint32 // Checksum declared by the responder
	Verified bool   // Whether Data matches Checksum
}

// NewClient creates a chunk transfer client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "chunk-client").Logger(),
		dialer: net.Dialer{Timeout: cfg.ConnectTimeout},
	}
}

// Store pushes one chunk to addr, retrying with a fresh connection until the
// retry budget is exhausted. The returned error wraps the last failure.
func (c *Client) Store(ctx context.Context, addr string, requestID uint64, fileName string, chunkID int, data []byte) error {
	header := StoreHeader{
		RequestID: requestID,
		FileName:  fileName,
		ChunkID:   chunkID,
		Size:      len(data),
		Checksum:  protocol.Checksum(data),
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 1 {
			if c.cfg.OnRetry != nil {
				c.cfg.OnRetry(fileName, chunkID, attempt)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("store chunk %d: %w: %v", chunkID, protocol.ErrCancelled, ctx.Err())
			case <-time.After(c.cfg.RetryBackoff):
			}
		}

		lastErr = c.storeOnce(ctx, addr, header, data)
		if lastErr == nil {
			return nil
		}
		c.logger.Warn().Err(lastErr).
			Str("addr", addr).
			Str("file", fileName).
			Int("chunk", chunkID).
			Int("attempt", attempt).
			Msg("chunk store attempt failed")
	}
	return fmt.Errorf("store chunk %d to %s after %d attempts: %w", chunkID, addr, c.cfg.Retries, lastErr)
}

func (c *Client) storeOnce(ctx context.Context, addr string, h StoreHeader, data []byte) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := writeFrame(conn, h.String(), data); err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.AckTimeout))
	fields, err := readHeader(bufio.NewReader(conn))
	if err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	return parseAck(fields, protocol.VerbChunkOK, h.ChunkID)
}

// Replicate copies one chunk to addr on the server's behalf. It does not retry.
func (c *Client) Replicate(ctx context.Context, addr, fileName string, chunkID int, data []byte) error {
	h := ReplicateHeader{
		FileName: fileName,
		ChunkID:  chunkID,
		Size:     len(data),
		Checksum: protocol.Checksum(data),
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(c.cfg.ReadTimeout))

	if err := writeFrame(conn, h.String(), data); err != nil {
		return err
	}
	fields, err := readHeader(bufio.NewReader(conn))
	if err != nil {
		return fmt.Errorf("read replicate ack: %w", err)
	}
	return parseAck(fields, protocol.VerbReplicateOK, chunkID)
}

// Fetch retrieves one chunk from addr. A missing chunk yields ErrChunkNotFound.
// A checksum mismatch is not an error; it is reported through FetchResult.Verified.
func (c *Client) Fetch(ctx context.Context, addr string, requestID uint64, fileName string, chunkID int) (*FetchResult, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(c.cfg.ReadTimeout))

	req := GetChunkHeader{RequestID: requestID, FileName: fileName, ChunkID: chunkID}
	if _, err := io.WriteString(conn, req.String()); err != nil {
		return nil, fmt.Errorf("send GET_CHUNK: %w", err)
	}

	r := bufio.NewReader(conn)
	fields, err := readHeader(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: connection closed before CHUNK_DATA", protocol.ErrProtocol)
		}
		return nil, fmt.Errorf("read CHUNK_DATA: %w", err)
	}
	h, err := parseChunkDataHeader(fields)
	if err != nil {
		return nil, err
	}
	if h.FileName != fileName || h.ChunkID != chunkID {
		return nil, fmt.Errorf("%w: asked for %s/%d, got %s/%d", ErrMismatchedResponse, fileName, chunkID, h.FileName, h.ChunkID)
	}
	if h.Missing {
		return nil, fmt.Errorf("%w: %s/%d at %s", protocol.ErrChunkNotFound, fileName, chunkID, addr)
	}

	data, err := io.ReadAll(io.LimitReader(r, MaxChunkSize+1))
	if err != nil {
		return nil, fmt.Errorf("read chunk bytes: %w", err)
	}
	if len(data) > MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk exceeds %d bytes", protocol.ErrProtocol, MaxChunkSize)
	}

	return &FetchResult{
		Data:     data,
		Checksum: h.Checksum,
		Verified: protocol.Checksum(data) == h.Checksum,
	}, nil
}

// Probe reports whether a TCP connection to addr can be opened within timeout.
func Probe(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func writeFrame(w io.Writer, header string, data []byte) error {
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("send header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("send chunk bytes: %w", err)
	}
	return nil
}

// parseAck accepts "<okVerb> <chunkId>" and turns CHUNK_ERROR into the matching sentinel.
func parseAck(fields []string, okVerb string, chunkID int) error {
	switch fields[0] {
	case okVerb:
		if len(fields) < 2 {
			return fmt.Errorf("%w: short %s", protocol.ErrProtocol, okVerb)
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil || id != chunkID {
			return fmt.Errorf("%w: %s for chunk %s, want %d", protocol.ErrProtocol, okVerb, fields[1], chunkID)
		}
		return nil
	case protocol.VerbChunkError:
		reason := fields[len(fields)-1]
		if sentinel := protocol.ErrorFor(reason); sentinel != nil {
			return fmt.Errorf("chunk %d rejected: %w", chunkID, sentinel)
		}
		return fmt.Errorf("chunk %d rejected: %s", chunkID, reason)
	default:
		return fmt.Errorf("%w: unexpected ack %q", protocol.ErrProtocol, fields[0])
	}
}
