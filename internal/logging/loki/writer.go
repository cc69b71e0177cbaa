// Package loki provides a zerolog writer that ships log lines to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults applied by NewWriter.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultTimeout       = 10 * time.Second
	DefaultMaxBuffered   = 10000
	DefaultJob           = "p2pbackup"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. http://loki:3100
	Labels        map[string]string // Stream labels; "job" defaults to p2pbackup
	BatchSize     int               // Entries that trigger an early flush
	FlushInterval time.Duration
	Timeout       time.Duration     // Per push request
	MaxBuffered   int               // Oldest entries are dropped beyond this
	ErrorOutput   io.Writer         // Where push failures are reported (default stderr)
}

// Writer implements io.Writer. Lines are buffered and pushed in batches by a
// background goroutine; Write never blocks on the network and never fails.
type Writer struct {
	pushURL     string
	labels      map[string]string
	client      *http.Client
	batchSize   int
	maxBuffered int
	interval    time.Duration
	errOut      io.Writer

	mu     sync.Mutex
	buffer []entry

	trigger  chan struct{}
	flushMu  sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	pushed  atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

type entry struct {
	ts   time.Time
	line string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewWriter validates cfg and returns a writer. Call Start to begin pushing.
func NewWriter(cfg Config) (*Writer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid loki url %q", cfg.URL)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBuffered < cfg.BatchSize {
		cfg.MaxBuffered = max(DefaultMaxBuffered, cfg.BatchSize)
	}
	if cfg.ErrorOutput == nil {
		cfg.ErrorOutput = os.Stderr
	}

	labels := map[string]string{"job": DefaultJob}
	for k, v := range cfg.Labels {
		if v != "" {
			labels[k] = v
		}
	}

	return &Writer{
		pushURL:     strings.TrimRight(cfg.URL, "/") + "/loki/api/v1/push",
		labels:      labels,
		client:      &http.Client{Timeout: cfg.Timeout},
		batchSize:   cfg.BatchSize,
		maxBuffered: cfg.MaxBuffered,
		interval:    cfg.FlushInterval,
		errOut:      cfg.ErrorOutput,
		buffer:      make([]entry, 0, cfg.BatchSize),
		trigger:     make(chan struct{}, 1),
	}, nil
}

// Write buffers one log line. zerolog reuses p, so it is copied.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	if len(w.buffer) >= w.maxBuffered {
		w.buffer = w.buffer[1:]
		w.dropped.Add(1)
	}
	w.buffer = append(w.buffer, entry{ts: time.Now(), line: line})
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start launches the flush loop.
func (w *Writer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-w.trigger:
			}
			w.report(w.Flush(ctx))
		}
	}()
}

// Stop ends the flush loop and pushes whatever is still buffered.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
		defer cancel()
		w.report(w.Flush(ctx))
	})
}

// Flush pushes the buffered lines now. Lines of a failed push are not retried.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	labels := make(map[string]string, len(w.labels))
	for k, v := range w.labels {
		labels[k] = v
	}
	w.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	values := make([][2]string, len(entries))
	for i, e := range entries {
		values[i] = [2]string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line}
	}
	body, err := json.Marshal(pushRequest{Streams: []stream{{Stream: labels, Values: values}}})
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.pushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push %d lines: %w", len(entries), err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push %d lines: loki returned %s", len(entries), resp.Status)
	}
	w.pushed.Add(uint64(len(entries)))
	return nil
}

// report prints the first few push failures. Logging them through zerolog
// would feed them back into this writer.
func (w *Writer) report(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if n := w.failed.Add(1); n <= 3 {
		_, _ = fmt.Fprintf(w.errOut, "loki: %v\n", err)
	}
}

// SetLabels merges labels into the stream labels of future pushes.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range labels {
		w.labels[k] = v
	}
}

// Stats reports lines pushed, lines dropped on overflow, and failed pushes.
func (w *Writer) Stats() (pushed, dropped, failures uint64) {
	return w.pushed.Load(), w.dropped.Load(), w.failed.Load()
}
