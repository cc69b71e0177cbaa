// Package tracing keeps a rolling runtime trace in a flight recorder and
// serves snapshots of it over HTTP.
package tracing

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/trace"
	"sync"
	"time"
)

// Defaults for Enable.
const (
	DefaultMaxBytes = 10 << 20
	DefaultMinAge   = 30 * time.Second
)

// ErrNotEnabled is returned by Snapshot while no recorder is running.
var ErrNotEnabled = errors.New("tracing not enabled")

// The runtime allows a single active flight recorder per process, so the
// recorder is package state shared by every admin endpoint.
var (
	mu       sync.Mutex
	recorder *trace.FlightRecorder
)

// Enable starts the flight recorder. It is a no-op if one is already running.
func Enable(maxBytes int, minAge time.Duration) error {
	mu.Lock()
	defer mu.Unlock()

	if recorder != nil {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if minAge <= 0 {
		minAge = DefaultMinAge
	}

	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   minAge,
		MaxBytes: uint64(maxBytes),
	})
	if err := fr.Start(); err != nil {
		return fmt.Errorf("start flight recorder: %w", err)
	}
	recorder = fr
	return nil
}

// Enabled reports whether the recorder is running.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return recorder != nil
}

// Snapshot writes the recorded window to w in `go tool trace` format.
func Snapshot(w io.Writer) error {
	mu.Lock()
	defer mu.Unlock()

	if recorder == nil {
		return ErrNotEnabled
	}
	_, err := recorder.WriteTo(w)
	return err
}

// Disable stops the recorder. Safe to call when it is not running.
func Disable() {
	mu.Lock()
	defer mu.Unlock()

	if recorder != nil {
		recorder.Stop()
		recorder = nil
	}
}

// Handler serves a snapshot as an attachment, or 503 while disabled.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !Enabled() {
			http.Error(w, ErrNotEnabled.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", "attachment; filename=trace.out")
		if err := Snapshot(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
