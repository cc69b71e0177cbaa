package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLoki records every push it receives.
type fakeLoki struct {
	*httptest.Server
	mu     sync.Mutex
	pushes []pushRequest
	status int
}

func newFakeLoki(t *testing.T) *fakeLoki {
	t.Helper()
	f := &fakeLoki{status: http.StatusNoContent}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/loki/api/v1/push" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.pushes = append(f.pushes, req)
		status := f.status
		f.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeLoki) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.pushes {
		for _, s := range p.Streams {
			for _, v := range s.Values {
				out = append(out, v[1])
			}
		}
	}
	return out
}

func (f *fakeLoki) lastLabels() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pushes) == 0 {
		return nil
	}
	return f.pushes[len(f.pushes)-1].Streams[0].Stream
}

func TestNewWriterValidatesURL(t *testing.T) {
	for _, u := range []string{"", "loki:3100", "ftp://loki", "http://"} {
		_, err := NewWriter(Config{URL: u})
		assert.Error(t, err, u)
	}
}

func TestNewWriterDefaults(t *testing.T) {
	w, err := NewWriter(Config{URL: "http://localhost:3100/", Labels: map[string]string{"peer": "bob", "empty": ""}})
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:3100/loki/api/v1/push", w.pushURL)
	assert.Equal(t, DefaultBatchSize, w.batchSize)
	assert.Equal(t, DefaultFlushInterval, w.interval)
	assert.Equal(t, DefaultMaxBuffered, w.maxBuffered)
	assert.Equal(t, map[string]string{"job": DefaultJob, "peer": "bob"}, w.labels)
}

func TestFlushSendsBufferedLines(t *testing.T) {
	loki := newFakeLoki(t)
	w, err := NewWriter(Config{URL: loki.URL, Labels: map[string]string{"role": "coordinator"}})
	require.NoError(t, err)

	_, _ = w.Write([]byte(`{"level":"info","message":"one"}` + "\n"))
	_, _ = w.Write([]byte("   \n"))
	_, _ = w.Write([]byte(`{"level":"info","message":"two"}`))

	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, []string{`{"level":"info","message":"one"}`, `{"level":"info","message":"two"}`}, loki.lines())
	assert.Equal(t, "coordinator", loki.lastLabels()["role"])

	pushed, dropped, failures := w.Stats()
	assert.Equal(t, uint64(2), pushed)
	assert.Zero(t, dropped)
	assert.Zero(t, failures)

	// Nothing buffered, nothing sent.
	require.NoError(t, w.Flush(context.Background()))
	loki.mu.Lock()
	assert.Len(t, loki.pushes, 1)
	loki.mu.Unlock()
}

func TestFullBatchTriggersFlush(t *testing.T) {
	loki := newFakeLoki(t)
	w, err := NewWriter(Config{URL: loki.URL, BatchSize: 3, FlushInterval: time.Hour})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	for range 3 {
		_, _ = w.Write([]byte("line"))
	}
	assert.Eventually(t, func() bool { return len(loki.lines()) == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestStopFlushesRemainder(t *testing.T) {
	loki := newFakeLoki(t)
	w, err := NewWriter(Config{URL: loki.URL, FlushInterval: time.Hour})
	require.NoError(t, err)
	w.Start()

	_, _ = w.Write([]byte("last words"))
	w.Stop()
	w.Stop()
	assert.Equal(t, []string{"last words"}, loki.lines())
}

func TestOverflowDropsOldest(t *testing.T) {
	loki := newFakeLoki(t)
	w, err := NewWriter(Config{URL: loki.URL, BatchSize: 2, MaxBuffered: 3})
	require.NoError(t, err)

	for _, l := range []string{"a", "b", "c", "d", "e"} {
		_, _ = w.Write([]byte(l))
	}
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, []string{"c", "d", "e"}, loki.lines())
	_, dropped, _ := w.Stats()
	assert.Equal(t, uint64(2), dropped)
}

func TestPushFailuresAreReported(t *testing.T) {
	loki := newFakeLoki(t)
	loki.mu.Lock()
	loki.status = http.StatusInternalServerError
	loki.mu.Unlock()
	var errOut bytes.Buffer
	w, err := NewWriter(Config{URL: loki.URL, ErrorOutput: &errOut, FlushInterval: time.Hour})
	require.NoError(t, err)
	w.Start()

	_, _ = w.Write([]byte("lost"))
	w.Stop()

	_, _, failures := w.Stats()
	assert.Equal(t, uint64(1), failures)
	assert.Contains(t, errOut.String(), "500")
}

func TestUnreachableLoki(t *testing.T) {
	loki := newFakeLoki(t)
	url := loki.URL
	loki.Close()

	w, err := NewWriter(Config{URL: url, Timeout: time.Second})
	require.NoError(t, err)
	_, _ = w.Write([]byte("x"))
	assert.Error(t, w.Flush(context.Background()))
}

func TestSetLabels(t *testing.T) {
	loki := newFakeLoki(t)
	w, err := NewWriter(Config{URL: loki.URL})
	require.NoError(t, err)

	w.SetLabels(map[string]string{"peer": "carol"})
	_, _ = w.Write([]byte("x"))
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, "carol", loki.lastLabels()["peer"])
	assert.Equal(t, DefaultJob, loki.lastLabels()["job"])
}

func TestZerologIntegration(t *testing.T) {
	loki := newFakeLoki(t)
	w, err := NewWriter(Config{URL: loki.URL})
	require.NoError(t, err)

	logger := zerolog.New(w)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info().Int("n", i).Msg("concurrent")
		}()
	}
	wg.Wait()

	require.NoError(t, w.Flush(context.Background()))
	lines := loki.lines()
	require.Len(t, lines, 20)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "concurrent", rec["message"])
}
