package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/p2pbackup/internal/tracing"
)

func TestHealthDefault(t *testing.T) {
	s := New(Config{Logger: zerolog.Nop()})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealthUsesStatusFunc(t *testing.T) {
	type status struct {
		Name   string `json:"name"`
		Chunks int    `json:"chunks"`
	}
	s := New(Config{
		Status: func() any { return status{Name: "bob", Chunks: 4} },
		Logger: zerolog.Nop(),
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, status{Name: "bob", Chunks: 4}, got)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	s := New(Config{Logger: zerolog.Nop()})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestTraceRouteOnlyWhenEnabled(t *testing.T) {
	s := New(Config{Logger: zerolog.Nop()})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s = New(Config{Addr: "127.0.0.1:0", Tracing: true, Logger: zerolog.Nop()})
	require.NoError(t, s.Start())
	defer func() {
		_ = s.Stop()
		tracing.Disable()
	}()
	assert.True(t, tracing.Enabled())

	resp, err := http.Get("http://" + s.Addr().String() + "/debug/trace")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestStartStop(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0", Logger: zerolog.Nop()})
	assert.Nil(t, s.Addr())

	require.NoError(t, s.Start())
	addr := s.Addr()
	require.NotNil(t, addr)

	resp, err := http.Get("http://" + addr.String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	_, err = http.Get("http://" + addr.String() + "/health")
	assert.Error(t, err)
}

func TestStartFailsOnBadAddr(t *testing.T) {
	s := New(Config{Addr: "256.0.0.1:bad", Logger: zerolog.Nop()})
	assert.Error(t, s.Start())
	assert.NoError(t, s.Stop())
}
