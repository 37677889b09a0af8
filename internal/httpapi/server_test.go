package httpapi

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/config"
	"github.com/exstreamtv/exstreamtv/internal/models"
	"github.com/exstreamtv/exstreamtv/internal/observability"
	"github.com/exstreamtv/exstreamtv/internal/session"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Host:        "127.0.0.1",
		Port:        0,
		CORSOrigins: []string{"*"},
	}
}

func newTestServer(t *testing.T) (*Server, *session.Manager, *observability.Metrics) {
	t.Helper()
	log := newTestLogger()
	metrics := observability.NewMetrics()
	sessions := session.New(session.Config{MaxPerChannel: 10}, log, metrics, nil)
	srv := NewServer(testServerConfig(), Deps{
		Sessions: sessions,
		Metrics:  metrics,
		Log:      log,
		Version:  "1.2.3",
	})
	return srv, sessions, metrics
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime_seconds")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, metrics := newTestServer(t)
	metrics.AddChannelBytes(12, 4096)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `exstreamtv_channel_bytes_out_total{channel="12"} 4096`)
}

func TestStatusEndpoint(t *testing.T) {
	srv, sessions, _ := newTestServer(t)

	ch := &models.Channel{Number: 12, Name: "Retro Toons"}
	ch.ID = models.NewULID()
	_, err := sessions.Open(ch, "10.0.0.2:5000", "test")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "1.2.3", body.Version)
	assert.Equal(t, 1, body.SessionsOpen)
}

func TestSessionsEndpoint(t *testing.T) {
	srv, sessions, _ := newTestServer(t)

	ch := &models.Channel{Number: 12, Name: "Retro Toons"}
	ch.ID = models.NewULID()
	_, err := sessions.Open(ch, "10.0.0.2:5000", "test")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Stats session.Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Stats.Open)
}

func TestChannelNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/channels/999", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestCORSHeaders(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
