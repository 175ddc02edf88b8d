package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gamesync/internal/server/handlers"
	"github.com/3leaps/gamesync/internal/server/middleware"
	"github.com/3leaps/gamesync/pkg/pipeline"
)

type fixedProgress struct{}

func (fixedProgress) Progress() pipeline.Progress {
	return pipeline.Progress{RunID: "run-1", Phase: pipeline.PhaseCooldown, Batch: 1, Batches: 2}
}

func do(srv *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServer_Routes(t *testing.T) {
	handlers.InitHealthManager("test")
	srv := New("127.0.0.1", 0,
		WithProgress(fixedProgress{}),
		WithMetrics(prometheus.NewRegistry()),
		WithVersion(handlers.VersionInfo{Version: "test"}),
	)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/startup", "/version", "/progress", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			assert.Equal(t, http.StatusOK, do(srv, http.MethodGet, path).Code)
		})
	}
}

func TestServer_ErrorReplies(t *testing.T) {
	srv := New("127.0.0.1", 0)

	tests := []struct {
		method, path string
		status       int
		code         string
	}{
		{http.MethodGet, "/does-not-exist", http.StatusNotFound, "NOT_FOUND"},
		{http.MethodPost, "/version", http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
		{http.MethodGet, "/progress", http.StatusNotFound, "NO_ACTIVE_RUN"},
		{http.MethodGet, "/metrics", http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := do(srv, tt.method, tt.path)
			require.Equal(t, tt.status, rec.Code)

			var body middleware.ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.code, body.Error.Code)
			assert.NotEmpty(t, body.Error.RequestID)
		})
	}
}

func TestServer_MetricsExposeRunGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	pipeline.NewMetrics(reg)
	srv := New("127.0.0.1", 0, WithMetrics(reg))

	rec := do(srv, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gamesync_pending_identifiers")
}

func TestServer_Port(t *testing.T) {
	assert.Equal(t, 8089, New("127.0.0.1", 8089).Port())
	assert.Equal(t, "127.0.0.1:9000", New("127.0.0.1", 9000).Addr())
}

func TestServer_StartAndShutdown(t *testing.T) {
	handlers.InitHealthManager("test")
	srv := New("127.0.0.1", 0, WithProgress(fixedProgress{}))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	require.NotZero(t, srv.Port(), "port 0 resolves to the bound port")

	resp, err := http.Get("http://" + srv.Addr() + "/progress")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var p pipeline.Progress
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	assert.Equal(t, "run-1", p.RunID)
	assert.Equal(t, pipeline.PhaseCooldown, p.Phase)

	require.NoError(t, srv.Shutdown(context.Background()))
}
