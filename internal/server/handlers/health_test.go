package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func probe(t *testing.T, h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeHealth(t *testing.T, rec *httptest.ResponseRecorder) HealthResponse {
	t.Helper()
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

// withGlobal swaps the process-wide manager for the duration of a test.
func withGlobal(t *testing.T, m *HealthManager) {
	t.Helper()
	globalMu.Lock()
	prev := globalHealthManager
	globalHealthManager = m
	globalMu.Unlock()
	t.Cleanup(func() {
		globalMu.Lock()
		globalHealthManager = prev
		globalMu.Unlock()
	})
}

func TestHealthHandler(t *testing.T) {
	t.Run("all checks pass", func(t *testing.T) {
		m := NewHealthManager("1.2.3")
		m.RegisterChecker("run", CheckFunc(ok))
		m.RegisterChecker("runs_dir", CheckFunc(ok))

		rec := probe(t, m.HealthHandler, "/health")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		resp := decodeHealth(t, rec)
		assert.Equal(t, StatusHealthy, resp.Status)
		assert.Equal(t, "1.2.3", resp.Version)
		assert.Equal(t, map[string]string{"run": StatusHealthy, "runs_dir": StatusHealthy}, resp.Checks)
	})

	t.Run("aborted run is unavailable", func(t *testing.T) {
		m := NewHealthManager("1.2.3")
		m.RegisterChecker("run", CheckFunc(func(context.Context) error {
			return errors.New("run aborted: source unavailable")
		}))
		m.RegisterChecker("runs_dir", CheckFunc(ok))

		rec := probe(t, m.HealthHandler, "/health")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body struct {
			Error struct {
				Code    string `json:"code"`
				Details struct {
					Checks map[string]string `json:"checks"`
				} `json:"details"`
			} `json:"error"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "SERVICE_UNAVAILABLE", body.Error.Code)
		assert.Equal(t, StatusUnhealthy, body.Error.Details.Checks["run"])
		assert.Equal(t, StatusHealthy, body.Error.Details.Checks["runs_dir"])
	})

	t.Run("slow checker degrades", func(t *testing.T) {
		m := NewHealthManager("dev")
		m.timeout = 10 * time.Millisecond
		m.RegisterChecker("slow", CheckFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}))
		m.RegisterChecker("run", CheckFunc(ok))

		rec := probe(t, m.HealthHandler, "/health")
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decodeHealth(t, rec)
		assert.Equal(t, StatusDegraded, resp.Status)
		assert.Equal(t, StatusTimeout, resp.Checks["slow"])
	})

	t.Run("re-registering replaces the checker", func(t *testing.T) {
		m := NewHealthManager("dev")
		m.RegisterChecker("run", CheckFunc(func(context.Context) error { return errors.New("down") }))
		m.RegisterChecker("run", CheckFunc(ok))

		rec := probe(t, m.HealthHandler, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestDetermineOverallStatus(t *testing.T) {
	m := NewHealthManager("dev")
	tests := []struct {
		name   string
		checks map[string]string
		want   string
	}{
		{"no checks", nil, StatusHealthy},
		{"healthy", map[string]string{"a": StatusHealthy}, StatusHealthy},
		{"timeout degrades", map[string]string{"a": StatusHealthy, "b": StatusTimeout}, StatusDegraded},
		{"unhealthy wins over timeout", map[string]string{"a": StatusTimeout, "b": StatusUnhealthy}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.determineOverallStatus(tt.checks))
		})
	}
}

func TestLivenessIgnoresCheckers(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("run", CheckFunc(func(context.Context) error { return errors.New("down") }))

	for _, h := range []http.HandlerFunc{m.LivenessHandler, m.StartupHandler} {
		rec := probe(t, h, "/health/live")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, StatusHealthy, decodeHealth(t, rec).Status)
	}
}

func TestGlobalHandlers(t *testing.T) {
	handlers := map[string]http.HandlerFunc{
		"/health":         HealthHandler,
		"/health/live":    LivenessHandler,
		"/health/ready":   ReadinessHandler,
		"/health/startup": StartupHandler,
	}

	t.Run("uninitialized", func(t *testing.T) {
		withGlobal(t, nil)
		assert.Nil(t, GetHealthManager())
		for path, h := range handlers {
			assert.Equal(t, http.StatusServiceUnavailable, probe(t, h, path).Code, path)
		}
	})

	t.Run("initialized", func(t *testing.T) {
		withGlobal(t, nil)
		m := InitHealthManager("test-version")
		assert.Same(t, m, GetHealthManager())
		for path, h := range handlers {
			assert.Equal(t, http.StatusOK, probe(t, h, path).Code, path)
		}
	})
}
