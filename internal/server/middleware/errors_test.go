package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func observeLogger(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.ErrorLevel)
	prev := Logger
	Logger = zap.New(core)
	t.Cleanup(func() { Logger = prev })
	return logs
}

func TestRecovery(t *testing.T) {
	t.Run("passes through", func(t *testing.T) {
		h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"phase":"RUNNING"}`))
		}))
		rec := serve(h, httptest.NewRequest(http.MethodGet, "/progress", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"phase":"RUNNING"}`, rec.Body.String())
	})

	tests := []struct {
		name  string
		value any
		msg   string
	}{
		{"string panic", "progress snapshot", "panic: progress snapshot"},
		{"error panic", assert.AnError, "panic: " + assert.AnError.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := observeLogger(t)
			h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				panic(tt.value)
			}))

			var rec *httptest.ResponseRecorder
			require.NotPanics(t, func() {
				rec = serve(h, httptest.NewRequest(http.MethodGet, "/progress", nil))
			})
			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, "INTERNAL_ERROR", body.Code)
			assert.Equal(t, tt.msg, body.Message)

			require.Equal(t, 1, logs.Len())
			assert.Equal(t, "/progress", logs.All()[0].ContextMap()["path"])
		})
	}

	t.Run("abort handler is re-raised", func(t *testing.T) {
		h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic(http.ErrAbortHandler)
		}))
		assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
			serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
		})
	})
}

func TestRequestID(t *testing.T) {
	t.Run("generated when absent", func(t *testing.T) {
		var seen string
		h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			seen = RequestIDFromContext(r.Context())
		}))
		rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Len(t, seen, 36)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("propagated into error bodies", func(t *testing.T) {
		observeLogger(t)
		h := RequestID(Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		})))
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "req-42")

		rec := serve(h, req)
		assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))
		assert.Equal(t, "req-42", decodeError(t, rec).RequestID)
	})

	t.Run("empty outside middleware", func(t *testing.T) {
		assert.Empty(t, RequestIDFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
	})
}

func TestWriteError(t *testing.T) {
	t.Run("without request", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, nil, http.StatusNotFound, "NO_ACTIVE_RUN", "no ingestion run is active", nil)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		body := decodeError(t, rec)
		assert.Equal(t, "NO_ACTIVE_RUN", body.Code)
		assert.Equal(t, "no ingestion run is active", body.Message)
		assert.Empty(t, body.RequestID)
		assert.Nil(t, body.Details)
	})

	t.Run("with details", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, httptest.NewRequest(http.MethodGet, "/health", nil), http.StatusServiceUnavailable,
			"SERVICE_UNAVAILABLE", "one or more health checks failed",
			map[string]any{"checks": map[string]string{"run": "unhealthy"}})

		body := decodeError(t, rec)
		assert.Equal(t, map[string]any{"checks": map[string]any{"run": "unhealthy"}}, body.Details)
	})
}
