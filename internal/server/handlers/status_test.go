package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gamesync/pkg/pipeline"
)

type staticProgress pipeline.Progress

func (p staticProgress) Progress() pipeline.Progress { return pipeline.Progress(p) }

func TestProgressHandler(t *testing.T) {
	src := staticProgress{RunID: "run-1", Scope: "2023-24", Phase: pipeline.PhaseRunning, Batch: 2, Batches: 3, Completed: 41}

	rec := httptest.NewRecorder()
	ProgressHandler(src)(rec, httptest.NewRequest(http.MethodGet, "/progress", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got pipeline.Progress
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, pipeline.PhaseRunning, got.Phase)
	assert.Equal(t, int64(41), got.Completed)
	assert.Equal(t, "2023-24", got.Scope)
}

func TestProgressHandler_NoRun(t *testing.T) {
	rec := httptest.NewRecorder()
	ProgressHandler(nil)(rec, httptest.NewRequest(http.MethodGet, "/progress", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NO_ACTIVE_RUN")
}

func TestVersionHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	VersionHandler(VersionInfo{Version: "1.2.3", Commit: "abc"})(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got VersionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "1.2.3", got.Version)
	assert.NotEmpty(t, got.GoVersion)
}
