package handlers

import (
	"net/http"
	"runtime"

	"github.com/3leaps/gamesync/internal/server/middleware"
	"github.com/3leaps/gamesync/pkg/pipeline"
)

// ProgressReporter exposes a live run snapshot.
type ProgressReporter interface {
	Progress() pipeline.Progress
}

// ProgressHandler serves the current run snapshot. Without a reporter it
// answers 404 NO_ACTIVE_RUN.
func ProgressHandler(src ProgressReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			middleware.WriteError(w, r, http.StatusNotFound, "NO_ACTIVE_RUN", "no run is active", nil)
			return
		}
		writeJSON(w, http.StatusOK, src.Progress())
	}
}

// VersionInfo is the body of /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

func VersionHandler(info VersionInfo) http.HandlerFunc {
	if info.GoVersion == "" {
		info.GoVersion = runtime.Version()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, info)
	}
}
