// Package runregistry keeps one JSON record per ingestion run.
package runregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"
)

const recordFile = "run.json"

// Store keeps records under root as <root>/<run_id>/run.json. The run
// directory also holds the run's event stream.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string { return s.root }

func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) RunPath(runID string) string {
	return filepath.Join(s.RunDir(runID), recordFile)
}

// Write replaces the run's record. The new record is synced to a temp file
// and renamed over the old one, so readers see either version whole.
func (s *Store) Write(record *RunRecord) error {
	if record == nil {
		return errors.New("run record is nil")
	}
	id, err := s.checkID(record.RunID)
	if err != nil {
		return err
	}
	dir := s.RunDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil { // #nosec G301 -- run directories are not secret
		return fmt.Errorf("create run dir: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	return replaceFile(dir, s.RunPath(id), append(data, '\n'))
}

// Get loads a run record. The error wraps fs.ErrNotExist when the run is
// unknown. A record still marked running whose recorded process has exited
// is rewritten as unknown.
func (s *Store) Get(runID string) (*RunRecord, error) {
	id, err := s.checkID(runID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.RunPath(id))
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("run %s: %s is empty", id, recordFile)
	}

	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("run %s: parse %s: %w", id, recordFile, err)
	}

	if rec.State == RunStateRunning && rec.PID > 0 && !processAlive(rec.PID) {
		ended := time.Now().UTC()
		rec.State = RunStateUnknown
		rec.EndedAt = &ended
		_ = s.Write(&rec)
	}
	return &rec, nil
}

// List returns the readable records of job, newest first. An empty job
// lists every run. Unreadable run directories are skipped.
func (s *Store) List(job string) ([]RunRecord, error) {
	if s.root == "" {
		return nil, errors.New("run registry root dir is empty")
	}
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read runs dir: %w", err)
	}

	var out []RunRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := s.Get(e.Name())
		if err != nil || (job != "" && rec.Job != job) {
			continue
		}
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b RunRecord) int {
		return b.sortTime().Compare(a.sortTime())
	})
	return out, nil
}

// Latest returns the newest record of job, or nil when there is none.
func (s *Store) Latest(job string) (*RunRecord, error) {
	runs, err := s.List(job)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func (s *Store) checkID(runID string) (string, error) {
	id := strings.TrimSpace(runID)
	switch {
	case s.root == "":
		return "", errors.New("run registry root dir is empty")
	case id == "":
		return "", errors.New("run_id is required")
	case id != filepath.Base(id) || id == "." || id == "..":
		return "", fmt.Errorf("invalid run_id %q", runID)
	}
	return id, nil
}

func (r RunRecord) sortTime() time.Time {
	if r.StartedAt != nil {
		return *r.StartedAt
	}
	return r.CreatedAt
}

func replaceFile(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, recordFile+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp run file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace run file: %w", err)
	}
	return nil
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
