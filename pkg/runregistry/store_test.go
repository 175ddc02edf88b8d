package runregistry

import (
	"errors"
	"io/fs"
	"os"
	"testing"
	"time"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	rec := &RunRecord{
		RunID:        "run-1",
		Job:          "boxscores",
		Scope:        "2023-24",
		State:        RunStatePartial,
		ManifestPath: "/tmp/job.yaml",
		CreatedAt:    now,
		StartedAt:    &now,
		Enumerated:   3,
		AlreadyDone:  1,
		Pending:      2,
		Completed:    1,
		Failed:       []string{"G3"},
		Rows:         map[string]int{"team_games": 2},
	}

	if err := s.Write(rec); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.RunID != rec.RunID || got.Job != rec.Job || got.Scope != rec.Scope {
		t.Fatalf("identity mismatch: got=%+v", got)
	}
	if got.State != RunStatePartial {
		t.Fatalf("state mismatch: got=%q want=%q", got.State, RunStatePartial)
	}
	if len(got.Failed) != 1 || got.Failed[0] != "G3" {
		t.Fatalf("failed ids not persisted: %v", got.Failed)
	}
	if got.Rows["team_games"] != 2 {
		t.Fatalf("row counts not persisted: %v", got.Rows)
	}
}

func TestStore_WriteLeavesNoTempFiles(t *testing.T) {
	s := NewStore(t.TempDir())
	for i := 0; i < 3; i++ {
		if err := s.Write(&RunRecord{RunID: "run-1", State: RunStateRunning, CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
	}
	entries, err := os.ReadDir(s.RunDir("run-1"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "run.json" {
		t.Fatalf("unexpected files in run dir: %v", entries)
	}
}

func TestStore_ListSortsNewestFirstAndFilters(t *testing.T) {
	s := NewStore(t.TempDir())

	t1 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 19, 13, 0, 0, 0, time.UTC)
	t3 := time.Date(2026, 1, 19, 14, 0, 0, 0, time.UTC)

	for _, r := range []*RunRecord{
		{RunID: "run-1", Job: "boxscores", State: RunStateSuccess, CreatedAt: t1, StartedAt: &t1},
		{RunID: "run-2", Job: "boxscores", State: RunStatePartial, CreatedAt: t2, StartedAt: &t2},
		{RunID: "run-3", Job: "pbp", State: RunStateSuccess, CreatedAt: t3},
	} {
		if err := s.Write(r); err != nil {
			t.Fatalf("Write %s: %v", r.RunID, err)
		}
	}

	all, err := s.List("")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 3 || all[0].RunID != "run-3" || all[2].RunID != "run-1" {
		t.Fatalf("unexpected order: %+v", all)
	}

	box, err := s.List("boxscores")
	if err != nil {
		t.Fatalf("List(boxscores) error: %v", err)
	}
	if len(box) != 2 || box[0].RunID != "run-2" {
		t.Fatalf("unexpected filtered list: %+v", box)
	}

	latest, err := s.Latest("boxscores")
	if err != nil || latest == nil || latest.RunID != "run-2" {
		t.Fatalf("Latest() = %+v, %v", latest, err)
	}

	none, err := s.Latest("unknown-job")
	if err != nil || none != nil {
		t.Fatalf("Latest(unknown) = %+v, %v", none, err)
	}
}

func TestStore_GetMarksDeadRunUnknown(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Now().UTC()

	// PIDs this large are not allocated on any supported platform.
	if err := s.Write(&RunRecord{RunID: "run-dead", State: RunStateRunning, PID: 1 << 30, CreatedAt: now}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Get("run-dead")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != RunStateUnknown {
		t.Fatalf("state = %q, want %q", got.State, RunStateUnknown)
	}
	if got.EndedAt == nil {
		t.Fatalf("ended_at not set")
	}
}

func TestStore_Errors(t *testing.T) {
	if err := NewStore("").Write(&RunRecord{RunID: "x"}); err == nil {
		t.Fatalf("expected error for empty root")
	}
	s := NewStore(t.TempDir())
	if err := s.Write(nil); err == nil {
		t.Fatalf("expected error for nil record")
	}
	if err := s.Write(&RunRecord{}); err == nil {
		t.Fatalf("expected error for missing run_id")
	}
	if _, err := s.Get("missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Get(missing) error = %v, want not-exist", err)
	}
	for _, id := range []string{"../escape", "a/b", ".."} {
		if _, err := s.Get(id); err == nil || errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("Get(%q) error = %v, want invalid run_id", id, err)
		}
	}
}

func TestRunState_Terminal(t *testing.T) {
	if RunStateRunning.Terminal() || RunStateUnknown.Terminal() {
		t.Fatalf("running/unknown must not be terminal")
	}
	if !RunStateSuccess.Terminal() || !RunStatePartial.Terminal() || !RunStateAborted.Terminal() {
		t.Fatalf("success/partial/aborted must be terminal")
	}
}
