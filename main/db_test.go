package main

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := openDBAt(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunRoundTrip(t *testing.T) {
	db := openTestDB(t)
	created := time.Date(2024, 3, 9, 17, 41, 5, 0, time.UTC)
	run := &Run{
		ID:             "11111111-2222-3333-4444-555555555555",
		Name:           "curves",
		SpecPath:       "/pv/recon/scripts/curves.yaml",
		ConfigPath:     "/pv/recon/configs/curv_recon.toml",
		ExperimentDir:  "/pv/recon/log/curves-2024-03-09-17-41-05",
		ModelDir:       "/pv/recon/models",
		Trainer:        "python3 /pv/recon/train/train.py",
		Status:         statusSubmitted,
		ShapesTotal:    3,
		CreatedAt:      created,
		ConfigSnapshot: `{"name":"curves"}`,
	}
	if err := insertRun(db, run); err != nil {
		t.Fatalf("insertRun: %v", err)
	}
	if err := finishRun(db, run.ID, statusFailed, 1, created.Add(time.Hour)); err != nil {
		t.Fatalf("finishRun: %v", err)
	}

	got, err := loadRunByID(db, run.ID)
	if err != nil {
		t.Fatalf("loadRunByID: %v", err)
	}
	if got.Status != statusFailed || got.ShapesFailed != 1 {
		t.Errorf("run = %+v, want FAILED with 1 failed shape", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created at = %v, want %v", got.CreatedAt, created)
	}
	if !got.CompletedAt.Equal(created.Add(time.Hour)) {
		t.Errorf("completed at = %v", got.CompletedAt)
	}
	if got.ConfigSnapshot != run.ConfigSnapshot {
		t.Errorf("snapshot = %q", got.ConfigSnapshot)
	}
}

func TestLoadRunByIDPrefix(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()
	for _, id := range []string{"aaa1", "aaa2", "bbb1"} {
		if err := insertRun(db, &Run{ID: id, Name: id, Status: statusCompleted, CreatedAt: now}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := loadRunByID(db, "bbb")
	if err != nil {
		t.Fatalf("unambiguous prefix: %v", err)
	}
	if got.ID != "bbb1" {
		t.Errorf("got %q, want bbb1", got.ID)
	}

	if _, err := loadRunByID(db, "aaa"); err == nil || !strings.Contains(err.Error(), "ambiguous") {
		t.Errorf("expected ambiguity error, got %v", err)
	}

	if _, err := loadRunByID(db, "zzz"); err != sql.ErrNoRows {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	if err := insertRun(db, &Run{ID: "old", Name: "old", Status: statusCompleted, CreatedAt: base}); err != nil {
		t.Fatal(err)
	}
	if err := insertRun(db, &Run{ID: "new", Name: "new", Status: statusCompleted, CreatedAt: base.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}

	runs, err := listRuns(db)
	if err != nil {
		t.Fatalf("listRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "new" || runs[1].ID != "old" {
		t.Errorf("runs = %+v, want newest first", runs)
	}
}

func TestInvocationRoundTrip(t *testing.T) {
	db := openTestDB(t)
	started := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)

	id, err := insertInvocation(db, "run1", "snowflake", "/e/snowflake", "python3 train.py --shape_type snowflake", started)
	if err != nil {
		t.Fatalf("insertInvocation: %v", err)
	}

	invs, err := loadInvocations(db, "run1")
	if err != nil {
		t.Fatal(err)
	}
	if len(invs) != 1 {
		t.Fatalf("got %d invocations, want 1", len(invs))
	}
	if invs[0].Status != statusRunning || invs[0].HasExit {
		t.Errorf("fresh invocation = %+v, want RUNNING without exit code", invs[0])
	}

	if err := finishInvocation(db, id, statusCompleted, 0, started.Add(time.Minute)); err != nil {
		t.Fatalf("finishInvocation: %v", err)
	}
	invs, err = loadInvocations(db, "run1")
	if err != nil {
		t.Fatal(err)
	}
	inv := invs[0]
	if inv.Status != statusCompleted || !inv.HasExit || inv.ExitCode != 0 {
		t.Errorf("invocation = %+v, want completed with exit 0", inv)
	}
	if !inv.FinishedAt.Equal(started.Add(time.Minute)) {
		t.Errorf("finished at = %v", inv.FinishedAt)
	}
}
