package main

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

const (
	statusSubmitted = "SUBMITTED"
	statusCompleted = "COMPLETED"
	statusFailed    = "FAILED"
	statusHalted    = "HALTED"
	statusRunning   = "RUNNING"
)

type Run struct {
	ID             string
	Name           string
	SpecPath       string
	ConfigPath     string
	ExperimentDir  string
	ModelDir       string
	Trainer        string
	Status         string
	ShapesTotal    int
	ShapesFailed   int
	CreatedAt      time.Time
	CompletedAt    time.Time
	ConfigSnapshot string
}

type Invocation struct {
	ID         int64
	RunID      string
	ShapeID    string
	LogDir     string
	Args       string
	ExitCode   int
	HasExit    bool
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

func dbPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "runs.db"), nil
}

func openDB() (*sql.DB, error) {
	path, err := dbPath()
	if err != nil {
		return nil, err
	}
	return openDBAt(path)
}

func openDBAt(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
  id              TEXT PRIMARY KEY,
  name            TEXT,
  spec_path       TEXT,
  config_path     TEXT,
  experiment_dir  TEXT,
  model_dir       TEXT,
  trainer         TEXT,
  status          TEXT,
  shapes_total    INTEGER,
  shapes_failed   INTEGER,
  created_at      TEXT,
  completed_at    TEXT,
  config_snapshot TEXT
);`,
		`CREATE TABLE IF NOT EXISTS invocations (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id      TEXT,
  shape_id    TEXT,
  log_dir     TEXT,
  args        TEXT,
  exit_code   INTEGER,
  status      TEXT,
  started_at  TEXT,
  finished_at TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_run ON invocations(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func insertRun(db *sql.DB, run *Run) error {
	_, err := db.Exec(
		`INSERT INTO runs (id, name, spec_path, config_path, experiment_dir, model_dir, trainer,
                       status, shapes_total, shapes_failed, created_at, completed_at, config_snapshot)
     VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.SpecPath, run.ConfigPath, run.ExperimentDir, run.ModelDir, run.Trainer,
		run.Status, run.ShapesTotal, run.ShapesFailed, run.CreatedAt.Format(time.RFC3339), "", run.ConfigSnapshot,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func finishRun(db *sql.DB, id, status string, failed int, completedAt time.Time) error {
	_, err := db.Exec(`UPDATE runs SET status = ?, shapes_failed = ?, completed_at = ? WHERE id = ?`,
		status, failed, completedAt.Format(time.RFC3339), id)
	return err
}

func insertInvocation(db *sql.DB, runID, shapeID, logDir, args string, startedAt time.Time) (int64, error) {
	res, err := db.Exec(
		`INSERT INTO invocations (run_id, shape_id, log_dir, args, status, started_at, finished_at)
     VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, shapeID, logDir, args, statusRunning, startedAt.Format(time.RFC3339), "",
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func finishInvocation(db *sql.DB, id int64, status string, exitCode int, finishedAt time.Time) error {
	_, err := db.Exec(`UPDATE invocations SET status = ?, exit_code = ?, finished_at = ? WHERE id = ?`,
		status, exitCode, finishedAt.Format(time.RFC3339), id)
	return err
}

func listRuns(db *sql.DB) ([]Run, error) {
	rows, err := db.Query(`SELECT id, name, status, shapes_total, shapes_failed, created_at
                         FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var created string
		if err := rows.Scan(&run.ID, &run.Name, &run.Status, &run.ShapesTotal, &run.ShapesFailed, &created); err != nil {
			return nil, err
		}
		run.CreatedAt = parseTimestamp(created)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// loadRunByID accepts a full run id or any unambiguous prefix of one.
func loadRunByID(db *sql.DB, id string) (*Run, error) {
	rows, err := db.Query(`SELECT id, name, spec_path, config_path, experiment_dir, model_dir, trainer,
                              status, shapes_total, shapes_failed, created_at, completed_at, config_snapshot
                       FROM runs WHERE id LIKE ? ORDER BY created_at DESC`, id+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*Run
	for rows.Next() {
		var run Run
		var created, completed string
		if err := rows.Scan(
			&run.ID, &run.Name, &run.SpecPath, &run.ConfigPath, &run.ExperimentDir, &run.ModelDir, &run.Trainer,
			&run.Status, &run.ShapesTotal, &run.ShapesFailed, &created, &completed, &run.ConfigSnapshot,
		); err != nil {
			return nil, err
		}
		run.CreatedAt = parseTimestamp(created)
		run.CompletedAt = parseTimestamp(completed)
		matches = append(matches, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, sql.ErrNoRows
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return nil, fmt.Errorf("run id %q is ambiguous (matches %s)", id, strings.Join(ids, ", "))
	}
}

func loadInvocations(db *sql.DB, runID string) ([]Invocation, error) {
	rows, err := db.Query(`SELECT id, run_id, shape_id, log_dir, args, exit_code, status, started_at, finished_at
                         FROM invocations WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invs []Invocation
	for rows.Next() {
		var inv Invocation
		var exit sql.NullInt64
		var started, finished string
		if err := rows.Scan(&inv.ID, &inv.RunID, &inv.ShapeID, &inv.LogDir, &inv.Args, &exit, &inv.Status, &started, &finished); err != nil {
			return nil, err
		}
		if exit.Valid {
			inv.ExitCode = int(exit.Int64)
			inv.HasExit = true
		}
		inv.StartedAt = parseTimestamp(started)
		inv.FinishedAt = parseTimestamp(finished)
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
