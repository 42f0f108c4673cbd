package diagnostics

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	loop "mpc-car-core/closed_loop/control_loop"
	"mpc-car-core/utils"
)

// RunInfo is stored once per run.
type RunInfo struct {
	Mode    loop.SolverMode
	Period  time.Duration
	Horizon int
	Config  string // effective configuration, as loaded
}

// Recorder persists solve records to SQLite: one runs row per process,
// one solves row per record and the predicted horizon of each success.
type Recorder struct {
	db    *sql.DB
	runID string
	log   *utils.Logger
}

// OpenRecorder opens (and creates if needed) the database at path and
// registers a new run.
func OpenRecorder(ctx context.Context, path string, info RunInfo, log *utils.Logger) (*Recorder, error) {
	db, err := openSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	r := &Recorder{db: db, runID: uuid.NewString(), log: log}
	_, err = db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, mode, period_ms, horizon, config) VALUES (?, ?, ?, ?, ?, ?)`,
		r.runID, time.Now().UTC().Format(time.RFC3339Nano), info.Mode.String(),
		ms(info.Period), info.Horizon, info.Config)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return r, nil
}

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
  id          TEXT PRIMARY KEY,
  started_at  TEXT NOT NULL,
  ended_at    TEXT,
  mode        TEXT NOT NULL,
  period_ms   REAL NOT NULL,
  horizon     INTEGER NOT NULL,
  config      TEXT
);`,
		`CREATE TABLE IF NOT EXISTS solves (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id      TEXT NOT NULL REFERENCES runs(id),
  tick        INTEGER NOT NULL,
  stamp       TEXT NOT NULL,
  latency_ms  REAL NOT NULL,
  status      TEXT NOT NULL,
  error       TEXT,
  x           REAL NOT NULL,
  y           REAL NOT NULL,
  heading     REAL NOT NULL,
  speed       REAL NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS trajectory_points (
  solve_id    INTEGER NOT NULL REFERENCES solves(id) ON DELETE CASCADE,
  step        INTEGER NOT NULL,
  x           REAL NOT NULL,
  y           REAL NOT NULL,
  heading     REAL NOT NULL,
  speed       REAL NOT NULL,
  accel       REAL NOT NULL,
  steer       REAL NOT NULL,
  PRIMARY KEY (solve_id, step)
);`,
		`CREATE INDEX IF NOT EXISTS solves_run_tick_idx ON solves(run_id, tick);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

func (r *Recorder) RunID() string { return r.runID }

// Record stores rec. Write errors are logged; the loop never waits on them.
func (r *Recorder) Record(rec loop.SolveRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.insert(ctx, rec); err != nil {
		r.log.Error("record tick %d: %v", rec.Tick, err)
	}
}

func (r *Recorder) insert(ctx context.Context, rec loop.SolveRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var errText sql.NullString
	if rec.Err != nil {
		errText = sql.NullString{String: rec.Err.Error(), Valid: true}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO solves (run_id, tick, stamp, latency_ms, status, error, x, y, heading, speed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.runID, int64(rec.Tick), rec.Stamp.UTC().Format(time.RFC3339Nano), ms(rec.Latency),
		rec.Status.String(), errText, rec.State.X, rec.State.Y, rec.State.Heading, rec.State.Speed)
	if err != nil {
		return fmt.Errorf("insert solve: %w", err)
	}

	if len(rec.Trajectory) > 0 {
		solveID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO trajectory_points (solve_id, step, x, y, heading, speed, accel, steer)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for k, step := range rec.Trajectory {
			st, u := step.State, step.Control
			if _, err := stmt.ExecContext(ctx, solveID, k, st.X, st.Y, st.Heading, st.Speed, u.Acceleration, u.Steering); err != nil {
				return fmt.Errorf("insert trajectory point %d: %w", k, err)
			}
		}
	}
	return tx.Commit()
}

// Close marks the run finished and closes the database.
func (r *Recorder) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `UPDATE runs SET ended_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), r.runID)
	if cerr := r.db.Close(); err == nil {
		err = cerr
	}
	return err
}
