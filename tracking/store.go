package tracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tsawler/go-trainer/training"
)

// Run lifecycle statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Store keeps run history in SQLite. Use ":memory:" for an in-memory
// database or a file path for persistent storage.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenStore opens the run database at path and creates the schema when
// missing.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run database: %w", err)
	}
	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize run schema: %w", err)
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		hostname TEXT,
		cpu TEXT,
		cores INTEGER,
		started INTEGER NOT NULL,
		finished INTEGER,
		status TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		grp TEXT NOT NULL,
		counter INTEGER NOT NULL,
		valid TEXT,
		train TEXT,
		created INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evaluations_run ON evaluations(run_id);
	CREATE TABLE IF NOT EXISTS improvements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		grp TEXT NOT NULL,
		counter INTEGER NOT NULL,
		value REAL NOT NULL,
		created INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_improvements_run ON improvements(run_id);
	CREATE TABLE IF NOT EXISTS checkpoint_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		grp TEXT NOT NULL,
		counter INTEGER NOT NULL,
		path TEXT NOT NULL,
		created INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoint_files_run ON checkpoint_files(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID       string
	Name     string
	Hostname string
	CPU      string
	Cores    int
	Started  time.Time
	Finished time.Time
	Status   string
}

// BeginRun inserts a new run in the running state and returns its ID.
func (s *Store) BeginRun(ctx context.Context, name string, host HostInfo) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (id, name, hostname, cpu, cores, started, status) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, name, host.Hostname, host.CPU, host.Cores, time.Now().Unix(), StatusRunning,
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// FinishRun stamps the run with its final status.
func (s *Store) FinishRun(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET finished = ?, status = ? WHERE id = ?",
		time.Now().Unix(), status, id,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// Runs lists all runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, hostname, cpu, cores, started, finished, status FROM runs ORDER BY started DESC, rowid DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Name, &r.Hostname, &r.CPU, &r.Cores, &started, &finished, &r.Status); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Started = time.Unix(started, 0)
		if finished.Valid {
			r.Finished = time.Unix(finished.Int64, 0)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// EvaluationRecord is one evaluation boundary of a run.
type EvaluationRecord struct {
	Group   string
	Counter int
	Valid   map[string]float64
	Train   map[string]float64
	Created time.Time
}

// AddEvaluation stores the reduced metric averages of one evaluation.
func (s *Store) AddEvaluation(ctx context.Context, runID, group string, counter int, valid, train map[string]float64) error {
	validJSON, err := json.Marshal(valid)
	if err != nil {
		return fmt.Errorf("marshal validation metrics: %w", err)
	}
	trainJSON, err := json.Marshal(train)
	if err != nil {
		return fmt.Errorf("marshal training metrics: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO evaluations (run_id, grp, counter, valid, train, created) VALUES (?, ?, ?, ?, ?, ?)",
		runID, group, counter, validJSON, trainJSON, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

// History returns every evaluation of a run in counter order.
func (s *Store) History(ctx context.Context, runID string) ([]EvaluationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT grp, counter, valid, train, created FROM evaluations WHERE run_id = ? ORDER BY counter, id",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()

	var evals []EvaluationRecord
	for rows.Next() {
		var e EvaluationRecord
		var validJSON, trainJSON []byte
		var created int64
		if err := rows.Scan(&e.Group, &e.Counter, &validJSON, &trainJSON, &created); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		if len(validJSON) > 0 {
			if err := json.Unmarshal(validJSON, &e.Valid); err != nil {
				return nil, fmt.Errorf("unmarshal validation metrics: %w", err)
			}
		}
		if len(trainJSON) > 0 {
			if err := json.Unmarshal(trainJSON, &e.Train); err != nil {
				return nil, fmt.Errorf("unmarshal training metrics: %w", err)
			}
		}
		e.Created = time.Unix(created, 0)
		evals = append(evals, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evaluations: %w", err)
	}
	return evals, nil
}

// ImprovementRecord marks a counter where the monitored metric improved.
type ImprovementRecord struct {
	Group   string
	Counter int
	Value   float64
	Created time.Time
}

// AddImprovement stores one improvement of the monitored metric.
func (s *Store) AddImprovement(ctx context.Context, runID, group string, counter int, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO improvements (run_id, grp, counter, value, created) VALUES (?, ?, ?, ?, ?)",
		runID, group, counter, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert improvement: %w", err)
	}
	return nil
}

// Improvements returns the improvement history of a run in counter order.
func (s *Store) Improvements(ctx context.Context, runID string) ([]ImprovementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT grp, counter, value, created FROM improvements WHERE run_id = ? ORDER BY counter, id",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query improvements: %w", err)
	}
	defer rows.Close()

	var improvements []ImprovementRecord
	for rows.Next() {
		var rec ImprovementRecord
		var created int64
		if err := rows.Scan(&rec.Group, &rec.Counter, &rec.Value, &created); err != nil {
			return nil, fmt.Errorf("scan improvement: %w", err)
		}
		rec.Created = time.Unix(created, 0)
		improvements = append(improvements, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate improvements: %w", err)
	}
	return improvements, nil
}

// CheckpointRecord points at a checkpoint file written during a run.
type CheckpointRecord struct {
	Group   string
	Counter int
	Path    string
	Created time.Time
}

// AddCheckpoint stores the location of a written checkpoint.
func (s *Store) AddCheckpoint(ctx context.Context, runID, group string, counter int, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO checkpoint_files (run_id, grp, counter, path, created) VALUES (?, ?, ?, ?, ?)",
		runID, group, counter, path, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// Checkpoints returns the checkpoint files recorded for a run.
func (s *Store) Checkpoints(ctx context.Context, runID string) ([]CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT grp, counter, path, created FROM checkpoint_files WHERE run_id = ? ORDER BY counter, id",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []CheckpointRecord
	for rows.Next() {
		var rec CheckpointRecord
		var created int64
		if err := rows.Scan(&rec.Group, &rec.Counter, &rec.Path, &created); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		rec.Created = time.Unix(created, 0)
		checkpoints = append(checkpoints, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return checkpoints, nil
}

// StoreRecorder adapts a Store to training.Recorder for a single run.
// Database errors are logged and dropped; persistence must never abort a
// training step. Steps are not persisted, the evaluation rows carry the
// run history.
type StoreRecorder struct {
	store *Store
	runID string
	log   *slog.Logger
}

// Recorder returns a training.Recorder that writes into the store under
// the given run ID.
func (s *Store) Recorder(runID string, logger *slog.Logger) *StoreRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreRecorder{store: s, runID: runID, log: logger}
}

func (r *StoreRecorder) RecordStep(counter int, lr float64, stepMetrics map[string]float64) {}

func (r *StoreRecorder) RecordEvaluation(group string, counter int, valid, train map[string]float64) {
	if err := r.store.AddEvaluation(context.Background(), r.runID, group, counter, valid, train); err != nil {
		r.log.Warn("recording evaluation", "run", r.runID, "error", err)
	}
}

func (r *StoreRecorder) RecordImprovement(group string, counter int, value float64) {
	if err := r.store.AddImprovement(context.Background(), r.runID, group, counter, value); err != nil {
		r.log.Warn("recording improvement", "run", r.runID, "error", err)
	}
}

func (r *StoreRecorder) RecordCheckpoint(group string, counter int, path string) {
	if err := r.store.AddCheckpoint(context.Background(), r.runID, group, counter, path); err != nil {
		r.log.Warn("recording checkpoint", "run", r.runID, "error", err)
	}
}

var _ training.Recorder = (*StoreRecorder)(nil)
