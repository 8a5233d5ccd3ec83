// Package persistence provides SQLite-based storage for experiment runs,
// the agents carried out of each run, and the event log.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/ecosim/internal/agents"
	"github.com/talgya/ecosim/internal/engine"
	"github.com/talgya/ecosim/internal/eventlog"
	"github.com/talgya/ecosim/internal/expression"
)

// Fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a SQLite connection for experiment persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		experiment TEXT NOT NULL,
		run INTEGER NOT NULL,
		steps INTEGER NOT NULL,
		final_population INTEGER NOT NULL,
		births INTEGER NOT NULL,
		deaths INTEGER NOT NULL,
		carried INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS carried_agents (
		run_id TEXT NOT NULL,
		agent_id INTEGER NOT NULL,
		species TEXT NOT NULL,
		snapshot_json TEXT NOT NULL,
		PRIMARY KEY (run_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		run INTEGER NOT NULL,
		step INTEGER NOT NULL,
		kind TEXT NOT NULL,
		agent_id INTEGER NOT NULL,
		species TEXT NOT NULL,
		detail TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS experiment_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);
	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, step);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// RunRow is a stored run summary.
type RunRow struct {
	RunID           string `db:"run_id" json:"run_id"`
	Experiment      string `db:"experiment" json:"experiment"`
	Run             int    `db:"run" json:"run"`
	Steps           int64  `db:"steps" json:"steps"`
	FinalPopulation int    `db:"final_population" json:"final_population"`
	Births          int    `db:"births" json:"births"`
	Deaths          int    `db:"deaths" json:"deaths"`
	Carried         int    `db:"carried" json:"carried"`
	StartedAt       string `db:"started_at" json:"started_at"`
	FinishedAt      string `db:"finished_at" json:"finished_at"`
}

// SaveRun stores a run summary and snapshots of the agents carried out of
// it in one transaction.
func (db *DB) SaveRun(ctx context.Context, experiment string, res engine.RunResult, carried []*agents.Agent) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO runs
		(run_id, experiment, run, steps, final_population, births, deaths, carried, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, experiment, res.Run, int64(res.Steps), res.FinalPopulation,
		res.Births, res.Deaths, res.Carried,
		res.StartedAt.UTC().Format(timeFormat), res.FinishedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", res.RunID, err)
	}

	stmt, err := tx.PreparexContext(ctx, `INSERT OR REPLACE INTO carried_agents
		(run_id, agent_id, species, snapshot_json) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range carried {
		snapJSON, err := json.Marshal(agents.Encode(a))
		if err != nil {
			return fmt.Errorf("encode agent %d: %w", a.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, res.RunID, int64(a.ID), a.Species, string(snapJSON)); err != nil {
			return fmt.Errorf("insert agent %d: %w", a.ID, err)
		}
	}

	return tx.Commit()
}

// Runs returns the most recent runs, newest first.
func (db *DB) Runs(ctx context.Context, limit int) ([]RunRow, error) {
	var rows []RunRow
	err := db.conn.SelectContext(ctx, &rows,
		"SELECT * FROM runs ORDER BY finished_at DESC, run DESC LIMIT ?", limit)
	return rows, err
}

// LatestRun returns the most recently finished run.
func (db *DB) LatestRun(ctx context.Context) (RunRow, error) {
	var row RunRow
	err := db.conn.GetContext(ctx, &row, "SELECT * FROM runs ORDER BY finished_at DESC, run DESC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("latest run: %w", ErrNotFound)
	}
	return row, err
}

// CarriedSnapshots returns the stored snapshots of the agents carried out
// of a run, ordered by id.
func (db *DB) CarriedSnapshots(ctx context.Context, runID string) ([]agents.Snapshot, error) {
	var blobs []string
	err := db.conn.SelectContext(ctx, &blobs,
		"SELECT snapshot_json FROM carried_agents WHERE run_id = ? ORDER BY agent_id", runID)
	if err != nil {
		return nil, err
	}
	if len(blobs) == 0 {
		var n int
		if err := db.conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM runs WHERE run_id = ?", runID); err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
	}

	snaps := make([]agents.Snapshot, len(blobs))
	for i, b := range blobs {
		if err := json.Unmarshal([]byte(b), &snaps[i]); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
	}
	return snaps, nil
}

// LoadCarried rebuilds the agents carried out of a run, ordered by id.
func (db *DB) LoadCarried(ctx context.Context, runID string, ev expression.Evaluator) ([]*agents.Agent, error) {
	snaps, err := db.CarriedSnapshots(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]*agents.Agent, 0, len(snaps))
	for _, snap := range snaps {
		a, err := agents.Decode(snap, ev)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// SaveEvents appends events to the database.
func (db *DB) SaveEvents(ctx context.Context, events []eventlog.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range events {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO events
			(run_id, run, step, kind, agent_id, species, detail)
			VALUES (:run_id, :run, :step, :kind, :agent_id, :species, :detail)`, e)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RecentEvents returns the most recent N events, newest first.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]eventlog.Event, error) {
	var events []eventlog.Event
	err := db.conn.SelectContext(ctx, &events,
		"SELECT run_id, run, step, kind, agent_id, species, detail FROM events ORDER BY id DESC LIMIT ?",
		limit,
	)
	return events, err
}

// SaveMeta stores a key-value pair in experiment metadata.
func (db *DB) SaveMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT OR REPLACE INTO experiment_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.GetContext(ctx, &value, "SELECT value FROM experiment_meta WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta %q: %w", key, ErrNotFound)
	}
	return value, err
}

// EventSink buffers events in memory and writes them on Flush. It
// implements eventlog.Logger.
type EventSink struct {
	db *DB

	mu  sync.Mutex
	buf []eventlog.Event
}

// NewEventSink creates a sink writing to db.
func NewEventSink(db *DB) *EventSink {
	return &EventSink{db: db}
}

// Log buffers e.
func (s *EventSink) Log(e eventlog.Event) {
	s.mu.Lock()
	s.buf = append(s.buf, e)
	s.mu.Unlock()
}

// Pending returns the number of buffered events.
func (s *EventSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Flush writes buffered events. On failure the events stay buffered.
func (s *EventSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	if err := s.db.SaveEvents(ctx, batch); err != nil {
		s.mu.Lock()
		s.buf = append(batch, s.buf...)
		s.mu.Unlock()
		return fmt.Errorf("save events: %w", err)
	}
	return nil
}

// Recorder stores each finished run and flushes the event sink. It
// implements engine.Recorder.
type Recorder struct {
	db         *DB
	experiment string
	sink       *EventSink
}

// NewRecorder creates a recorder for the named experiment. sink may be nil.
func NewRecorder(db *DB, experiment string, sink *EventSink) *Recorder {
	return &Recorder{db: db, experiment: experiment, sink: sink}
}

// RecordRun implements engine.Recorder.
func (r *Recorder) RecordRun(ctx context.Context, res engine.RunResult, carried []*agents.Agent) error {
	if err := r.db.SaveRun(ctx, r.experiment, res, carried); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	if err := r.db.SaveMeta(ctx, "last_run_id", res.RunID); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}
	if r.sink != nil {
		if err := r.sink.Flush(ctx); err != nil {
			return err
		}
	}
	slog.Debug("run recorded", "run", res.Run, "run_id", res.RunID, "carried", len(carried))
	return nil
}
