package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/stoker/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id                  TEXT PRIMARY KEY,
    task_arn            TEXT,
    task_definition_arn TEXT,
    cluster             TEXT,
    state               TEXT NOT NULL,
    outcome             TEXT,
    exit_code           INTEGER,
    stop_reason         TEXT,
    created_at          DATETIME NOT NULL,
    started_at          DATETIME,
    stopped_at          DATETIME
)`

const createRunLogsTable = `
CREATE TABLE IF NOT EXISTS run_logs (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id    TEXT NOT NULL,
    seq       INTEGER NOT NULL,
    container TEXT NOT NULL,
    line      TEXT NOT NULL,
    timestamp DATETIME NOT NULL,
    UNIQUE (run_id, seq)
)`

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createRunLogsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (
			id, task_arn, task_definition_arn, cluster, state, outcome,
			exit_code, stop_reason, created_at, started_at, stopped_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskARN, r.TaskDefinitionARN, r.Cluster, r.State, r.Outcome,
		r.ExitCode, r.StopReason, r.CreatedAt, r.StartedAt, r.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r := &model.Run{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, task_arn, task_definition_arn, cluster, state, outcome,
			exit_code, stop_reason, created_at, started_at, stopped_at
		FROM runs WHERE id = ?`, id,
	).Scan(
		&r.ID, &r.TaskARN, &r.TaskDefinitionARN, &r.Cluster, &r.State, &r.Outcome,
		&r.ExitCode, &r.StopReason, &r.CreatedAt, &r.StartedAt, &r.StoppedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, task_arn, task_definition_arn, cluster, state, outcome,
			exit_code, stop_reason, created_at, started_at, stopped_at
		FROM runs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r := &model.Run{}
		if err := rows.Scan(
			&r.ID, &r.TaskARN, &r.TaskDefinitionARN, &r.Cluster, &r.State, &r.Outcome,
			&r.ExitCode, &r.StopReason, &r.CreatedAt, &r.StartedAt, &r.StoppedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// UpdateRunState advances the lifecycle state of a run. Transitions that
// would regress the state or leave a terminal state are rejected with
// ErrInvalidTransition.
func (s *SQLiteStore) UpdateRunState(ctx context.Context, id, state string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT state FROM runs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read run state: %w", err)
	}

	if !model.ValidTransition(current, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, state)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE runs SET state = ? WHERE id = ?", state, id,
	); err != nil {
		return fmt.Errorf("update run state: %w", err)
	}

	return tx.Commit()
}

// UpdateRun overwrites the mutable fields of a run record. Used for the
// single finalization write once a terminal outcome is derived.
func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.Run) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET
			task_arn = ?, task_definition_arn = ?, cluster = ?, state = ?,
			outcome = ?, exit_code = ?, stop_reason = ?, started_at = ?, stopped_at = ?
		WHERE id = ?`,
		r.TaskARN, r.TaskDefinitionARN, r.Cluster, r.State,
		r.Outcome, r.ExitCode, r.StopReason, r.StartedAt, r.StoppedAt,
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRunStats returns aggregate counts and the average duration of runs
// that have both start and stop timestamps.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByState:   make(map[string]int),
		CountByOutcome: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM runs GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		stats.CountByState[state] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}

	oRows, err := s.db.QueryContext(ctx,
		"SELECT outcome, COUNT(*) FROM runs WHERE outcome != '' GROUP BY outcome")
	if err != nil {
		return nil, fmt.Errorf("count by outcome: %w", err)
	}
	defer oRows.Close()
	for oRows.Next() {
		var outcome string
		var count int
		if err := oRows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		stats.CountByOutcome[outcome] = count
	}
	if err := oRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome counts: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG((julianday(stopped_at) - julianday(started_at)) * 86400000.0)
		FROM runs WHERE started_at IS NOT NULL AND stopped_at IS NOT NULL`,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// InsertLogLine persists one captured log line for a run.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, runID string, seq int, container, line string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO run_logs (run_id, seq, container, line, timestamp) VALUES (?, ?, ?, ?, ?)",
		runID, seq, container, line, ts,
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns all captured log lines for a run ordered by sequence.
func (s *SQLiteStore) GetLogLines(ctx context.Context, runID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, seq, container, line, timestamp
		FROM run_logs WHERE run_id = ? ORDER BY seq ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.RunID, &l.Seq, &l.Container, &l.Line, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}

	return lines, nil
}
