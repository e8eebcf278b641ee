// Package repository provides PostgreSQL persistence for task run history.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/taskrpc/internal/repository/models"
	"github.com/nadmax/taskrpc/internal/task"
)

var ErrRunNotFound = errors.New("task run not found")

const schema = `
	CREATE TABLE IF NOT EXISTS task_runs (
		run_id        TEXT PRIMARY KEY,
		task_id       TEXT NOT NULL,
		action        TEXT NOT NULL,
		args          JSONB,
		status        TEXT NOT NULL,
		worker_id     TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		started_at    TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ,
		duration_ms   BIGINT,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS task_runs_task_id_idx ON task_runs (task_id, created_at DESC);
`

const runColumns = `
	run_id, task_id, action, status, COALESCE(worker_id, ''), created_at,
	started_at, completed_at, duration_ms, COALESCE(error_message, '')
`

type PostgresTaskRepository struct {
	db *sql.DB
}

func NewPostgresTaskRepository(connectionString string) (*PostgresTaskRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresTaskRepository{db: db}, nil
}

func (r *PostgresTaskRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create task_runs table: %w", err)
	}

	return nil
}

func (r *PostgresTaskRepository) SaveRun(ctx context.Context, rec *task.Record) error {
	query := `
		INSERT INTO task_runs (
			run_id, task_id, action, args, status, created_at, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO NOTHING
	`

	var args any
	if len(rec.Args) > 0 {
		args = []byte(rec.Args)
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		rec.RunID,
		string(rec.ID),
		rec.Action,
		args,
		string(rec.State),
		rec.CreatedAt,
		rec.StartedAt,
	)

	return err
}

func (r *PostgresTaskRepository) AssignWorker(ctx context.Context, runID, workerID string) error {
	query := `
		UPDATE task_runs
		SET worker_id = $1
		WHERE run_id = $2
	`
	_, err := r.db.ExecContext(ctx, query, workerID, runID)

	return err
}

func (r *PostgresTaskRepository) FinishRun(ctx context.Context, rec *task.Record) error {
	query := `
		UPDATE task_runs
		SET status = $1,
		    completed_at = $2,
		    duration_ms = $3,
		    error_message = $4
		WHERE run_id = $5
	`

	var msgErr any
	if rec.Error != "" {
		msgErr = rec.Error
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		string(rec.State),
		rec.CompletedAt,
		rec.Duration().Milliseconds(),
		msgErr,
		rec.RunID,
	)

	return err
}

func (r *PostgresTaskRepository) GetRun(ctx context.Context, runID string) (*models.TaskRun, error) {
	query := `SELECT ` + runColumns + ` FROM task_runs WHERE run_id = $1`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task run %s: %w", runID, err)
	}

	return run, nil
}

func (r *PostgresTaskRepository) GetRunsByTask(ctx context.Context, taskID string, limit int) ([]models.TaskRun, error) {
	query := `SELECT ` + runColumns + `
		FROM task_runs
		WHERE task_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, taskID, limit)
	if err != nil {
		return nil, err
	}

	return collectRuns(rows)
}

func (r *PostgresTaskRepository) GetRecentRuns(ctx context.Context, limit int) ([]models.TaskRun, error) {
	query := `SELECT ` + runColumns + `
		FROM task_runs
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	return collectRuns(rows)
}

func (r *PostgresTaskRepository) GetActionStats(ctx context.Context, hours int) ([]models.ActionStats, error) {
	query := `
		SELECT
			action, status, COUNT(*) as count,
			COALESCE(AVG(duration_ms), 0) as avg_duration_ms,
			COALESCE(MAX(duration_ms), 0) as max_duration_ms,
			COALESCE(MIN(duration_ms), 0) as min_duration_ms
		FROM task_runs
		WHERE created_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY action, status
		ORDER BY action, status
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var stats []models.ActionStats
	for rows.Next() {
		var s models.ActionStats
		if err := rows.Scan(
			&s.Action,
			&s.Status,
			&s.Count,
			&s.AvgDurationMs,
			&s.MaxDurationMs,
			&s.MinDurationMs,
		); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *PostgresTaskRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresTaskRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.TaskRun, error) {
	var run models.TaskRun
	if err := row.Scan(
		&run.RunID,
		&run.TaskID,
		&run.Action,
		&run.Status,
		&run.WorkerID,
		&run.CreatedAt,
		&run.StartedAt,
		&run.CompletedAt,
		&run.DurationMs,
		&run.ErrorMessage,
	); err != nil {
		return nil, err
	}

	return &run, nil
}

func collectRuns(rows *sql.Rows) ([]models.TaskRun, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var runs []models.TaskRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}

		runs = append(runs, *run)
	}

	return runs, rows.Err()
}
