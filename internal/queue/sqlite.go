package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/haasonsaas/relay/pkg/models"
)

// SQLiteStore implements Store on a shared SQLite database. The event
// id is the primary key, so INSERT OR IGNORE gives the "job already
// exists" dedup semantics across processes.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the queue database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS event_jobs (
			id          TEXT PRIMARY KEY,
			event       TEXT NOT NULL,
			priority    INTEGER NOT NULL DEFAULT 5,
			status      TEXT NOT NULL DEFAULT 'queued',
			attempts    INTEGER NOT NULL DEFAULT 0,
			created_at  TIMESTAMP NOT NULL,
			started_at  TIMESTAMP,
			finished_at TIMESTAMP,
			error_message TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_event_jobs_claim
			ON event_jobs (status, priority DESC, created_at);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate event_jobs: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Enqueue(ctx context.Context, job *Job) (bool, error) {
	if job == nil || job.ID == "" {
		return false, nil
	}
	eventJSON, err := json.Marshal(job.Event)
	if err != nil {
		return false, fmt.Errorf("marshal event: %w", err)
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO event_jobs (id, event, priority, status, attempts, created_at)
		VALUES (?, ?, ?, 'queued', 0, ?)
	`, job.ID, string(eventJSON), job.Priority, createdAt)
	if err != nil {
		return false, fmt.Errorf("enqueue job: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue job: %w", err)
	}
	return inserted > 0, nil
}

// Claim takes the best queued job inside a transaction. Descending
// priority, FIFO within a priority.
func (s *SQLiteStore) Claim(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, event, priority, status, attempts, created_at, started_at, finished_at, error_message
		FROM event_jobs
		WHERE status = 'queued'
		ORDER BY priority DESC, created_at ASC, rowid ASC
		LIMIT 1
	`)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE event_jobs SET status = 'running', attempts = attempts + 1, started_at = ?
		WHERE id = ?
	`, now, job.ID); err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	job.Status = StatusRunning
	job.Attempts++
	job.StartedAt = now
	return job, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE event_jobs SET status = 'succeeded', finished_at = ? WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE event_jobs SET status = 'failed', finished_at = ?, error_message = ? WHERE id = ?
	`, time.Now().UTC(), errMsg, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event, priority, status, attempts, created_at, started_at, finished_at, error_message
		FROM event_jobs WHERE id = ?
	`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) Prune(ctx context.Context, completedOlderThan, failedOlderThan time.Duration) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM event_jobs
		WHERE (status = 'succeeded' AND finished_at < ?)
		   OR (status = 'failed' AND finished_at < ?)
	`, now.Add(-completedOlderThan), now.Add(-failedOlderThan))
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return pruned, nil
}

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner jobScanner) (*Job, error) {
	var (
		job          Job
		eventJSON    string
		status       string
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
		errorMessage sql.NullString
	)
	if err := scanner.Scan(
		&job.ID,
		&eventJSON,
		&job.Priority,
		&status,
		&job.Attempts,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
		&errorMessage,
	); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time
	}
	if errorMessage.Valid {
		job.Error = errorMessage.String
	}
	var event models.Event
	if err := json.Unmarshal([]byte(eventJSON), &event); err != nil {
		return nil, fmt.Errorf("unmarshal job event: %w", err)
	}
	job.Event = &event
	return &job, nil
}
