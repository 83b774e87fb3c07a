package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresConfig holds connection pool settings for the Postgres-backed
// queue store.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store on Postgres for deployments where
// multiple worker hosts share one queue. ON CONFLICT DO NOTHING on the
// event-id primary key provides the cross-process dedup.
//
// Claim uses FOR UPDATE SKIP LOCKED so concurrent workers on different
// hosts never double-claim a job.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStoreFromDSN opens a Postgres-backed queue store.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close releases database resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Enqueue(ctx context.Context, job *Job) (bool, error) {
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
		INSERT INTO event_jobs (id, event, priority, status, attempts, created_at)
		VALUES ($1, $2, $3, 'queued', 0, $4)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, eventJSON, job.Priority, createdAt)
	if err != nil {
		return false, fmt.Errorf("enqueue job: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue job: %w", err)
	}
	return inserted > 0, nil
}

func (s *PostgresStore) Claim(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, event, priority, status, attempts, created_at, started_at, finished_at, error_message
		FROM event_jobs
		WHERE status = 'queued'
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
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
		UPDATE event_jobs SET status = 'running', attempts = attempts + 1, started_at = $2
		WHERE id = $1
	`, job.ID, now); err != nil {
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

func (s *PostgresStore) Complete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE event_jobs SET status = 'succeeded', finished_at = $2 WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE event_jobs SET status = 'failed', finished_at = $2, error_message = $3 WHERE id = $1
	`, id, time.Now().UTC(), errMsg)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event, priority, status, attempts, created_at, started_at, finished_at, error_message
		FROM event_jobs WHERE id = $1
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

func (s *PostgresStore) Prune(ctx context.Context, completedOlderThan, failedOlderThan time.Duration) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM event_jobs
		WHERE (status = 'succeeded' AND finished_at < $1)
		   OR (status = 'failed' AND finished_at < $2)
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
