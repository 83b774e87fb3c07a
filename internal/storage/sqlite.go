// Package storage persists tool-connection and scheduled-task
// configuration in SQLite. Consumers depend on the interfaces their
// packages declare (mcp.ConnectionStore, schedule.TaskStore); this
// package provides the durable implementation behind both.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/haasonsaas/relay/pkg/models"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// SQLiteStore persists tool connections and scheduled tasks.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the config database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open config db: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_connections (
		id         TEXT PRIMARY KEY,
		config     TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id         TEXT PRIMARY KEY,
		cron_expr  TEXT NOT NULL DEFAULT '',
		execute_at TIMESTAMP,
		intent     TEXT NOT NULL,
		context    TEXT NOT NULL DEFAULT '{}',
		disabled   INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate config db: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SetNow overrides the clock, for tests.
func (s *SQLiteStore) SetNow(now func() time.Time) {
	s.now = now
}

// ListConnections returns every stored connection.
func (s *SQLiteStore) ListConnections(ctx context.Context) ([]*models.ToolConnection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT config FROM tool_connections ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.ToolConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

// GetConnection returns one connection by id.
func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (*models.ToolConnection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT config FROM tool_connections WHERE id = ?`, id)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return conn, err
}

// PutConnection inserts or replaces a connection. Masked sentinel
// values in the incoming config are restored from the stored record,
// so callers that echo a masked connection back never wipe secrets.
func (s *SQLiteStore) PutConnection(ctx context.Context, conn *models.ToolConnection) error {
	if err := conn.Validate(); err != nil {
		return err
	}

	if prev, err := s.GetConnection(ctx, conn.ID); err == nil {
		conn.RestoreMasked(prev)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	config, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("encode connection %s: %w", conn.ID, err)
	}

	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_connections (id, config, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		conn.ID, string(config), now, now)
	if err != nil {
		return fmt.Errorf("put connection %s: %w", conn.ID, err)
	}
	return nil
}

// DeleteConnection removes a connection by id.
func (s *SQLiteStore) DeleteConnection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete connection %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConnection(scanner interface{ Scan(...any) error }) (*models.ToolConnection, error) {
	var config string
	if err := scanner.Scan(&config); err != nil {
		return nil, err
	}
	var conn models.ToolConnection
	if err := json.Unmarshal([]byte(config), &conn); err != nil {
		return nil, fmt.Errorf("decode connection config: %w", err)
	}
	return &conn, nil
}

// ListTasks returns every stored scheduled task.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*models.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cron_expr, execute_at, intent, context, disabled, created_at, updated_at
		FROM scheduled_tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// GetTask returns one scheduled task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cron_expr, execute_at, intent, context, disabled, created_at, updated_at
		FROM scheduled_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// PutTask inserts or replaces a scheduled task.
func (s *SQLiteStore) PutTask(ctx context.Context, task *models.ScheduledTask) error {
	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Intent == "" {
		return fmt.Errorf("task %s: intent is required", task.ID)
	}

	contextJSON, err := json.Marshal(task.Context)
	if err != nil {
		return fmt.Errorf("encode task context: %w", err)
	}

	now := s.now().UTC()
	var executeAt sql.NullTime
	if !task.ExecuteAt.IsZero() {
		executeAt = sql.NullTime{Time: task.ExecuteAt.UTC(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, cron_expr, execute_at, intent, context, disabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cron_expr = excluded.cron_expr,
			execute_at = excluded.execute_at,
			intent = excluded.intent,
			context = excluded.context,
			disabled = excluded.disabled,
			updated_at = excluded.updated_at`,
		task.ID, task.CronExpr, executeAt, task.Intent, string(contextJSON),
		task.Disabled, now, now)
	if err != nil {
		return fmt.Errorf("put task %s: %w", task.ID, err)
	}
	return nil
}

// DeleteTask removes a scheduled task by id.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(scanner interface{ Scan(...any) error }) (*models.ScheduledTask, error) {
	var (
		task        models.ScheduledTask
		executeAt   sql.NullTime
		contextJSON string
	)
	if err := scanner.Scan(&task.ID, &task.CronExpr, &executeAt, &task.Intent,
		&contextJSON, &task.Disabled, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	if executeAt.Valid {
		task.ExecuteAt = executeAt.Time
	}
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &task.Context); err != nil {
			return nil, fmt.Errorf("decode task context: %w", err)
		}
	}
	return &task, nil
}
