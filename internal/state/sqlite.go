package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists control state in a shared SQLite database so
// the API process and worker processes observe the same flags.
type SQLiteStore struct {
	db *sql.DB
}

const killSwitchKey = "kill_switch"

// NewSQLiteStore opens (and migrates) the shared state database.
// Multiple processes may open the same path; busy_timeout covers writer
// contention.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS control_flags (
			name       TEXT PRIMARY KEY,
			value      INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate control_flags: %w", err)
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

func (s *SQLiteStore) KillSwitch(ctx context.Context) (bool, error) {
	var value int
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM control_flags WHERE name = ?`, killSwitchKey).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read kill switch: %w", err)
	}
	return value != 0, nil
}

func (s *SQLiteStore) SetKillSwitch(ctx context.Context, on bool) error {
	value := 0
	if on {
		value = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO control_flags (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, killSwitchKey, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetFlag(ctx context.Context, scope string) error {
	if scope == "" || scope == killSwitchKey {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO control_flags (name, value, updated_at) VALUES (?, 1, ?)
		ON CONFLICT(name) DO UPDATE SET value = 1, updated_at = excluded.updated_at
	`, scope, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set flag %s: %w", scope, err)
	}
	return nil
}

// TakeFlags selects and clears raised flags in one transaction so each
// observation is exclusive.
func (s *SQLiteStore) TakeFlags(ctx context.Context, scopes []string) ([]string, error) {
	if len(scopes) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin take flags: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(scopes)), ",")
	args := make([]any, 0, len(scopes))
	for _, scope := range scopes {
		args = append(args, scope)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT name FROM control_flags WHERE value = 1 AND name IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query flags: %w", err)
	}
	var taken []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		taken = append(taken, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flags: %w", err)
	}

	if len(taken) == 0 {
		return nil, nil
	}

	clearArgs := make([]any, 0, len(taken)+1)
	clearArgs = append(clearArgs, time.Now().UTC())
	for _, name := range taken {
		clearArgs = append(clearArgs, name)
	}
	clearPlaceholders := strings.TrimSuffix(strings.Repeat("?,", len(taken)), ",")
	if _, err := tx.ExecContext(ctx,
		`UPDATE control_flags SET value = 0, updated_at = ? WHERE name IN (`+clearPlaceholders+`)`,
		clearArgs...); err != nil {
		return nil, fmt.Errorf("clear flags: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit take flags: %w", err)
	}
	return taken, nil
}
