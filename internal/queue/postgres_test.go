package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// setupMockDB creates a mock database backing a PostgresStore.
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	store := &PostgresStore{db: db}
	return db, mock, store
}

func TestPostgresStore_Enqueue(t *testing.T) {
	t.Run("inserts new job", func(t *testing.T) {
		db, mock, store := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("INSERT INTO event_jobs").
			WithArgs("ev-1", sqlmock.AnyArg(), 10, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		inserted, err := store.Enqueue(context.Background(), testJob("ev-1", 10))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if !inserted {
			t.Error("expected insert")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("conflict reports duplicate", func(t *testing.T) {
		db, mock, store := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("INSERT INTO event_jobs").
			WithArgs("ev-1", sqlmock.AnyArg(), 10, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))

		inserted, err := store.Enqueue(context.Background(), testJob("ev-1", 10))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if inserted {
			t.Error("expected duplicate to be ignored")
		}
	})

	t.Run("nil job is a no-op", func(t *testing.T) {
		db, _, store := setupMockDB(t)
		defer db.Close()

		inserted, err := store.Enqueue(context.Background(), nil)
		if err != nil || inserted {
			t.Errorf("expected silent no-op, got %v %v", inserted, err)
		}
	})
}

func TestPostgresStore_Claim(t *testing.T) {
	t.Run("claims and marks running", func(t *testing.T) {
		db, mock, store := setupMockDB(t)
		defer db.Close()

		eventJSON := `{"id":"ev-1","source":"api","type":"message.sent","payload":{"kind":"message","message":{"text":"hi","user_id":"u1"}},"timestamp":"2026-01-01T00:00:00Z","priority":10}`
		rows := sqlmock.NewRows([]string{
			"id", "event", "priority", "status", "attempts",
			"created_at", "started_at", "finished_at", "error_message",
		}).AddRow("ev-1", eventJSON, 10, "queued", 0, time.Now(), nil, nil, nil)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM event_jobs").WillReturnRows(rows)
		mock.ExpectExec("UPDATE event_jobs SET status = 'running'").
			WithArgs("ev-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		job, err := store.Claim(context.Background())
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if job == nil || job.Status != StatusRunning || job.Attempts != 1 {
			t.Errorf("unexpected job: %+v", job)
		}
		if job.Event == nil || job.Event.Payload.Message.Text != "hi" {
			t.Errorf("event not decoded: %+v", job.Event)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("empty queue returns nil", func(t *testing.T) {
		db, mock, store := setupMockDB(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM event_jobs").WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		job, err := store.Claim(context.Background())
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if job != nil {
			t.Errorf("expected nil, got %+v", job)
		}
	})
}

func TestPostgresStore_CompleteFailPrune(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("UPDATE event_jobs SET status = 'succeeded'").
		WithArgs("ev-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE event_jobs SET status = 'failed'").
		WithArgs("ev-2", sqlmock.AnyArg(), "boom").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM event_jobs").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	ctx := context.Background()
	if err := store.Complete(ctx, "ev-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.Fail(ctx, "ev-2", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	pruned, err := store.Prune(ctx, DefaultCompletedRetention, DefaultFailedRetention)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 3 {
		t.Errorf("expected 3 pruned, got %d", pruned)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
