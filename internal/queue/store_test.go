package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func testEvent(id string, priority int) *models.Event {
	return &models.Event{
		ID:     id,
		Source: models.SourceAPI,
		Type:   models.TypeMessageSent,
		Payload: models.EventPayload{
			Kind:    models.KindMessage,
			Message: &models.MessagePayload{Text: "hi", UserID: "u1"},
		},
		Timestamp: time.Now().UTC(),
		Priority:  priority,
	}
}

func testJob(id string, priority int) *Job {
	return &Job{ID: id, Event: testEvent(id, priority), Priority: priority}
}

// storeFactories runs the same contract tests against every backend
// that can run without external services.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

func TestStore_EnqueueDedup(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)

			inserted, err := store.Enqueue(ctx, testJob("ev-1", 10))
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if !inserted {
				t.Error("expected first enqueue to insert")
			}

			inserted, err = store.Enqueue(ctx, testJob("ev-1", 10))
			if err != nil {
				t.Fatalf("duplicate enqueue: %v", err)
			}
			if inserted {
				t.Error("expected duplicate enqueue to be ignored")
			}

			job, err := store.Get(ctx, "ev-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if job == nil || job.Status != StatusQueued {
				t.Errorf("expected queued job, got %+v", job)
			}
		})
	}
}

func TestStore_ClaimOrdering(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)

			// Arrival order: 10, 5, 5, 8. Expected claim order:
			// 10, 8, first 5, second 5.
			base := time.Now().UTC()
			jobs := []*Job{
				{ID: "a", Event: testEvent("a", 10), Priority: 10, CreatedAt: base},
				{ID: "b", Event: testEvent("b", 5), Priority: 5, CreatedAt: base.Add(time.Millisecond)},
				{ID: "c", Event: testEvent("c", 5), Priority: 5, CreatedAt: base.Add(2 * time.Millisecond)},
				{ID: "d", Event: testEvent("d", 8), Priority: 8, CreatedAt: base.Add(3 * time.Millisecond)},
			}
			for _, job := range jobs {
				if _, err := store.Enqueue(ctx, job); err != nil {
					t.Fatalf("enqueue %s: %v", job.ID, err)
				}
			}

			var order []string
			for {
				job, err := store.Claim(ctx)
				if err != nil {
					t.Fatalf("claim: %v", err)
				}
				if job == nil {
					break
				}
				order = append(order, job.ID)
				if err := store.Complete(ctx, job.ID); err != nil {
					t.Fatalf("complete: %v", err)
				}
			}

			want := []string{"a", "d", "b", "c"}
			if len(order) != len(want) {
				t.Fatalf("expected %d claims, got %v", len(want), order)
			}
			for i := range want {
				if order[i] != want[i] {
					t.Fatalf("claim order %v, want %v", order, want)
				}
			}
		})
	}
}

func TestStore_ClaimMarksRunning(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			if _, err := store.Enqueue(ctx, testJob("ev-1", 5)); err != nil {
				t.Fatalf("enqueue: %v", err)
			}

			job, err := store.Claim(ctx)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if job.Status != StatusRunning || job.Attempts != 1 {
				t.Errorf("expected running with 1 attempt, got %+v", job)
			}

			// A second claim finds nothing.
			second, err := store.Claim(ctx)
			if err != nil {
				t.Fatalf("second claim: %v", err)
			}
			if second != nil {
				t.Errorf("expected no claimable job, got %+v", second)
			}
		})
	}
}

func TestStore_CompleteAndFail(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			for _, id := range []string{"ok", "bad"} {
				if _, err := store.Enqueue(ctx, testJob(id, 5)); err != nil {
					t.Fatalf("enqueue: %v", err)
				}
			}

			for i := 0; i < 2; i++ {
				job, err := store.Claim(ctx)
				if err != nil || job == nil {
					t.Fatalf("claim %d: %v %v", i, job, err)
				}
				if job.ID == "ok" {
					if err := store.Complete(ctx, job.ID); err != nil {
						t.Fatalf("complete: %v", err)
					}
				} else {
					if err := store.Fail(ctx, job.ID, "handler exploded"); err != nil {
						t.Fatalf("fail: %v", err)
					}
				}
			}

			ok, _ := store.Get(ctx, "ok")
			if ok.Status != StatusSucceeded || ok.FinishedAt.IsZero() {
				t.Errorf("expected succeeded job, got %+v", ok)
			}
			bad, _ := store.Get(ctx, "bad")
			if bad.Status != StatusFailed || bad.Error != "handler exploded" {
				t.Errorf("expected failed job with message, got %+v", bad)
			}
		})
	}
}

func TestStore_PruneRetention(t *testing.T) {
	ctx := context.Background()
	t.Run("memory", func(t *testing.T) {
		store := NewMemoryStore()
		now := time.Now()
		store.SetNow(func() time.Time { return now })

		for _, id := range []string{"done", "broken", "pending"} {
			if _, err := store.Enqueue(ctx, testJob(id, 5)); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
		for i := 0; i < 2; i++ {
			job, _ := store.Claim(ctx)
			if job.ID == "done" {
				store.Complete(ctx, job.ID)
			} else {
				store.Fail(ctx, job.ID, "x")
			}
		}

		// One hour later: completed retention (10m) has passed, failed
		// retention (24h) has not.
		store.SetNow(func() time.Time { return now.Add(time.Hour) })
		pruned, err := store.Prune(ctx, DefaultCompletedRetention, DefaultFailedRetention)
		if err != nil {
			t.Fatalf("prune: %v", err)
		}
		if pruned != 1 {
			t.Errorf("expected 1 pruned, got %d", pruned)
		}

		if job, _ := store.Get(ctx, "done"); job != nil {
			t.Error("expected completed job pruned")
		}
		if job, _ := store.Get(ctx, "broken"); job == nil {
			t.Error("expected failed job retained")
		}
		if job, _ := store.Get(ctx, "pending"); job == nil {
			t.Error("expected queued job retained")
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer store.Close()

		if _, err := store.Enqueue(ctx, testJob("done", 5)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		job, _ := store.Claim(ctx)
		store.Complete(ctx, job.ID)

		// Nothing old enough yet.
		pruned, err := store.Prune(ctx, time.Hour, time.Hour)
		if err != nil {
			t.Fatalf("prune: %v", err)
		}
		if pruned != 0 {
			t.Errorf("expected nothing pruned, got %d", pruned)
		}

		// Zero retention prunes immediately-finished jobs.
		pruned, err = store.Prune(ctx, -time.Second, -time.Second)
		if err != nil {
			t.Fatalf("prune: %v", err)
		}
		if pruned != 1 {
			t.Errorf("expected 1 pruned, got %d", pruned)
		}
	})
}

func TestSQLiteStore_EventRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	original := testJob("ev-1", 10)
	if _, err := store.Enqueue(ctx, original); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := store.Get(ctx, "ev-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Event == nil || job.Event.Payload.Kind != models.KindMessage {
		t.Fatalf("event payload lost in storage: %+v", job.Event)
	}
	if job.Event.Payload.Message.Text != "hi" {
		t.Errorf("expected message text preserved, got %+v", job.Event.Payload.Message)
	}
}
