package dispatch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/queue"
	"github.com/haasonsaas/relay/internal/state"
	"github.com/haasonsaas/relay/pkg/models"
)

// Covers the full durable path: dispatch normalizes and enqueues, the
// worker claims in priority order, and registered handlers see the
// normalized event.
func TestPipeline_DispatchThroughDurableQueue(t *testing.T) {
	store, err := queue.NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	defer store.Close()

	killSwitch := state.NewMemoryStore()
	defer killSwitch.Close()

	d := New(killSwitch, WithQueue(store))

	var mu sync.Mutex
	var got []*models.Event
	d.Register(func(ctx context.Context, event *models.Event) error {
		mu.Lock()
		got = append(got, event)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()

	// Enqueue before the worker starts so the priority order is decided
	// by the queue, not by arrival timing.
	lowID, err := d.Dispatch(ctx, models.RawInput{
		Source:  models.SourceScheduler,
		Type:    models.TypeTaskScheduled,
		Payload: map[string]any{"intent": "daily summary"},
	}, models.DispatchOptions{})
	if err != nil {
		t.Fatalf("dispatch low: %v", err)
	}
	highID, err := d.Dispatch(ctx, models.RawInput{
		Source:  models.SourceAPI,
		Type:    models.TypeMessageSent,
		Payload: map[string]any{"text": "urgent", "userId": "u1"},
	}, models.DispatchOptions{})
	if err != nil {
		t.Fatalf("dispatch high: %v", err)
	}

	worker := queue.NewWorker(store, d.HandleEvent, killSwitch,
		queue.WithWorkerPollInterval(5*time.Millisecond))
	worker.Start(ctx)
	defer worker.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker delivered %d of 2 events", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].ID != highID || got[1].ID != lowID {
		t.Errorf("order [%s %s], want message before scheduled task", got[0].ID, got[1].ID)
	}
	if got[0].Payload.Kind != models.KindMessage || got[0].Payload.Message.Text != "urgent" {
		t.Errorf("normalization lost on the durable path: %+v", got[0].Payload)
	}

	// Both jobs must be terminal in the store.
	for _, id := range []string{highID, lowID} {
		job, err := store.Get(ctx, id)
		if err != nil || job == nil {
			t.Fatalf("job %s lookup: %v", id, err)
		}
		if job.Status != queue.StatusSucceeded {
			t.Errorf("job %s status %s, want succeeded", id, job.Status)
		}
	}
}

// Covers the kill switch across the durable path: a job enqueued while
// the switch is on completes as a no-op and is never handled.
func TestPipeline_KillSwitchDropsQueuedJob(t *testing.T) {
	store, err := queue.NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	defer store.Close()

	killSwitch := state.NewMemoryStore()
	defer killSwitch.Close()

	ctx := context.Background()
	if err := killSwitch.SetKillSwitch(ctx, true); err != nil {
		t.Fatalf("set kill switch: %v", err)
	}

	d := New(killSwitch, WithQueue(store))
	handled := make(chan string, 1)
	d.Register(func(ctx context.Context, event *models.Event) error {
		handled <- event.ID
		return nil
	})

	// Dispatch still admits and enqueues while the switch is on.
	id, err := d.Dispatch(ctx, messageInput("dropped"), models.DispatchOptions{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	worker := queue.NewWorker(store, d.HandleEvent, killSwitch,
		queue.WithWorkerPollInterval(5*time.Millisecond))
	worker.Start(ctx)
	defer worker.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		job, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job != nil && job.Status == queue.StatusSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("skipped job never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case got := <-handled:
		t.Errorf("handler ran for %s despite the kill switch", got)
	default:
	}
}
