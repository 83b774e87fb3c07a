package state

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// storeFactories lets the same contract tests run against every Store
// implementation.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

func TestStore_KillSwitch(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)

			on, err := store.KillSwitch(ctx)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if on {
				t.Error("expected kill switch off by default")
			}

			if err := store.SetKillSwitch(ctx, true); err != nil {
				t.Fatalf("set: %v", err)
			}
			if on, _ := store.KillSwitch(ctx); !on {
				t.Error("expected kill switch on")
			}

			if err := store.SetKillSwitch(ctx, false); err != nil {
				t.Fatalf("clear: %v", err)
			}
			if on, _ := store.KillSwitch(ctx); on {
				t.Error("expected kill switch off again")
			}
		})
	}
}

func TestStore_TakeFlags(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)

			if err := store.SetFlag(ctx, ScopeSchedule); err != nil {
				t.Fatalf("set flag: %v", err)
			}
			if err := store.SetFlag(ctx, ScopeMCP); err != nil {
				t.Fatalf("set flag: %v", err)
			}

			taken, err := store.TakeFlags(ctx, []string{ScopeSchedule, ScopeChannels})
			if err != nil {
				t.Fatalf("take: %v", err)
			}
			if len(taken) != 1 || taken[0] != ScopeSchedule {
				t.Errorf("expected only schedule taken, got %v", taken)
			}

			// Taken flags are cleared.
			taken, err = store.TakeFlags(ctx, []string{ScopeSchedule})
			if err != nil {
				t.Fatalf("second take: %v", err)
			}
			if len(taken) != 0 {
				t.Errorf("expected flag cleared after take, got %v", taken)
			}

			// Unwatched scope still raised.
			taken, err = store.TakeFlags(ctx, []string{ScopeMCP})
			if err != nil {
				t.Fatalf("mcp take: %v", err)
			}
			if len(taken) != 1 || taken[0] != ScopeMCP {
				t.Errorf("expected mcp flag intact, got %v", taken)
			}
		})
	}
}

func TestSQLiteStore_CrossHandleVisibility(t *testing.T) {
	// Two separate handles on the same file stand in for two processes.
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	writer, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer writer.Close()

	reader, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer reader.Close()

	if err := writer.SetKillSwitch(ctx, true); err != nil {
		t.Fatalf("set: %v", err)
	}
	if on, err := reader.KillSwitch(ctx); err != nil || !on {
		t.Errorf("expected other handle to observe kill switch, on=%v err=%v", on, err)
	}

	if err := writer.SetFlag(ctx, ScopeMCP); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	taken, err := reader.TakeFlags(ctx, []string{ScopeMCP})
	if err != nil || len(taken) != 1 {
		t.Errorf("expected other handle to take flag, taken=%v err=%v", taken, err)
	}
}

func TestWatcher(t *testing.T) {
	t.Run("observes and clears flags", func(t *testing.T) {
		store := NewMemoryStore()
		ctx := context.Background()

		var mu sync.Mutex
		var got [][]string
		watcher := NewWatcher(store, []string{ScopeSchedule, ScopeMCP},
			func(ctx context.Context, scopes []string) {
				mu.Lock()
				got = append(got, scopes)
				mu.Unlock()
			},
			WithPollInterval(10*time.Millisecond))

		watcher.Start(ctx)
		defer watcher.Stop()

		store.SetFlag(ctx, ScopeSchedule)

		deadline := time.After(time.Second)
		for {
			mu.Lock()
			n := len(got)
			mu.Unlock()
			if n > 0 {
				break
			}
			select {
			case <-deadline:
				t.Fatal("watcher never observed the flag")
			case <-time.After(5 * time.Millisecond):
			}
		}

		mu.Lock()
		defer mu.Unlock()
		if len(got) != 1 {
			t.Fatalf("expected exactly one observation, got %d", len(got))
		}
		if len(got[0]) != 1 || got[0][0] != ScopeSchedule {
			t.Errorf("unexpected scopes %v", got[0])
		}
	})

	t.Run("stop halts polling", func(t *testing.T) {
		store := NewMemoryStore()
		watcher := NewWatcher(store, []string{ScopeSchedule}, nil,
			WithPollInterval(5*time.Millisecond))
		watcher.Start(context.Background())
		watcher.Stop()
		// Second stop is a no-op.
		watcher.Stop()
	})

	t.Run("ignores unwatched scopes", func(t *testing.T) {
		store := NewMemoryStore()
		ctx := context.Background()

		fired := make(chan []string, 1)
		watcher := NewWatcher(store, []string{ScopeSchedule},
			func(ctx context.Context, scopes []string) {
				fired <- scopes
			},
			WithPollInterval(5*time.Millisecond))
		watcher.Start(ctx)
		defer watcher.Stop()

		store.SetFlag(ctx, ScopeMCP)

		select {
		case scopes := <-fired:
			t.Errorf("watcher fired for unwatched scope: %v", scopes)
		case <-time.After(50 * time.Millisecond):
		}

		// The flag must survive for its real watcher.
		taken, _ := store.TakeFlags(ctx, []string{ScopeMCP})
		if len(taken) != 1 {
			t.Error("unwatched flag was consumed")
		}
	})
}
