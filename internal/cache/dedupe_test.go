package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func TestWindow_Admit(t *testing.T) {
	t.Run("first dispatch admitted", func(t *testing.T) {
		w := NewWindow(Options{TTL: time.Minute})
		admitted, id := w.Admit("k1", "ev-1")
		if !admitted || id != "ev-1" {
			t.Errorf("expected admission with own id, got %v %q", admitted, id)
		}
	})

	t.Run("duplicate within TTL suppressed with original id", func(t *testing.T) {
		w := NewWindow(Options{TTL: time.Minute})
		w.Admit("k1", "ev-1")
		admitted, id := w.Admit("k1", "ev-2")
		if admitted {
			t.Error("expected duplicate suppressed")
		}
		if id != "ev-1" {
			t.Errorf("expected original event id, got %q", id)
		}
	})

	t.Run("admitted again after TTL", func(t *testing.T) {
		w := NewWindow(Options{TTL: time.Minute})
		base := time.Now()
		w.AdmitAt("k1", "ev-1", base)

		if admitted, _ := w.AdmitAt("k1", "ev-2", base.Add(30*time.Second)); admitted {
			t.Error("expected suppression within TTL")
		}
		if admitted, _ := w.AdmitAt("k1", "ev-3", base.Add(61*time.Second)); !admitted {
			t.Error("expected admission after TTL")
		}
	})

	t.Run("duplicate does not extend the window", func(t *testing.T) {
		w := NewWindow(Options{TTL: time.Minute})
		base := time.Now()
		w.AdmitAt("k1", "ev-1", base)
		w.AdmitAt("k1", "ev-2", base.Add(50*time.Second))

		// 70s after first admission: window measured from the original,
		// not the suppressed retry.
		if admitted, _ := w.AdmitAt("k1", "ev-3", base.Add(70*time.Second)); !admitted {
			t.Error("expected window measured from original admission")
		}
	})

	t.Run("empty key always admitted", func(t *testing.T) {
		w := NewWindow(Options{TTL: time.Minute})
		if admitted, _ := w.Admit("", "ev-1"); !admitted {
			t.Error("expected empty key admitted")
		}
		if admitted, _ := w.Admit("", "ev-2"); !admitted {
			t.Error("expected empty key admitted twice")
		}
		if w.Size() != 0 {
			t.Error("empty key should not be recorded")
		}
	})
}

func TestWindow_Prune(t *testing.T) {
	t.Run("expired entries removed", func(t *testing.T) {
		w := NewWindow(Options{TTL: time.Second})
		base := time.Now()
		w.AdmitAt("k1", "ev-1", base)
		w.AdmitAt("k2", "ev-2", base.Add(2*time.Second))

		if w.Size() != 1 {
			t.Errorf("expected expired entry pruned, size %d", w.Size())
		}
	})

	t.Run("oldest evicted past max size", func(t *testing.T) {
		w := NewWindow(Options{TTL: time.Hour, MaxSize: 2})
		base := time.Now()
		w.AdmitAt("k1", "ev-1", base)
		w.AdmitAt("k2", "ev-2", base.Add(time.Millisecond))
		w.AdmitAt("k3", "ev-3", base.Add(2*time.Millisecond))

		if w.Size() > 2 {
			t.Errorf("expected size capped at 2, got %d", w.Size())
		}
		// k1 was oldest so a re-dispatch should now be admitted.
		if admitted, _ := w.AdmitAt("k1", "ev-4", base.Add(3*time.Millisecond)); !admitted {
			t.Error("expected evicted key admitted again")
		}
	})
}

func TestWindow_Concurrency(t *testing.T) {
	w := NewWindow(Options{TTL: time.Minute, MaxSize: 1000})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admittedCount := 0

	wg.Add(50)
	for i := 0; i < 50; i++ {
		go func() {
			defer wg.Done()
			if admitted, _ := w.Admit("same-key", "ev"); admitted {
				mu.Lock()
				admittedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admittedCount != 1 {
		t.Errorf("expected exactly one admission under contention, got %d", admittedCount)
	}
}

func TestEventKey(t *testing.T) {
	t.Run("deep-equal payloads share a key", func(t *testing.T) {
		a := EventKey(models.SourceAPI, "message.sent", map[string]any{"b": 2, "a": 1})
		b := EventKey(models.SourceAPI, "message.sent", map[string]any{"a": 1, "b": 2})
		if a != b {
			t.Errorf("expected identical keys, got %q vs %q", a, b)
		}
	})

	t.Run("different payloads differ", func(t *testing.T) {
		a := EventKey(models.SourceAPI, "message.sent", map[string]any{"text": "x"})
		b := EventKey(models.SourceAPI, "message.sent", map[string]any{"text": "y"})
		if a == b {
			t.Error("expected distinct keys")
		}
	})

	t.Run("source and type are part of the key", func(t *testing.T) {
		payload := map[string]any{"text": "x"}
		a := EventKey(models.SourceAPI, "message.sent", payload)
		b := EventKey(models.SourceSlack, "message.sent", payload)
		c := EventKey(models.SourceAPI, "other.type", payload)
		if a == b || a == c {
			t.Error("expected source and type to discriminate keys")
		}
	})

	t.Run("unencodable payload yields empty key", func(t *testing.T) {
		if key := EventKey(models.SourceAPI, "x", map[string]any{"f": func() {}}); key != "" {
			t.Errorf("expected empty key, got %q", key)
		}
	})
}

func TestWindow_Forget(t *testing.T) {
	t.Run("forgotten key is admitted again", func(t *testing.T) {
		w := NewWindow(Options{TTL: time.Minute})
		w.Admit("k1", "ev-1")
		w.Forget("k1", "ev-1")

		admitted, id := w.Admit("k1", "ev-2")
		if !admitted || id != "ev-2" {
			t.Errorf("expected fresh admission after forget, got %v %q", admitted, id)
		}
	})

	t.Run("only the recorded original may forget", func(t *testing.T) {
		w := NewWindow(Options{TTL: time.Minute})
		w.Admit("k1", "ev-1")
		w.Forget("k1", "ev-other")

		if admitted, id := w.Admit("k1", "ev-2"); admitted || id != "ev-1" {
			t.Errorf("expected original admission intact, got %v %q", admitted, id)
		}
	})
}
