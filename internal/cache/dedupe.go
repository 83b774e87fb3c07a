// Package cache provides the in-process deduplication window for the
// dispatch pipeline.
package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// DefaultTTL is the dedup suppression window.
const DefaultTTL = 60 * time.Second

// DefaultMaxSize bounds the window so a burst of unique events cannot
// grow the map without limit.
const DefaultMaxSize = 10000

// Window suppresses re-dispatch of identical events within a TTL.
// State is per-process and intentionally not persisted; losing it on
// restart is acceptable because the durable queue's job-id uniqueness
// is the cross-process guard.
type Window struct {
	mu      sync.Mutex
	seen    map[string]dedupEntry // key -> first admission
	ttl     time.Duration
	maxSize int
}

type dedupEntry struct {
	at      int64 // unix millis of admission
	eventID string
}

// Options configures the dedup window.
type Options struct {
	TTL     time.Duration
	MaxSize int
}

// NewWindow creates a dedup window. Zero options take the defaults.
func NewWindow(opts Options) *Window {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Window{
		seen:    make(map[string]dedupEntry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Admit records the key and returns true when the key has not been seen
// within the TTL. A false return means the dispatch is a duplicate and
// OriginalID reports the event id of the admitted original.
func (w *Window) Admit(key, eventID string) (admitted bool, originalID string) {
	return w.AdmitAt(key, eventID, time.Now())
}

// AdmitAt is Admit with an explicit clock for tests.
func (w *Window) AdmitAt(key, eventID string, now time.Time) (bool, string) {
	if key == "" {
		return true, eventID
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	nowMillis := now.UnixMilli()
	if entry, ok := w.seen[key]; ok && nowMillis-entry.at < w.ttl.Milliseconds() {
		return false, entry.eventID
	}

	w.seen[key] = dedupEntry{at: nowMillis, eventID: eventID}
	w.prune(nowMillis)
	return true, eventID
}

// prune drops expired entries, then evicts oldest entries past maxSize.
func (w *Window) prune(nowMillis int64) {
	cutoff := nowMillis - w.ttl.Milliseconds()
	for key, entry := range w.seen {
		if entry.at < cutoff {
			delete(w.seen, key)
		}
	}

	for len(w.seen) > w.maxSize {
		var oldestKey string
		oldest := int64(^uint64(0) >> 1)
		for key, entry := range w.seen {
			if entry.at < oldest {
				oldest = entry.at
				oldestKey = key
			}
		}
		if oldestKey == "" {
			return
		}
		delete(w.seen, oldestKey)
	}
}

// Forget drops the key, but only while eventID is still the recorded
// original. Used when the work behind an admission failed to persist:
// leaving the key in place would suppress retries for the whole TTL
// with nothing enqueued to deliver.
func (w *Window) Forget(key, eventID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if entry, ok := w.seen[key]; ok && entry.eventID == eventID {
		delete(w.seen, key)
	}
}

// Size returns the number of live entries.
func (w *Window) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// Clear drops all entries.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen = make(map[string]dedupEntry)
}

// EventKey derives the dedup key "source:type:JSON(payload)".
// encoding/json sorts map keys, so deep-equal payloads always encode to
// the same key.
func EventKey(source models.EventSource, eventType string, payload map[string]any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		// Unencodable payloads cannot be meaningfully deduplicated.
		return ""
	}
	return string(source) + ":" + eventType + ":" + string(data)
}
