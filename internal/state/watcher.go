package state

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is how often the watcher scans its scopes.
// Polling (not push) is chosen for crash tolerance: a missed pub/sub
// message during a brief disconnect would otherwise strand stale caches.
const DefaultPollInterval = 2 * time.Second

// Watcher polls the shared state store for its reload scopes and fires
// a callback when any flag is raised. One periodic task scans the whole
// scope set; there is no per-scope timer.
type Watcher struct {
	store    Store
	scopes   []string
	interval time.Duration
	onReload func(ctx context.Context, scopes []string)
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithPollInterval overrides the polling interval.
func WithPollInterval(interval time.Duration) WatcherOption {
	return func(w *Watcher) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithWatcherLogger configures the watcher logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher creates a watcher for the given scopes. The callback
// receives exactly the scopes whose flags were observed (and cleared).
func NewWatcher(store Store, scopes []string, onReload func(ctx context.Context, scopes []string), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		store:    store,
		scopes:   append([]string(nil), scopes...),
		interval: DefaultPollInterval,
		onReload: onReload,
		logger:   slog.Default().With("component", "reload_watcher"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins polling. It is a no-op if already started.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go w.loop(ctx)
}

// Stop halts polling and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	<-done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	taken, err := w.store.TakeFlags(ctx, w.scopes)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to poll reload flags", "error", err)
		}
		return
	}
	if len(taken) == 0 {
		return
	}

	w.logger.Info("reload flags observed", "scopes", taken)
	if w.onReload != nil {
		w.onReload(ctx, taken)
	}
}
