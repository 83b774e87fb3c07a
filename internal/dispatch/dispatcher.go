// Package dispatch routes normalized events to registered handlers,
// either through an in-process priority queue or a durable queue.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/relay/internal/cache"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/queue"
	"github.com/haasonsaas/relay/internal/state"
	"github.com/haasonsaas/relay/pkg/models"
)

// Handler processes one delivered event. Errors are logged and do not
// affect sibling handlers.
type Handler func(ctx context.Context, event *models.Event) error

// Dispatcher is the event router. All collaborators are injected; the
// dispatcher holds no package-level state, so tests can run isolated
// instances.
//
// Dispatch is fire-and-forget with best-effort feedback: once an event
// is normalized and admitted, its id is returned and downstream
// handler failures are observable only through whatever the handlers
// emit.
type Dispatcher struct {
	dedup      *cache.Window
	killSwitch state.Switch
	queue      queue.Store // nil means local in-process mode
	metrics    *observability.Metrics
	logger     *slog.Logger

	mu       sync.Mutex
	handlers []registeredHandler
	nextID   int
	pending  []pendingEvent
	draining bool
	seq      int

	// drained is closed and replaced each time the local queue empties;
	// tests use Wait to synchronize on it.
	drained chan struct{}
}

type registeredHandler struct {
	id int
	fn Handler
}

type pendingEvent struct {
	event *models.Event
	seq   int // arrival order for the stable tie-break
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithLogger configures the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithQueue attaches a durable queue. When present, dispatch enqueues
// instead of running the in-process queue, and ordering is delegated to
// the queue's own priority semantics.
func WithQueue(store queue.Store) Option {
	return func(d *Dispatcher) {
		d.queue = store
	}
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithDedupWindow overrides the dedup window.
func WithDedupWindow(window *cache.Window) Option {
	return func(d *Dispatcher) {
		if window != nil {
			d.dedup = window
		}
	}
}

// New creates a dispatcher. killSwitch may be nil, in which case
// dispatch is never gated.
func New(killSwitch state.Switch, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		dedup:      cache.NewWindow(cache.Options{}),
		killSwitch: killSwitch,
		logger:     slog.Default().With("component", "dispatcher"),
		drained:    make(chan struct{}),
	}
	close(d.drained)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a handler and returns its unregister function.
// Multiple independent handlers may be registered for every event.
func (d *Dispatcher) Register(handler Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.handlers = append(d.handlers, registeredHandler{id: id, fn: handler})

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, h := range d.handlers {
			if h.id == id {
				d.handlers = append(d.handlers[:i], d.handlers[i+1:]...)
				return
			}
		}
	}
}

// Dispatch normalizes, deduplicates, and routes one raw input. It
// returns the event id as soon as the event is admitted; a duplicate
// dispatch within the dedup window returns the ORIGINAL event's id so
// correlated callers share one delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, raw models.RawInput, opts models.DispatchOptions) (string, error) {
	event := events.NewEvent(raw, opts)

	key := cache.EventKey(raw.Source, raw.Type, raw.Payload)
	admitted, originalID := d.dedup.Admit(key, event.ID)
	if !admitted {
		if d.metrics != nil {
			d.metrics.EventsDeduplicated.Inc()
		}
		d.logger.Debug("duplicate dispatch suppressed",
			"source", raw.Source, "type", raw.Type, "original", originalID)
		return originalID, nil
	}

	if d.metrics != nil {
		d.metrics.EventsDispatched.WithLabelValues(string(event.Source), event.Type).Inc()
	}

	if d.queue != nil {
		inserted, err := d.queue.Enqueue(ctx, &queue.Job{
			ID:       event.ID,
			Event:    event,
			Priority: event.Priority,
		})
		if err != nil {
			// Nothing was persisted, so the admission must not outlive the
			// failure: keeping the key would suppress retries for the whole
			// TTL while no job exists to deliver the event.
			d.dedup.Forget(key, event.ID)
			return "", fmt.Errorf("enqueue event %s: %w", event.ID, err)
		}
		if !inserted {
			// Another process already enqueued this correlation id; the
			// backend's job-id uniqueness is the cross-process dedup.
			d.logger.Debug("event already enqueued", "event", event.ID)
		}
		return event.ID, nil
	}

	d.enqueueLocal(event)
	return event.ID, nil
}

// HandleEvent runs every registered handler for the event,
// sequentially. A handler error or panic is logged and does not stop
// the remaining handlers. Used directly as the durable-queue processor.
func (d *Dispatcher) HandleEvent(ctx context.Context, event *models.Event) error {
	d.mu.Lock()
	handlers := make([]registeredHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()

	for _, h := range handlers {
		if err := d.runHandler(ctx, h.fn, event); err != nil {
			if d.metrics != nil {
				d.metrics.HandlerExecutions.WithLabelValues("error").Inc()
			}
			d.logger.Error("handler failed",
				"event", event.ID, "type", event.Type, "error", err)
			continue
		}
		if d.metrics != nil {
			d.metrics.HandlerExecutions.WithLabelValues("success").Inc()
		}
	}
	return nil
}

func (d *Dispatcher) runHandler(ctx context.Context, handler Handler, event *models.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}

// Wait blocks until the local queue has fully drained. Queue mode
// returns immediately; draining there is the worker's business.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	ch := d.drained
	d.mu.Unlock()
	<-ch
}

func (d *Dispatcher) enqueueLocal(event *models.Event) {
	d.mu.Lock()
	d.pending = append(d.pending, pendingEvent{event: event, seq: d.seq})
	d.seq++
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	d.drained = make(chan struct{})
	d.mu.Unlock()

	go d.drainLocal()
}

// drainLocal processes the local queue serially: strictly descending
// priority, arrival order within a priority, one event fully handled
// before the next is dequeued.
func (d *Dispatcher) drainLocal() {
	ctx := context.Background()
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.draining = false
			close(d.drained)
			d.mu.Unlock()
			return
		}
		sort.SliceStable(d.pending, func(i, j int) bool {
			if d.pending[i].event.Priority != d.pending[j].event.Priority {
				return d.pending[i].event.Priority > d.pending[j].event.Priority
			}
			return d.pending[i].seq < d.pending[j].seq
		})
		next := d.pending[0].event
		d.pending = d.pending[1:]
		d.mu.Unlock()

		// Kill switch check before each drain step: skipped events are
		// dropped, not requeued. The intent is "agents are disabled",
		// not "agents are delayed".
		if d.killSwitch != nil {
			if on, err := d.killSwitch.KillSwitch(ctx); err != nil {
				d.logger.Error("failed to read kill switch", "error", err)
			} else if on {
				if d.metrics != nil {
					d.metrics.EventsSkipped.Inc()
				}
				d.logger.Info("kill switch on, skipping event", "event", next.ID)
				continue
			}
		}

		_ = d.HandleEvent(ctx, next)
	}
}
