package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/state"
	"github.com/haasonsaas/relay/pkg/models"
)

// DefaultPollInterval is the idle wait between claim attempts.
const DefaultPollInterval = 250 * time.Millisecond

// DefaultPruneInterval is how often finished jobs are pruned.
const DefaultPruneInterval = time.Minute

// Processor handles one claimed event.
type Processor func(ctx context.Context, event *models.Event) error

// Worker drains the durable queue with concurrency exactly 1. Serial
// execution is deliberate: the downstream runner is not safe for
// concurrent reuse of a single cached tool session, and serial
// processing keeps the audit ordering intuitive for a single end user.
type Worker struct {
	store        Store
	processor    Processor
	killSwitch   state.Switch
	logger       *slog.Logger
	metrics      *observability.Metrics
	pollInterval time.Duration

	pruneInterval      time.Duration
	completedRetention time.Duration
	failedRetention    time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// WorkerOption configures the worker.
type WorkerOption func(*Worker)

// WithWorkerLogger configures the worker logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithWorkerMetrics attaches job metrics.
func WithWorkerMetrics(metrics *observability.Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = metrics
	}
}

// WithWorkerPollInterval overrides the idle poll interval.
func WithWorkerPollInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

// WithRetention overrides how long finished jobs are kept.
func WithRetention(completed, failed time.Duration) WorkerOption {
	return func(w *Worker) {
		if completed > 0 {
			w.completedRetention = completed
		}
		if failed > 0 {
			w.failedRetention = failed
		}
	}
}

// WithPruneInterval overrides how often pruning runs.
func WithPruneInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		if interval > 0 {
			w.pruneInterval = interval
		}
	}
}

// NewWorker creates a queue worker. killSwitch may be nil, in which
// case jobs are never gated.
func NewWorker(store Store, processor Processor, killSwitch state.Switch, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:              store,
		processor:          processor,
		killSwitch:         killSwitch,
		logger:             slog.Default().With("component", "queue_worker"),
		pollInterval:       DefaultPollInterval,
		pruneInterval:      DefaultPruneInterval,
		completedRetention: DefaultCompletedRetention,
		failedRetention:    DefaultFailedRetention,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the worker loop. No-op if already started.
func (w *Worker) Start(ctx context.Context) {
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

// Stop halts the worker after the in-flight job finishes.
func (w *Worker) Stop() {
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

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	lastPrune := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		processed := w.step(ctx)

		if time.Since(lastPrune) >= w.pruneInterval {
			if pruned, err := w.store.Prune(ctx, w.completedRetention, w.failedRetention); err != nil {
				if ctx.Err() == nil {
					w.logger.Error("failed to prune jobs", "error", err)
				}
			} else if pruned > 0 {
				w.logger.Debug("pruned finished jobs", "count", pruned)
			}
			lastPrune = time.Now()
		}

		if processed {
			// Drain eagerly while work is available.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// step claims and processes at most one job. Returns true when a job
// was claimed.
func (w *Worker) step(ctx context.Context) bool {
	job, err := w.store.Claim(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to claim job", "error", err)
		}
		return false
	}
	if job == nil {
		return false
	}

	// Kill switch check happens per job, after the claim: an "on" switch
	// completes the job as a no-op rather than retrying it later. Agents
	// are disabled, not delayed.
	if w.killSwitch != nil {
		if on, err := w.killSwitch.KillSwitch(ctx); err != nil {
			w.logger.Error("failed to read kill switch", "error", err)
		} else if on {
			w.logger.Info("kill switch on, skipping job", "job", job.ID)
			if err := w.store.Complete(ctx, job.ID); err != nil {
				w.logger.Error("failed to complete skipped job", "job", job.ID, "error", err)
			}
			w.observeJob("skipped")
			return true
		}
	}

	if err := w.process(ctx, job); err != nil {
		w.logger.Error("job failed", "job", job.ID, "error", err)
		if ferr := w.store.Fail(ctx, job.ID, err.Error()); ferr != nil {
			w.logger.Error("failed to record job failure", "job", job.ID, "error", ferr)
		}
		w.observeJob("failed")
		return true
	}

	if err := w.store.Complete(ctx, job.ID); err != nil {
		w.logger.Error("failed to complete job", "job", job.ID, "error", err)
	}
	w.observeJob("succeeded")
	return true
}

func (w *Worker) observeJob(status string) {
	if w.metrics != nil {
		w.metrics.QueueJobs.WithLabelValues(status).Inc()
	}
}

func (w *Worker) process(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	if w.processor == nil {
		return nil
	}
	return w.processor(ctx, job.Event)
}
