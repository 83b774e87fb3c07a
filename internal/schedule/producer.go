// Package schedule turns persisted scheduled tasks into task.scheduled
// events.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/relay/pkg/models"
)

// TaskStore is the persistence surface the producer reads its entries
// from. One-shot tasks are deleted after firing.
type TaskStore interface {
	ListTasks(ctx context.Context) ([]*models.ScheduledTask, error)
	DeleteTask(ctx context.Context, id string) error
}

// Dispatcher is the event sink.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw models.RawInput, opts models.DispatchOptions) (string, error)
}

// Producer schedules recurring tasks through cron and one-shot tasks
// through timers, dispatching each firing as a task.scheduled event.
// Reload rebuilds all entries from the store.
type Producer struct {
	store      TaskStore
	dispatcher Dispatcher
	logger     *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	timers []*time.Timer
}

// NewProducer creates a schedule producer.
func NewProducer(store TaskStore, dispatcher Dispatcher, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.With("component", "schedule"),
	}
}

// Start loads the current task set and begins firing.
func (p *Producer) Start(ctx context.Context) error {
	return p.Reload(ctx)
}

// Reload rebuilds every cron entry and timer from the store. Called on
// startup and whenever the schedule reload scope fires.
func (p *Producer) Reload(ctx context.Context) error {
	tasks, err := p.store.ListTasks(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	p.cron = cron.New()

	now := time.Now()
	active := 0
	for _, task := range tasks {
		if task.Disabled {
			continue
		}
		task := task

		if task.Recurring() {
			if _, err := p.cron.AddFunc(task.CronExpr, func() { p.fire(task) }); err != nil {
				p.logger.Error("invalid cron expression, skipping task",
					"task", task.ID, "expr", task.CronExpr, "error", err)
				continue
			}
			active++
			continue
		}

		// One-shot. Past-due tasks fire immediately; scheduling survives
		// process restarts this way.
		delay := task.ExecuteAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		p.timers = append(p.timers, time.AfterFunc(delay, func() {
			p.fire(task)
			p.deleteFired(task.ID)
		}))
		active++
	}

	p.cron.Start()
	p.logger.Info("schedule loaded", "tasks", active)
	return nil
}

// Stop halts all firing.
func (p *Producer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Producer) stopLocked() {
	if p.cron != nil {
		p.cron.Stop()
		p.cron = nil
	}
	for _, timer := range p.timers {
		timer.Stop()
	}
	p.timers = nil
}

func (p *Producer) fire(task *models.ScheduledTask) {
	executeAt := task.ExecuteAt
	if executeAt.IsZero() {
		executeAt = time.Now().UTC()
	}

	raw := models.RawInput{
		Source: models.SourceScheduler,
		Type:   models.TypeTaskScheduled,
		Payload: map[string]any{
			"executeAt": executeAt.Format(time.RFC3339),
			"intent":    task.Intent,
			"context":   task.Context,
		},
	}

	id, err := p.dispatcher.Dispatch(context.Background(), raw, models.DispatchOptions{})
	if err != nil {
		p.logger.Error("failed to dispatch scheduled task",
			"task", task.ID, "error", err)
		return
	}
	p.logger.Debug("dispatched scheduled task", "task", task.ID, "event", id)
}

func (p *Producer) deleteFired(id string) {
	if err := p.store.DeleteTask(context.Background(), id); err != nil {
		p.logger.Warn("failed to delete fired one-shot task",
			"task", id, "error", err)
	}
}
