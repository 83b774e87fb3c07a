// Package queue provides the durable queue adapter for the dispatch
// pipeline: a persistent, multi-worker-safe job store plus a serial
// worker loop.
//
// The job id always equals the event id, so re-dispatch of the same
// correlation id is deduplicated by the store's own primary-key
// semantics. That uniqueness is the cross-process duplicate guard; the
// in-process dedup window only covers a single producer process.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// Status represents the state of a queued job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Retention policy: completed jobs are pruned aggressively, failed jobs
// are kept longer for diagnostics.
const (
	DefaultCompletedRetention = 10 * time.Minute
	DefaultFailedRetention    = 24 * time.Hour
)

// Job is one durable unit of work wrapping a normalized event.
type Job struct {
	ID         string        `json:"id"` // equals the event id
	Event      *models.Event `json:"event"`
	Priority   int           `json:"priority"`
	Status     Status        `json:"status"`
	Attempts   int           `json:"attempts"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Store persists queue jobs. Implementations must be safe for use from
// multiple processes.
type Store interface {
	// Enqueue inserts a queued job. It returns false without error when
	// a job with the same id already exists (duplicate dispatch).
	Enqueue(ctx context.Context, job *Job) (bool, error)
	// Claim atomically takes the highest-priority queued job (FIFO
	// within a priority) and marks it running. Returns nil when empty.
	Claim(ctx context.Context) (*Job, error)
	// Complete marks a running job succeeded.
	Complete(ctx context.Context, id string) error
	// Fail marks a running job failed with a diagnostic message.
	Fail(ctx context.Context, id string, errMsg string) error
	// Get returns a job by id, or nil when absent.
	Get(ctx context.Context, id string) (*Job, error)
	// Prune removes finished jobs past their retention. Returns the
	// number of removed jobs.
	Prune(ctx context.Context, completedOlderThan, failedOlderThan time.Duration) (int64, error)
	Close() error
}

// MemoryStore keeps jobs in memory for tests and ephemeral runs.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	seq  map[string]int // insertion order for FIFO tie-break
	next int
	now  func() time.Time
}

// NewMemoryStore returns an in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		seq:  make(map[string]int),
		now:  time.Now,
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, job *Job) (bool, error) {
	if job == nil || job.ID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return false, nil
	}

	stored := cloneJob(job)
	stored.Status = StatusQueued
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.jobs[job.ID] = stored
	s.seq[job.ID] = s.next
	s.next++
	return true, nil
}

func (s *MemoryStore) Claim(ctx context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued []*Job
	for _, job := range s.jobs {
		if job.Status == StatusQueued {
			queued = append(queued, job)
		}
	}
	if len(queued) == 0 {
		return nil, nil
	}

	sort.SliceStable(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority > queued[j].Priority
		}
		return s.seq[queued[i].ID] < s.seq[queued[j].ID]
	})

	job := queued[0]
	job.Status = StatusRunning
	job.Attempts++
	job.StartedAt = s.now()
	return cloneJob(job), nil
}

func (s *MemoryStore) Complete(ctx context.Context, id string) error {
	return s.finish(id, StatusSucceeded, "")
}

func (s *MemoryStore) Fail(ctx context.Context, id string, errMsg string) error {
	return s.finish(id, StatusFailed, errMsg)
}

func (s *MemoryStore) finish(id string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	job.Status = status
	job.Error = errMsg
	job.FinishedAt = s.now()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) Prune(ctx context.Context, completedOlderThan, failedOlderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var pruned int64
	for id, job := range s.jobs {
		var cutoff time.Time
		switch job.Status {
		case StatusSucceeded:
			cutoff = now.Add(-completedOlderThan)
		case StatusFailed:
			cutoff = now.Add(-failedOlderThan)
		default:
			continue
		}
		if job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			delete(s.seq, id)
			pruned++
		}
	}
	return pruned, nil
}

func (s *MemoryStore) Close() error { return nil }

// SetNow overrides the clock for tests.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	return &clone
}
