package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"reportd/internal/domain"
	"reportd/internal/retry"
)

// MemoryQueue is a process-local domain.JobQueue for tests and single-node
// development. All state lives in one lookup map guarded by a mutex; every
// transition is a compare-and-swap on job status, matching the semantics of
// the Postgres-backed queue.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job

	backoff      retry.Policy
	reclaimDelay time.Duration
	now          func() time.Time
}

type MemoryOption func(*MemoryQueue)

// WithClock overrides the queue's clock, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

// WithBackoff overrides the nack backoff policy.
func WithBackoff(policy retry.Policy) MemoryOption {
	return func(q *MemoryQueue) { q.backoff = policy }
}

func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		jobs:         make(map[string]*domain.Job),
		backoff:      retry.Policy{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2},
		reclaimDelay: 5 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobType domain.JobType, payload json.RawMessage, opts domain.EnqueueOptions) (string, error) {
	job := domain.NewJob(jobType, payload)
	now := q.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.RunAt = now
	if opts.Delay > 0 {
		job.RunAt = now.Add(opts.Delay)
	}
	if !opts.RunAt.IsZero() {
		job.RunAt = opts.RunAt
	}
	job.Priority = opts.Priority
	if opts.MaxAttempts > 0 {
		job.MaxAttempts = opts.MaxAttempts
	}
	if opts.Queue != "" {
		job.Queue = opts.Queue
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()
	return job.ID, nil
}

func (q *MemoryQueue) DequeueLease(ctx context.Context, workerID string, queues []string, leaseFor time.Duration) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.reclaimLocked(now)

	var best *domain.Job
	for _, job := range q.jobs {
		if job.Status != domain.JobStatusPending || job.RunAt.After(now) {
			continue
		}
		if !queueMatches(job.Queue, queues) {
			continue
		}
		if best == nil || leaseBefore(job, best) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = domain.JobStatusActive
	best.Attempts++
	best.LeasedBy = &workerID
	expiry := now.Add(leaseFor)
	best.LeaseExpiresAt = &expiry
	if best.StartedAt == nil {
		started := now
		best.StartedAt = &started
	}
	best.UpdatedAt = now
	return cloneJob(best), nil
}

// leaseBefore orders eligible jobs: higher priority first, then oldest.
func leaseBefore(a, b *domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func queueMatches(queue string, queues []string) bool {
	if len(queues) == 0 {
		return true
	}
	for _, q := range queues {
		if q == queue {
			return true
		}
	}
	return false
}

func (q *MemoryQueue) ExtendLease(ctx context.Context, jobID, workerID string, leaseFor time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusActive || job.LeasedBy == nil || *job.LeasedBy != workerID {
		return domain.ErrLeaseLost
	}
	expiry := q.now().Add(leaseFor)
	job.LeaseExpiresAt = &expiry
	job.UpdatedAt = q.now()
	return nil
}

func (q *MemoryQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	switch job.Status {
	case domain.JobStatusActive:
		now := q.now()
		job.Status = domain.JobStatusCompleted
		job.Progress = 100
		job.FinishedAt = &now
		job.UpdatedAt = now
		job.LeasedBy = nil
		job.LeaseExpiresAt = nil
		return nil
	case domain.JobStatusCancelled:
		// Cancelled while the handler was finishing; the cancel wins.
		return nil
	default:
		return fmt.Errorf("cannot ack job %s in state %s", jobID, job.Status)
	}
}

func (q *MemoryQueue) Nack(ctx context.Context, jobID string, jobErr error) (domain.JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return "", domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusActive {
		// Reclaimed or cancelled out from under the worker; nothing to do.
		return job.Status, nil
	}

	now := q.now()
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	job.LastError = &msg
	job.UpdatedAt = now
	job.LeasedBy = nil
	job.LeaseExpiresAt = nil

	if domain.IsPermanent(jobErr) || job.Attempts >= job.MaxAttempts {
		job.Status = domain.JobStatusFailed
		job.FinishedAt = &now
		return domain.JobStatusFailed, nil
	}

	job.Status = domain.JobStatusPending
	job.RunAt = now.Add(q.backoff.Delay(job.Attempts + 1))
	return domain.JobStatusPending, nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return false, nil
	}
	now := q.now()
	job.Status = domain.JobStatusCancelled
	job.FinishedAt = &now
	job.UpdatedAt = now
	return true, nil
}

func (q *MemoryQueue) GetStatus(ctx context.Context, jobID string) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (q *MemoryQueue) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusActive {
		return nil
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	job.Progress = progress
	job.UpdatedAt = q.now()
	return nil
}

// CountByStatus snapshots per-status counts, optionally restricted to one
// queue.
func (q *MemoryQueue) CountByStatus(queue string) map[domain.JobStatus]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[domain.JobStatus]int)
	for _, job := range q.jobs {
		if queue != "" && job.Queue != queue {
			continue
		}
		counts[job.Status]++
	}
	return counts
}

// reclaimLocked is the lease-expiry liveness pass: active jobs whose lease
// lapsed are treated as implicitly nacked by a crashed worker.
func (q *MemoryQueue) reclaimLocked(now time.Time) {
	for _, job := range q.jobs {
		if job.Status != domain.JobStatusActive || job.LeaseExpiresAt == nil || job.LeaseExpiresAt.After(now) {
			continue
		}
		job.LeasedBy = nil
		job.LeaseExpiresAt = nil
		job.UpdatedAt = now
		if job.Attempts >= job.MaxAttempts {
			msg := "lease expired after final attempt"
			job.LastError = &msg
			job.Status = domain.JobStatusFailed
			job.FinishedAt = &now
			continue
		}
		job.Status = domain.JobStatusPending
		job.RunAt = now.Add(q.reclaimDelay)
	}
}

func cloneJob(job *domain.Job) *domain.Job {
	clone := *job
	if job.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), job.Payload...)
	}
	if job.LeasedBy != nil {
		v := *job.LeasedBy
		clone.LeasedBy = &v
	}
	if job.LeaseExpiresAt != nil {
		v := *job.LeaseExpiresAt
		clone.LeaseExpiresAt = &v
	}
	if job.LastError != nil {
		v := *job.LastError
		clone.LastError = &v
	}
	if job.StartedAt != nil {
		v := *job.StartedAt
		clone.StartedAt = &v
	}
	if job.FinishedAt != nil {
		v := *job.FinishedAt
		clone.FinishedAt = &v
	}
	return &clone
}
