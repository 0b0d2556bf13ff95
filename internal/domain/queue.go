package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EnqueueOptions tune a single enqueue call. The zero value enqueues an
// immediately-runnable job on the type's default queue with the queue's
// default attempt ceiling.
type EnqueueOptions struct {
	// Delay postpones the earliest dequeue time to now+Delay.
	Delay time.Duration
	// RunAt sets an absolute earliest dequeue time. Takes precedence over
	// Delay when non-zero.
	RunAt time.Time
	// Priority orders eligible jobs at lease time (higher first).
	Priority int
	// MaxAttempts overrides the default lease-attempt ceiling when > 0.
	MaxAttempts int
	// Queue overrides QueueForType when non-empty.
	Queue string
}

// JobQueue is the durable queue the worker pool and scheduler operate on.
// All state transitions are atomic: a job is leased by at most one worker,
// acked at most once, and never dequeued before its RunAt.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType JobType, payload json.RawMessage, opts EnqueueOptions) (string, error)

	// DequeueLease atomically leases the oldest eligible pending job from
	// the given queues, ordered by priority then creation time. It blocks
	// briefly when the queues are empty and returns nil, nil when nothing
	// became eligible.
	DequeueLease(ctx context.Context, workerID string, queues []string, leaseFor time.Duration) (*Job, error)

	// ExtendLease pushes out the lease expiry of a job held by workerID.
	ExtendLease(ctx context.Context, jobID, workerID string, leaseFor time.Duration) error

	// Ack marks an active job completed.
	Ack(ctx context.Context, jobID string) error

	// Nack records a failure. Retryable failures with remaining attempts
	// move the job back to pending with a backoff delay; otherwise the job
	// fails terminally. Returns the resulting status.
	Nack(ctx context.Context, jobID string, jobErr error) (JobStatus, error)

	// Cancel moves a pending or active job to cancelled. Active jobs are
	// cancelled cooperatively: the running handler observes the state at
	// its next checkpoint and unwinds. Returns false if the job was
	// already terminal.
	Cancel(ctx context.Context, jobID string) (bool, error)

	GetStatus(ctx context.Context, jobID string) (*Job, error)

	// UpdateProgress records progress (0-100) for a long-running active job.
	UpdateProgress(ctx context.Context, jobID string, progress int) error
}

// QueueBroker is the wake-up channel in front of the durable store: ready
// job IDs live on per-queue lists, delayed IDs on a schedule-ordered set.
// The store remains authoritative; a lost broker entry only delays a job
// until the scheduler's reconcile pass.
type QueueBroker interface {
	// Push makes a job ID immediately available on a queue.
	Push(ctx context.Context, queue, jobID string) error
	// PushDelayed parks a job ID until runAt.
	PushDelayed(ctx context.Context, queue, jobID string, runAt time.Time) error
	// Pop blocks up to timeout for the next ready ID from any of the
	// queues. Returns "" when the timeout expires with nothing available.
	Pop(ctx context.Context, queues []string, timeout time.Duration) (string, error)
	// Remove drops a job ID from a queue's ready list and delay set.
	Remove(ctx context.Context, queue, jobID string) error
	// MoveDue promotes delayed IDs whose time has come onto the ready
	// list, at most batch of them, and returns how many moved.
	MoveDue(ctx context.Context, queue string, now time.Time, batch int64) (int, error)
	Close() error
}
