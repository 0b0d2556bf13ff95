package domain

import (
	"context"
	"time"
)

// JobRepository is the durable store behind the queue. Every mutating
// method is a compare-and-swap on job status so that concurrent workers
// can never both win the same transition.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, queue string, status JobStatus, limit int) ([]*Job, error)
	CountByStatus(ctx context.Context, queue string) (map[JobStatus]int, error)

	// Lease transitions a specific pending, due job to active for
	// workerID, incrementing its attempt count. Returns ErrNotLeasable if
	// the job is not pending or not yet due.
	Lease(ctx context.Context, id, workerID string, leaseUntil time.Time) (*Job, error)

	// LeaseNextReady leases the oldest eligible pending job on any of the
	// queues, ordered by priority then creation time, skipping rows other
	// workers hold locked. Returns nil, nil when nothing is eligible.
	LeaseNextReady(ctx context.Context, queues []string, workerID string, leaseUntil time.Time) (*Job, error)

	// ExtendLease moves the lease expiry of a job still held by workerID.
	ExtendLease(ctx context.Context, id, workerID string, leaseUntil time.Time) error

	// Complete transitions active -> completed. Returns false when the job
	// was not active (for example already cancelled).
	Complete(ctx context.Context, id string) (bool, error)

	// Fail transitions pending|active -> failed with a terminal error.
	Fail(ctx context.Context, id, msg string) (bool, error)

	// Reschedule transitions active -> pending with a new run time,
	// clearing the lease. Attempts are preserved.
	Reschedule(ctx context.Context, id, msg string, runAt time.Time) (bool, error)

	// Cancel transitions pending|active -> cancelled. Returns false when
	// the job was already terminal.
	Cancel(ctx context.Context, id string) (bool, error)

	SetProgress(ctx context.Context, id string, progress int) error

	// ExpiredLeases returns active jobs whose lease expiry has passed.
	ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*Job, error)
}

type ScheduleRepository interface {
	Create(ctx context.Context, schedule *ReportSchedule) error
	Get(ctx context.Context, id string) (*ReportSchedule, error)
	Update(ctx context.Context, schedule *ReportSchedule) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]*ReportSchedule, error)

	// ListDueUnarmed returns active schedules that are due but have no
	// live queued occurrence, the safety net for re-arms lost to a crash
	// or a terminally failed run.
	ListDueUnarmed(ctx context.Context, now time.Time, limit int) ([]*ReportSchedule, error)
}
