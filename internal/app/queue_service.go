package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"reportd/internal/domain"
	"reportd/internal/retry"
)

// QueueService is the durable JobQueue: Postgres holds every job and is
// authoritative for all transitions, Redis only announces readiness. A
// lost broker entry delays a job until the scheduler's reconcile pass;
// it never loses or duplicates one.
type QueueService struct {
	repo    domain.JobRepository
	broker  domain.QueueBroker
	audit   domain.AuditSink
	log     *zap.Logger
	backoff retry.Policy

	// reclaimDelay spaces out the retry of a job whose lease expired, so a
	// worker that died mid-job does not get its work replayed instantly.
	reclaimDelay time.Duration

	popTimeout time.Duration
	now        func() time.Time
}

type QueueOption func(*QueueService)

// WithQueueBackoff overrides the delay policy applied between lease
// attempts of a nacked job.
func WithQueueBackoff(p retry.Policy) QueueOption {
	return func(s *QueueService) { s.backoff = p }
}

func WithReclaimDelay(d time.Duration) QueueOption {
	return func(s *QueueService) { s.reclaimDelay = d }
}

func WithQueueClock(now func() time.Time) QueueOption {
	return func(s *QueueService) { s.now = now }
}

func NewQueueService(repo domain.JobRepository, broker domain.QueueBroker, audit domain.AuditSink, log *zap.Logger, opts ...QueueOption) *QueueService {
	s := &QueueService{
		repo:   repo,
		broker: broker,
		audit:  audit,
		log:    log,
		backoff: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Second,
			MaxDelay:    5 * time.Minute,
			Multiplier:  2,
		},
		reclaimDelay: 5 * time.Second,
		popTimeout:   2 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *QueueService) Enqueue(ctx context.Context, jobType domain.JobType, payload json.RawMessage, opts domain.EnqueueOptions) (string, error) {
	job := domain.NewJob(jobType, payload)
	job.Priority = opts.Priority
	if opts.MaxAttempts > 0 {
		job.MaxAttempts = opts.MaxAttempts
	}
	if opts.Queue != "" {
		job.Queue = opts.Queue
	}
	if !opts.RunAt.IsZero() {
		job.RunAt = opts.RunAt.UTC()
	} else if opts.Delay > 0 {
		job.RunAt = s.now().UTC().Add(opts.Delay)
	}

	if err := s.repo.Create(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}

	if err := s.announce(ctx, job); err != nil {
		// The job row exists; the reconcile pass will announce it.
		s.log.Warn("broker announce failed, job awaits reconcile",
			zap.String("job_id", job.ID), zap.Error(err))
	}

	s.audit.Record(ctx, domain.AuditEvent{
		JobID:      job.ID,
		Action:     "enqueued",
		Detail:     string(jobType),
		OccurredAt: s.now(),
	})
	return job.ID, nil
}

func (s *QueueService) announce(ctx context.Context, job *domain.Job) error {
	if job.RunAt.After(s.now()) {
		return s.broker.PushDelayed(ctx, job.Queue, job.ID, job.RunAt)
	}
	return s.broker.Push(ctx, job.Queue, job.ID)
}

// DequeueLease leases the best eligible job on the given queues. The
// broker pop is only a wakeup: the ready list is FIFO, so job selection
// is left to the store, which orders by priority then age. Announcements
// and ready jobs stay one-to-one, so consuming an entry while leasing a
// different job starves nothing; a pop timeout still falls through to
// the store, reconciling jobs whose announcement was lost.
func (s *QueueService) DequeueLease(ctx context.Context, workerID string, queues []string, leaseFor time.Duration) (*domain.Job, error) {
	if _, err := s.broker.Pop(ctx, queues, s.popTimeout); err != nil {
		return nil, fmt.Errorf("pop: %w", err)
	}
	return s.repo.LeaseNextReady(ctx, queues, workerID, s.now().Add(leaseFor))
}

func (s *QueueService) ExtendLease(ctx context.Context, jobID, workerID string, leaseFor time.Duration) error {
	return s.repo.ExtendLease(ctx, jobID, workerID, s.now().Add(leaseFor))
}

func (s *QueueService) Ack(ctx context.Context, jobID string) error {
	changed, err := s.repo.Complete(ctx, jobID)
	if err != nil {
		return err
	}
	if !changed {
		job, err := s.repo.Get(ctx, jobID)
		if err != nil {
			return err
		}
		// A cancel that raced the finishing handler wins; the ack becomes
		// a no-op.
		if job.Status == domain.JobStatusCancelled {
			return nil
		}
		return fmt.Errorf("ack job %s in status %s", jobID, job.Status)
	}
	s.audit.Record(ctx, domain.AuditEvent{JobID: jobID, Action: "completed", OccurredAt: s.now()})
	return nil
}

func (s *QueueService) Nack(ctx context.Context, jobID string, jobErr error) (domain.JobStatus, error) {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != domain.JobStatusActive {
		return job.Status, nil
	}

	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	if domain.IsPermanent(jobErr) || job.Attempts >= job.MaxAttempts {
		if _, err := s.repo.Fail(ctx, jobID, msg); err != nil {
			return "", err
		}
		s.audit.Record(ctx, domain.AuditEvent{JobID: jobID, Action: "failed", Detail: msg, OccurredAt: s.now()})
		return domain.JobStatusFailed, nil
	}

	runAt := s.now().Add(s.backoff.Delay(job.Attempts + 1))
	changed, err := s.repo.Reschedule(ctx, jobID, msg, runAt)
	if err != nil {
		return "", err
	}
	if !changed {
		job, err := s.repo.Get(ctx, jobID)
		if err != nil {
			return "", err
		}
		return job.Status, nil
	}
	if err := s.broker.PushDelayed(ctx, job.Queue, jobID, runAt); err != nil {
		s.log.Warn("delayed announce failed, job awaits reconcile",
			zap.String("job_id", jobID), zap.Error(err))
	}
	s.audit.Record(ctx, domain.AuditEvent{JobID: jobID, Action: "retry_scheduled", Detail: msg, OccurredAt: s.now()})
	return domain.JobStatusPending, nil
}

func (s *QueueService) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	changed, err := s.repo.Cancel(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if err := s.broker.Remove(ctx, job.Queue, jobID); err != nil {
		// A stale announcement is harmless; leasing a cancelled job fails.
		s.log.Debug("broker remove failed", zap.String("job_id", jobID), zap.Error(err))
	}
	s.audit.Record(ctx, domain.AuditEvent{JobID: jobID, Action: "cancelled", OccurredAt: s.now()})
	return true, nil
}

func (s *QueueService) GetStatus(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.repo.Get(ctx, jobID)
}

func (s *QueueService) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	return s.repo.SetProgress(ctx, jobID, progress)
}

// PromoteDue moves delayed announcements whose time has come onto the
// ready lists. Called from the scheduler's fast tick.
func (s *QueueService) PromoteDue(ctx context.Context, queues []string) (int, error) {
	total := 0
	for _, queue := range queues {
		moved, err := s.broker.MoveDue(ctx, queue, s.now(), 100)
		if err != nil {
			return total, fmt.Errorf("move due on %s: %w", queue, err)
		}
		total += moved
	}
	return total, nil
}

// ReclaimExpired handles jobs whose worker went silent: an expired lease
// is an implicit nack. Jobs with attempts left go back to pending after
// the reclaim delay; exhausted ones fail.
func (s *QueueService) ReclaimExpired(ctx context.Context) (int, error) {
	jobs, err := s.repo.ExpiredLeases(ctx, s.now(), 100)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, job := range jobs {
		if job.Attempts >= job.MaxAttempts {
			if _, err := s.repo.Fail(ctx, job.ID, "lease expired"); err != nil {
				s.log.Error("fail expired job", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			s.audit.Record(ctx, domain.AuditEvent{JobID: job.ID, Action: "failed", Detail: "lease expired", OccurredAt: s.now()})
		} else {
			runAt := s.now().Add(s.reclaimDelay)
			changed, err := s.repo.Reschedule(ctx, job.ID, "lease expired", runAt)
			if err != nil {
				s.log.Error("reschedule expired job", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			if !changed {
				continue
			}
			if err := s.broker.PushDelayed(ctx, job.Queue, job.ID, runAt); err != nil {
				s.log.Warn("delayed announce failed, job awaits reconcile",
					zap.String("job_id", job.ID), zap.Error(err))
			}
			s.audit.Record(ctx, domain.AuditEvent{JobID: job.ID, Action: "lease_reclaimed", OccurredAt: s.now()})
		}
		reclaimed++
	}
	return reclaimed, nil
}

var _ domain.JobQueue = (*QueueService)(nil)
