package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"reportd/internal/domain"
	"reportd/internal/retry"
)

// HandlerFunc executes one leased job. A returned artifact is attached to
// the completion notification; handlers without output return nil.
type HandlerFunc func(ctx context.Context, job *domain.Job) (*domain.ArtifactRef, error)

type registration struct {
	handler HandlerFunc
	policy  retry.Policy
}

// WorkerConfig sizes a worker pool.
type WorkerConfig struct {
	Concurrency int
	Queues      []string
	// LeaseFor is how long each lease (and heartbeat extension) lasts.
	LeaseFor time.Duration
	// RatePerSecond caps job starts across the whole pool. Zero disables
	// the limit.
	RatePerSecond float64
}

// WorkerMetrics is a point-in-time snapshot of pool counters.
type WorkerMetrics struct {
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Cancelled int64 `json:"cancelled"`
}

// WorkerService runs a fixed-size pool of workers over the job queue.
// Each job type is dispatched through a registered handler wrapped in
// that type's retry policy; in-process retries happen inside one lease,
// which a background heartbeat keeps alive.
type WorkerService struct {
	queue    domain.JobQueue
	notifier domain.Notifier
	log      *zap.Logger

	concurrency    int
	queues         []string
	leaseFor       time.Duration
	heartbeatEvery time.Duration
	limiter        *rate.Limiter

	handlers map[domain.JobType]registration

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	cancelled atomic.Int64
}

func NewWorkerService(queue domain.JobQueue, notifier domain.Notifier, log *zap.Logger, cfg WorkerConfig) *WorkerService {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseFor <= 0 {
		cfg.LeaseFor = 60 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &WorkerService{
		queue:          queue,
		notifier:       notifier,
		log:            log,
		concurrency:    cfg.Concurrency,
		queues:         cfg.Queues,
		leaseFor:       cfg.LeaseFor,
		heartbeatEvery: cfg.LeaseFor / 3,
		limiter:        limiter,
		handlers:       make(map[domain.JobType]registration),
	}
}

// Register binds a handler and retry policy to a job type. All
// registrations must happen before Run.
func (s *WorkerService) Register(jobType domain.JobType, handler HandlerFunc, policy retry.Policy) error {
	if jobType == "" {
		return errors.New("job type cannot be empty")
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if _, exists := s.handlers[jobType]; exists {
		return fmt.Errorf("handler already registered for type %q", jobType)
	}
	s.handlers[jobType] = registration{handler: handler, policy: policy}
	return nil
}

// Run blocks until ctx is done, then drains: workers stop leasing new
// jobs but finish the ones they hold.
func (s *WorkerService) Run(ctx context.Context) error {
	if len(s.queues) == 0 {
		return errors.New("no queues configured")
	}
	s.log.Info("worker pool starting",
		zap.Int("concurrency", s.concurrency),
		zap.Strings("queues", s.queues))

	g := new(errgroup.Group)
	for i := 0; i < s.concurrency; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		g.Go(func() error {
			return s.workerLoop(ctx, workerID)
		})
	}
	err := g.Wait()
	s.log.Info("worker pool drained")
	return err
}

func (s *WorkerService) workerLoop(ctx context.Context, workerID string) error {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		job, err := s.queue.DequeueLease(ctx, workerID, s.queues, s.leaseFor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("dequeue failed", zap.String("worker_id", workerID), zap.Error(err))
			sleepFor(ctx, time.Second)
			continue
		}
		if job == nil {
			continue
		}
		s.process(ctx, workerID, job)
	}
}

func (s *WorkerService) process(ctx context.Context, workerID string, job *domain.Job) {
	s.processed.Add(1)
	log := s.log.With(
		zap.String("worker_id", workerID),
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("attempt", job.Attempts))

	reg, ok := s.handlers[job.Type]
	if !ok {
		log.Error("no handler for job type")
		s.finish(ctx, log, job, nil, domain.Permanentf("no handler registered for type %q", job.Type))
		return
	}

	// In-flight work survives pool shutdown; only cancellation and a lost
	// lease abort the handler.
	jobCtx, cancelJob := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJob()

	hbDone := make(chan struct{})
	go s.heartbeat(jobCtx, cancelJob, hbDone, workerID, job.ID)

	executor := retry.New(reg.policy)
	executor.OnRetry = func(err error, attempt int) {
		s.retried.Add(1)
		log.Warn("retrying handler", zap.Int("handler_attempt", attempt), zap.Error(err))
	}

	started := time.Now()
	artifact, outcome, err := retry.Do(jobCtx, executor, func(ctx context.Context) (*domain.ArtifactRef, error) {
		return reg.handler(ctx, job)
	})
	cancelJob()
	<-hbDone

	log.Info("handler finished",
		zap.Int("handler_attempts", outcome.Attempts),
		zap.Duration("elapsed", time.Since(started)),
		zap.Bool("ok", err == nil))

	s.finish(ctx, log, job, artifact, err)
}

// finish settles the lease and emits at most one terminal notification.
func (s *WorkerService) finish(ctx context.Context, log *zap.Logger, job *domain.Job, artifact *domain.ArtifactRef, handlerErr error) {
	// The pool ctx is already cancelled while draining; settlement must
	// still land, or a job that finished during shutdown stays active and
	// is re-run after its lease expires.
	ctx = context.WithoutCancel(ctx)
	switch {
	case handlerErr == nil:
		if err := s.queue.Ack(ctx, job.ID); err != nil {
			log.Error("ack failed", zap.Error(err))
			return
		}
		// A cancel can win the race against a finishing handler; the ack
		// is then a no-op and the outcome is cancelled.
		current, err := s.queue.GetStatus(ctx, job.ID)
		if err == nil && current.Status == domain.JobStatusCancelled {
			s.cancelled.Add(1)
			s.notify(job, domain.JobStatusCancelled, "", nil)
			return
		}
		s.succeeded.Add(1)
		s.notify(job, domain.JobStatusCompleted, "", artifact)

	case errors.Is(handlerErr, domain.ErrCancelled):
		s.cancelled.Add(1)
		log.Info("job cancelled")
		s.notify(job, domain.JobStatusCancelled, "", nil)

	case errors.Is(handlerErr, context.Canceled):
		// The heartbeat aborted the handler: either the job was cancelled
		// underneath us or the lease is lost and the reclaimer owns it.
		current, err := s.queue.GetStatus(ctx, job.ID)
		if err == nil && current.Status == domain.JobStatusCancelled {
			s.cancelled.Add(1)
			s.notify(job, domain.JobStatusCancelled, "", nil)
			return
		}
		log.Warn("handler aborted, lease no longer held")

	default:
		status, err := s.queue.Nack(ctx, job.ID, handlerErr)
		if err != nil {
			log.Error("nack failed", zap.Error(err))
			return
		}
		if status == domain.JobStatusFailed {
			s.failed.Add(1)
			s.notify(job, domain.JobStatusFailed, handlerErr.Error(), nil)
		} else {
			log.Info("job requeued", zap.String("status", string(status)))
		}
	}
}

// heartbeat extends the lease while the handler runs. A lost lease means
// another actor took the job (cancel, reclaim); the handler is aborted.
func (s *WorkerService) heartbeat(ctx context.Context, abort context.CancelFunc, done chan<- struct{}, workerID, jobID string) {
	defer close(done)
	ticker := time.NewTicker(s.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.queue.ExtendLease(ctx, jobID, workerID, s.leaseFor)
			if errors.Is(err, domain.ErrLeaseLost) {
				s.log.Warn("lease lost, aborting handler",
					zap.String("worker_id", workerID), zap.String("job_id", jobID))
				abort()
				return
			}
			if err != nil && ctx.Err() == nil {
				s.log.Warn("heartbeat failed",
					zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}
}

// notify delivers a terminal-state notification without blocking the
// worker. Delivery failures are logged and dropped; job state never
// depends on them.
func (s *WorkerService) notify(job *domain.Job, outcome domain.JobStatus, errMsg string, artifact *domain.ArtifactRef) {
	if s.notifier == nil {
		return
	}
	n := domain.Notification{
		JobID:    job.ID,
		Type:     job.Type,
		Outcome:  outcome,
		Error:    errMsg,
		Artifact: artifact,
	}
	if job.Type == domain.JobTypeScheduledReport {
		var p ScheduledReportPayload
		if json.Unmarshal(job.Payload, &p) == nil {
			n.Recipients = p.Recipients
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.log.Warn("notification delivery failed",
				zap.String("job_id", n.JobID), zap.Error(err))
		}
	}()
}

// Metrics returns a snapshot of the pool counters.
func (s *WorkerService) Metrics() WorkerMetrics {
	return WorkerMetrics{
		Processed: s.processed.Load(),
		Succeeded: s.succeeded.Load(),
		Failed:    s.failed.Load(),
		Retried:   s.retried.Load(),
		Cancelled: s.cancelled.Load(),
	}
}

func sleepFor(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
