package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reportd/internal/domain"
)

// ScheduledReportPayload is the body of a scheduled_report job. It carries
// everything the handler needs so a run never reads the schedule row.
type ScheduledReportPayload struct {
	ScheduleID string   `json:"schedule_id"`
	ReportID   string   `json:"report_id"`
	Format     string   `json:"format"`
	Recipients []string `json:"recipients,omitempty"`
}

// ScheduleService owns recurring reports. Each active schedule keeps
// exactly one future occurrence armed as a delayed job; finishing a run
// arms the next one. Recurrence survives restarts because both sides of
// that handshake live in the database.
type ScheduleService struct {
	schedules domain.ScheduleRepository
	queue     domain.JobQueue
	log       *zap.Logger
	now       func() time.Time
}

func NewScheduleService(schedules domain.ScheduleRepository, queue domain.JobQueue, log *zap.Logger) *ScheduleService {
	return &ScheduleService{
		schedules: schedules,
		queue:     queue,
		log:       log,
		now:       time.Now,
	}
}

func (s *ScheduleService) Create(ctx context.Context, reportID string, spec domain.ScheduleSpec, format string, recipients []string) (*domain.ReportSchedule, error) {
	next, err := spec.NextRun(s.now())
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	schedule := &domain.ReportSchedule{
		ID:         uuid.NewString(),
		ReportID:   reportID,
		Spec:       spec,
		Format:     format,
		Recipients: recipients,
		Active:     true,
		NextRunAt:  next,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	jobID, err := s.arm(ctx, schedule, next)
	if err != nil {
		return nil, err
	}
	schedule.QueuedJobID = &jobID

	if err := s.schedules.Create(ctx, schedule); err != nil {
		// The occurrence must not outlive a row that never landed; its
		// OnRunFinished would fail against a missing schedule.
		s.disarm(ctx, schedule)
		return nil, err
	}
	s.log.Info("schedule created",
		zap.String("schedule_id", schedule.ID),
		zap.String("report_id", reportID),
		zap.Time("next_run_at", next))
	return schedule, nil
}

func (s *ScheduleService) Get(ctx context.Context, id string) (*domain.ReportSchedule, error) {
	return s.schedules.Get(ctx, id)
}

func (s *ScheduleService) List(ctx context.Context, limit int) ([]*domain.ReportSchedule, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.schedules.List(ctx, limit)
}

// Update replaces the recurrence spec. The currently armed occurrence is
// cancelled and a fresh one armed from the new spec.
func (s *ScheduleService) Update(ctx context.Context, id string, spec domain.ScheduleSpec, format string, recipients []string) (*domain.ReportSchedule, error) {
	schedule, err := s.schedules.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := spec.NextRun(s.now())
	if err != nil {
		return nil, err
	}

	s.disarm(ctx, schedule)
	schedule.Spec = spec
	schedule.Format = format
	schedule.Recipients = recipients
	schedule.NextRunAt = next

	if schedule.Active {
		jobID, err := s.arm(ctx, schedule, next)
		if err != nil {
			return nil, err
		}
		schedule.QueuedJobID = &jobID
	}

	if err := s.schedules.Update(ctx, schedule); err != nil {
		return nil, err
	}
	return schedule, nil
}

func (s *ScheduleService) Delete(ctx context.Context, id string) error {
	schedule, err := s.schedules.Get(ctx, id)
	if err != nil {
		return err
	}
	s.disarm(ctx, schedule)
	return s.schedules.Delete(ctx, id)
}

// Pause deactivates a schedule and cancels its armed occurrence.
func (s *ScheduleService) Pause(ctx context.Context, id string) error {
	schedule, err := s.schedules.Get(ctx, id)
	if err != nil {
		return err
	}
	if !schedule.Active {
		return nil
	}
	s.disarm(ctx, schedule)
	schedule.Active = false
	return s.schedules.Update(ctx, schedule)
}

// Resume reactivates a schedule and arms its next occurrence.
func (s *ScheduleService) Resume(ctx context.Context, id string) error {
	schedule, err := s.schedules.Get(ctx, id)
	if err != nil {
		return err
	}
	if schedule.Active {
		return nil
	}
	next, err := schedule.Spec.NextRun(s.now())
	if err != nil {
		return err
	}
	jobID, err := s.arm(ctx, schedule, next)
	if err != nil {
		return err
	}
	schedule.Active = true
	schedule.NextRunAt = next
	schedule.QueuedJobID = &jobID
	return s.schedules.Update(ctx, schedule)
}

// OnRunFinished arms the next occurrence after a scheduled run reached a
// terminal state. Called by the scheduled-report handler.
func (s *ScheduleService) OnRunFinished(ctx context.Context, scheduleID string) error {
	schedule, err := s.schedules.Get(ctx, scheduleID)
	if err != nil {
		return err
	}
	if !schedule.Active {
		schedule.QueuedJobID = nil
		return s.schedules.Update(ctx, schedule)
	}

	next, err := schedule.Spec.NextRun(s.now())
	if err != nil {
		return err
	}
	jobID, err := s.arm(ctx, schedule, next)
	if err != nil {
		return err
	}
	schedule.NextRunAt = next
	schedule.QueuedJobID = &jobID
	return s.schedules.Update(ctx, schedule)
}

// FireDue is the crash safety net: any active, due schedule without a live
// queued occurrence lost its re-arm. Run the missed occurrence now and
// push the schedule to its next slot so a permanently failing report
// cannot refire every tick.
func (s *ScheduleService) FireDue(ctx context.Context) (int, error) {
	due, err := s.schedules.ListDueUnarmed(ctx, s.now(), 50)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, schedule := range due {
		next, err := schedule.Spec.NextRun(s.now())
		if err != nil {
			s.log.Error("compute next run", zap.String("schedule_id", schedule.ID), zap.Error(err))
			continue
		}
		jobID, err := s.arm(ctx, schedule, s.now())
		if err != nil {
			s.log.Error("fire due schedule", zap.String("schedule_id", schedule.ID), zap.Error(err))
			continue
		}
		schedule.NextRunAt = next
		schedule.QueuedJobID = &jobID
		if err := s.schedules.Update(ctx, schedule); err != nil {
			s.log.Error("update fired schedule", zap.String("schedule_id", schedule.ID), zap.Error(err))
			continue
		}
		s.log.Warn("recovered unarmed due schedule",
			zap.String("schedule_id", schedule.ID), zap.String("job_id", jobID))
		fired++
	}
	return fired, nil
}

func (s *ScheduleService) arm(ctx context.Context, schedule *domain.ReportSchedule, runAt time.Time) (string, error) {
	payload, err := json.Marshal(ScheduledReportPayload{
		ScheduleID: schedule.ID,
		ReportID:   schedule.ReportID,
		Format:     schedule.Format,
		Recipients: schedule.Recipients,
	})
	if err != nil {
		return "", fmt.Errorf("marshal schedule payload: %w", err)
	}
	return s.queue.Enqueue(ctx, domain.JobTypeScheduledReport, payload, domain.EnqueueOptions{RunAt: runAt})
}

// disarm best-effort cancels the armed occurrence. A cancel that loses a
// race with a starting run is fine; the run observes cancellation at its
// next checkpoint.
func (s *ScheduleService) disarm(ctx context.Context, schedule *domain.ReportSchedule) {
	if schedule.QueuedJobID == nil {
		return
	}
	if _, err := s.queue.Cancel(ctx, *schedule.QueuedJobID); err != nil {
		s.log.Warn("cancel queued occurrence",
			zap.String("schedule_id", schedule.ID),
			zap.String("job_id", *schedule.QueuedJobID),
			zap.Error(err))
	}
	schedule.QueuedJobID = nil
}
