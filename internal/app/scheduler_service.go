package app

import (
	"context"

	"go.uber.org/zap"
)

// SchedulerService is the singleton housekeeping loop body: it promotes
// due delayed announcements, reclaims expired leases, and recovers report
// schedules whose re-arm was lost. Workers and the API stay correct
// without it; it restores liveness.
type SchedulerService struct {
	queue     *QueueService
	schedules *ScheduleService
	queues    []string
	log       *zap.Logger
}

func NewSchedulerService(queue *QueueService, schedules *ScheduleService, queues []string, log *zap.Logger) *SchedulerService {
	return &SchedulerService{
		queue:     queue,
		schedules: schedules,
		queues:    queues,
		log:       log,
	}
}

// PromoteDueJobs moves delayed job announcements whose run time has come
// onto the ready lists.
func (s *SchedulerService) PromoteDueJobs(ctx context.Context) error {
	moved, err := s.queue.PromoteDue(ctx, s.queues)
	if err != nil {
		return err
	}
	if moved > 0 {
		s.log.Info("promoted due jobs", zap.Int("count", moved))
	}
	return nil
}

// ReclaimExpiredLeases requeues or fails jobs whose worker went silent.
func (s *SchedulerService) ReclaimExpiredLeases(ctx context.Context) error {
	reclaimed, err := s.queue.ReclaimExpired(ctx)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		s.log.Info("reclaimed expired leases", zap.Int("count", reclaimed))
	}
	return nil
}

// RecoverSchedules fires due report schedules that lost their queued
// occurrence.
func (s *SchedulerService) RecoverSchedules(ctx context.Context) error {
	fired, err := s.schedules.FireDue(ctx)
	if err != nil {
		return err
	}
	if fired > 0 {
		s.log.Info("recovered due schedules", zap.Int("count", fired))
	}
	return nil
}
