package app

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SchedulerRunner drives the SchedulerService on two cadences: a fast
// tick for queue liveness (promote, reclaim) and a slow tick for the
// schedule safety net.
type SchedulerRunner struct {
	service      *SchedulerService
	fastInterval time.Duration
	slowInterval time.Duration
	log          *zap.Logger
}

func NewSchedulerRunner(service *SchedulerService, log *zap.Logger) *SchedulerRunner {
	return &SchedulerRunner{
		service:      service,
		fastInterval: 2 * time.Second,
		slowInterval: 60 * time.Second,
		log:          log,
	}
}

func (r *SchedulerRunner) Start(ctx context.Context) error {
	r.log.Info("scheduler starting",
		zap.Duration("fast_interval", r.fastInterval),
		zap.Duration("slow_interval", r.slowInterval))

	fastTicker := time.NewTicker(r.fastInterval)
	slowTicker := time.NewTicker(r.slowInterval)
	defer fastTicker.Stop()
	defer slowTicker.Stop()

	go r.fastTick(ctx, fastTicker)
	go r.slowTick(ctx, slowTicker)

	<-ctx.Done()
	r.log.Info("scheduler shutting down")
	return nil
}

func (r *SchedulerRunner) fastTick(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.service.PromoteDueJobs(ctx); err != nil {
				r.log.Error("promote due jobs", zap.Error(err))
			}
			if err := r.service.ReclaimExpiredLeases(ctx); err != nil {
				r.log.Error("reclaim expired leases", zap.Error(err))
			}
		}
	}
}

func (r *SchedulerRunner) slowTick(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.service.RecoverSchedules(ctx); err != nil {
				r.log.Error("recover schedules", zap.Error(err))
			}
		}
	}
}
