package app

import (
	"context"
	"encoding/json"
	"fmt"

	"reportd/internal/domain"
)

// JobService is the thin facade the HTTP layer talks to: enqueue, look
// up, cancel, list, count.
type JobService struct {
	queue domain.JobQueue
	repo  domain.JobRepository
}

func NewJobService(queue domain.JobQueue, repo domain.JobRepository) *JobService {
	return &JobService{queue: queue, repo: repo}
}

// EnqueueExport queues a one-off export of a report.
func (s *JobService) EnqueueExport(ctx context.Context, reportID, format string, opts domain.EnqueueOptions) (string, error) {
	payload, err := json.Marshal(ExportPayload{ReportID: reportID, Format: format})
	if err != nil {
		return "", fmt.Errorf("marshal export payload: %w", err)
	}
	return s.queue.Enqueue(ctx, domain.JobTypeExport, payload, opts)
}

// EnqueueUsageUpdate queues a usage recount for a report.
func (s *JobService) EnqueueUsageUpdate(ctx context.Context, reportID string) (string, error) {
	payload, err := json.Marshal(UsagePayload{ReportID: reportID})
	if err != nil {
		return "", fmt.Errorf("marshal usage payload: %w", err)
	}
	return s.queue.Enqueue(ctx, domain.JobTypeUsageUpdate, payload, domain.EnqueueOptions{})
}

func (s *JobService) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return s.queue.GetStatus(ctx, id)
}

func (s *JobService) CancelJob(ctx context.Context, id string) (bool, error) {
	return s.queue.Cancel(ctx, id)
}

func (s *JobService) ListJobs(ctx context.Context, queue string, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.List(ctx, queue, status, limit)
}

// Stats returns per-status job counts, optionally scoped to one queue.
func (s *JobService) Stats(ctx context.Context, queue string) (map[domain.JobStatus]int, error) {
	return s.repo.CountByStatus(ctx, queue)
}
