package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"reportd/internal/domain"
	"reportd/internal/export"
)

// ExportPayload is the body of an export job.
type ExportPayload struct {
	ReportID string `json:"report_id"`
	Format   string `json:"format,omitempty"`
}

// ExportHandler runs the chunked export pipeline for one-off export jobs.
// Cancellation is polled through the queue so an API cancel takes effect
// at the next chunk boundary.
type ExportHandler struct {
	queue    domain.JobQueue
	configs  domain.ReportConfigStore
	pipeline *export.Pipeline
}

func NewExportHandler(queue domain.JobQueue, configs domain.ReportConfigStore, pipeline *export.Pipeline) *ExportHandler {
	return &ExportHandler{queue: queue, configs: configs, pipeline: pipeline}
}

func (h *ExportHandler) Handle(ctx context.Context, job *domain.Job) (*domain.ArtifactRef, error) {
	var payload ExportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, domain.Permanentf("malformed export payload: %v", err)
	}
	if payload.ReportID == "" {
		return nil, domain.Permanent(fmt.Errorf("export payload missing report_id"))
	}
	return h.run(ctx, job, payload.ReportID, payload.Format)
}

func (h *ExportHandler) run(ctx context.Context, job *domain.Job, reportID, format string) (*domain.ArtifactRef, error) {
	config, err := h.configs.GetReportConfig(ctx, reportID)
	if err != nil {
		if errors.Is(err, domain.ErrReportNotFound) {
			return nil, domain.Permanentf("report %q not found", reportID)
		}
		return nil, err
	}

	return h.pipeline.Run(ctx, export.Request{
		JobID:   job.ID,
		Config:  config,
		Format:  format,
		Attempt: job.Attempts,
		Cancelled: func(ctx context.Context) (bool, error) {
			current, err := h.queue.GetStatus(ctx, job.ID)
			if err != nil {
				return false, err
			}
			return current.Status == domain.JobStatusCancelled, nil
		},
		Progress: func(pct int) {
			// Progress is cosmetic; a failed write never fails the export.
			_ = h.queue.UpdateProgress(ctx, job.ID, pct)
		},
	})
}

// ScheduledReportHandler runs a recurring report occurrence and, on
// success, arms the schedule's next one.
type ScheduledReportHandler struct {
	export    *ExportHandler
	schedules *ScheduleService
	log       *zap.Logger
}

func NewScheduledReportHandler(export *ExportHandler, schedules *ScheduleService, log *zap.Logger) *ScheduledReportHandler {
	return &ScheduledReportHandler{export: export, schedules: schedules, log: log}
}

func (h *ScheduledReportHandler) Handle(ctx context.Context, job *domain.Job) (*domain.ArtifactRef, error) {
	var payload ScheduledReportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, domain.Permanentf("malformed scheduled report payload: %v", err)
	}
	if payload.ScheduleID == "" || payload.ReportID == "" {
		return nil, domain.Permanent(fmt.Errorf("scheduled report payload missing schedule_id or report_id"))
	}

	artifact, err := h.export.run(ctx, job, payload.ReportID, payload.Format)
	if err != nil {
		// No re-arm here: a retried run would double-arm, and a terminal
		// failure is picked up by the scheduler's recovery pass.
		return nil, err
	}

	if err := h.schedules.OnRunFinished(ctx, payload.ScheduleID); err != nil {
		// The export succeeded; losing the re-arm is recoverable, so log
		// and let the recovery pass restore the cadence.
		h.log.Error("re-arm after run failed",
			zap.String("schedule_id", payload.ScheduleID),
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
	return artifact, nil
}

// UsagePayload is the body of a usage_update job.
type UsagePayload struct {
	ReportID string `json:"report_id"`
}

// UsageUpdateHandler refreshes the cached row count of a report, the
// lightweight bookkeeping job that runs on the default queue.
type UsageUpdateHandler struct {
	configs domain.ReportConfigStore
	data    domain.DataSource
	audit   domain.AuditSink
}

func NewUsageUpdateHandler(configs domain.ReportConfigStore, data domain.DataSource, audit domain.AuditSink) *UsageUpdateHandler {
	return &UsageUpdateHandler{configs: configs, data: data, audit: audit}
}

func (h *UsageUpdateHandler) Handle(ctx context.Context, job *domain.Job) (*domain.ArtifactRef, error) {
	var payload UsagePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, domain.Permanentf("malformed usage payload: %v", err)
	}
	config, err := h.configs.GetReportConfig(ctx, payload.ReportID)
	if err != nil {
		if errors.Is(err, domain.ErrReportNotFound) {
			return nil, domain.Permanentf("report %q not found", payload.ReportID)
		}
		return nil, err
	}
	count, err := h.data.Count(ctx, config.Query)
	if err != nil {
		return nil, err
	}
	h.audit.Record(ctx, domain.AuditEvent{
		JobID:  job.ID,
		Action: "usage_updated",
		Detail: fmt.Sprintf("report=%s rows=%d", config.ID, count),
	})
	return nil, nil
}
