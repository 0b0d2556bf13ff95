package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"reportd/internal/domain"
)

// LogAuditSink writes the audit trail to the structured log. Recording is
// best-effort and never fails the caller.
type LogAuditSink struct {
	log *zap.Logger
}

func NewLogAuditSink(log *zap.Logger) *LogAuditSink {
	return &LogAuditSink{log: log.Named("audit")}
}

func (s *LogAuditSink) Record(ctx context.Context, event domain.AuditEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	s.log.Info(event.Action,
		zap.String("job_id", event.JobID),
		zap.String("detail", event.Detail),
		zap.Time("occurred_at", event.OccurredAt))
}

var _ domain.AuditSink = (*LogAuditSink)(nil)
