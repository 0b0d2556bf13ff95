package domain

import (
	"context"
	"io"
	"time"
)

// ReportConfigStore resolves a report ID to its query and column set.
type ReportConfigStore interface {
	GetReportConfig(ctx context.Context, id string) (*ReportConfig, error)
}

// DataSource serves report rows in pages. Page must return rows in a
// stable order for a fixed query so that re-running an export from chunk
// zero reproduces the same artifact.
type DataSource interface {
	Count(ctx context.Context, query string) (int, error)
	Page(ctx context.Context, query string, offset, limit int) ([]Row, error)
}

// ObjectInfo is metadata about a stored artifact.
type ObjectInfo struct {
	Path string
	Size int64
}

// ArtifactSink is object storage for chunk and final artifacts, local
// disk or remote, abstracted identically.
type ArtifactSink interface {
	Put(ctx context.Context, path string, r io.Reader) (*ObjectInfo, error)
	GetStream(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Stat(ctx context.Context, path string) (*ObjectInfo, error)
}

// Notification describes a terminal job outcome for delivery.
type Notification struct {
	JobID      string       `json:"job_id"`
	Type       JobType      `json:"type"`
	Outcome    JobStatus    `json:"outcome"`
	Error      string       `json:"error,omitempty"`
	Artifact   *ArtifactRef `json:"artifact,omitempty"`
	Recipients []string     `json:"recipients,omitempty"`
}

// Notifier delivers terminal-state notifications. Fire and forget: the
// worker pool logs delivery errors and never lets them touch job state.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// AuditEvent records a job state transition for the audit trail.
type AuditEvent struct {
	JobID      string
	Action     string
	Detail     string
	OccurredAt time.Time
}

// AuditSink records audit events best-effort; failures are logged, never
// propagated.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}
