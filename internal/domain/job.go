package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final. A terminal job is never
// leased again and never changes state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

type JobType string

const (
	JobTypeExport          JobType = "export"
	JobTypeScheduledReport JobType = "scheduled_report"
	JobTypeUsageUpdate     JobType = "usage_update"
)

// QueueForType maps a job type to the queue it is processed on.
func QueueForType(t JobType) string {
	switch t {
	case JobTypeExport, JobTypeScheduledReport:
		return "exports"
	default:
		return "default"
	}
}

type Job struct {
	ID             string
	Type           JobType
	Queue          string
	Payload        json.RawMessage
	Priority       int
	Status         JobStatus
	Attempts       int
	MaxAttempts    int
	Progress       int
	RunAt          time.Time
	LeasedBy       *string
	LeaseExpiresAt *time.Time
	LastError      *string
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func NewJob(jobType JobType, payload json.RawMessage) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Queue:       QueueForType(jobType),
		Payload:     payload,
		Priority:    0,
		Status:      JobStatusPending,
		Attempts:    0,
		MaxAttempts: 3,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
