package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reportd/internal/domain"
)

type PostgresScheduleRepository struct {
	db *pgxpool.Pool
}

func NewPostgresScheduleRepository(db *pgxpool.Pool) *PostgresScheduleRepository {
	return &PostgresScheduleRepository{db: db}
}

const scheduleColumns = `id, report_id, frequency, hour, minute, day_of_week, day_of_month,
	timezone, format, recipients, active, next_run_at, queued_job_id, created_at, updated_at`

func scanSchedule(row pgx.Row) (*domain.ReportSchedule, error) {
	var s domain.ReportSchedule
	err := row.Scan(
		&s.ID, &s.ReportID, &s.Spec.Frequency, &s.Spec.Hour, &s.Spec.Minute,
		&s.Spec.DayOfWeek, &s.Spec.DayOfMonth, &s.Spec.Timezone, &s.Format,
		&s.Recipients, &s.Active, &s.NextRunAt, &s.QueuedJobID, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresScheduleRepository) Create(ctx context.Context, schedule *domain.ReportSchedule) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO report_schedules (id, report_id, frequency, hour, minute, day_of_week,
			day_of_month, timezone, format, recipients, active, next_run_at, queued_job_id,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		schedule.ID, schedule.ReportID, schedule.Spec.Frequency, schedule.Spec.Hour,
		schedule.Spec.Minute, schedule.Spec.DayOfWeek, schedule.Spec.DayOfMonth,
		schedule.Spec.Timezone, schedule.Format, schedule.Recipients, schedule.Active,
		schedule.NextRunAt, schedule.QueuedJobID, schedule.CreatedAt, schedule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (r *PostgresScheduleRepository) Get(ctx context.Context, id string) (*domain.ReportSchedule, error) {
	schedule, err := scanSchedule(r.db.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM report_schedules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return schedule, nil
}

func (r *PostgresScheduleRepository) Update(ctx context.Context, schedule *domain.ReportSchedule) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE report_schedules
		SET report_id = $2, frequency = $3, hour = $4, minute = $5, day_of_week = $6,
			day_of_month = $7, timezone = $8, format = $9, recipients = $10,
			active = $11, next_run_at = $12, queued_job_id = $13, updated_at = NOW()
		WHERE id = $1`,
		schedule.ID, schedule.ReportID, schedule.Spec.Frequency, schedule.Spec.Hour,
		schedule.Spec.Minute, schedule.Spec.DayOfWeek, schedule.Spec.DayOfMonth,
		schedule.Spec.Timezone, schedule.Format, schedule.Recipients, schedule.Active,
		schedule.NextRunAt, schedule.QueuedJobID,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

func (r *PostgresScheduleRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM report_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

func (r *PostgresScheduleRepository) List(ctx context.Context, limit int) ([]*domain.ReportSchedule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+scheduleColumns+` FROM report_schedules
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *PostgresScheduleRepository) ListDueUnarmed(ctx context.Context, now time.Time, limit int) ([]*domain.ReportSchedule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT s.id, s.report_id, s.frequency, s.hour, s.minute, s.day_of_week,
			s.day_of_month, s.timezone, s.format, s.recipients, s.active,
			s.next_run_at, s.queued_job_id, s.created_at, s.updated_at
		FROM report_schedules s
		LEFT JOIN jobs j ON j.id = s.queued_job_id
		WHERE s.active AND s.next_run_at <= $1
			AND (s.queued_job_id IS NULL OR j.status IN ('completed', 'failed', 'cancelled'))
		ORDER BY s.next_run_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func collectSchedules(rows pgx.Rows) ([]*domain.ReportSchedule, error) {
	var schedules []*domain.ReportSchedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	return schedules, rows.Err()
}

var _ domain.ScheduleRepository = (*PostgresScheduleRepository)(nil)
