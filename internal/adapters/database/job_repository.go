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

// PostgresJobRepository persists jobs. Every transition is a conditional
// UPDATE on status, so concurrent workers cannot both win the same
// transition; leasing uses FOR UPDATE SKIP LOCKED so pollers never queue
// up behind each other.
type PostgresJobRepository struct {
	db *pgxpool.Pool
}

func NewPostgresJobRepository(db *pgxpool.Pool) *PostgresJobRepository {
	return &PostgresJobRepository{db: db}
}

const jobColumns = `id, type, queue, payload, priority, status, attempts, max_attempts,
	progress, run_at, leased_by, lease_expires_at, last_error, started_at,
	finished_at, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	err := row.Scan(
		&job.ID, &job.Type, &job.Queue, &job.Payload, &job.Priority, &job.Status,
		&job.Attempts, &job.MaxAttempts, &job.Progress, &job.RunAt, &job.LeasedBy,
		&job.LeaseExpiresAt, &job.LastError, &job.StartedAt, &job.FinishedAt,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *PostgresJobRepository) Create(ctx context.Context, job *domain.Job) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO jobs (id, type, queue, payload, priority, status, attempts,
			max_attempts, progress, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.Type, job.Queue, job.Payload, job.Priority, job.Status,
		job.Attempts, job.MaxAttempts, job.Progress, job.RunAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *PostgresJobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (r *PostgresJobRepository) List(ctx context.Context, queue string, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR queue = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3`,
		queue, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *PostgresJobRepository) CountByStatus(ctx context.Context, queue string) (map[domain.JobStatus]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT status, COUNT(*) FROM jobs
		WHERE ($1 = '' OR queue = $1)
		GROUP BY status`, queue)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status domain.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *PostgresJobRepository) Lease(ctx context.Context, id, workerID string, leaseUntil time.Time) (*domain.Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'active',
			attempts = attempts + 1,
			leased_by = $2,
			lease_expires_at = $3,
			started_at = COALESCE(started_at, NOW()),
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND run_at <= NOW()
		RETURNING `+jobColumns,
		id, workerID, leaseUntil))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotLeasable
	}
	if err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}
	return job, nil
}

func (r *PostgresJobRepository) LeaseNextReady(ctx context.Context, queues []string, workerID string, leaseUntil time.Time) (*domain.Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'active',
			attempts = attempts + 1,
			leased_by = $2,
			lease_expires_at = $3,
			started_at = COALESCE(started_at, NOW()),
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = ANY($1) AND status = 'pending' AND run_at <= NOW()
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		queues, workerID, leaseUntil))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease next ready: %w", err)
	}
	return job, nil
}

func (r *PostgresJobRepository) ExtendLease(ctx context.Context, id, workerID string, leaseUntil time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET lease_expires_at = $3, updated_at = NOW()
		WHERE id = $1 AND leased_by = $2 AND status = 'active'`,
		id, workerID, leaseUntil)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (r *PostgresJobRepository) Complete(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', progress = 100, leased_by = NULL,
			lease_expires_at = NULL, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresJobRepository) Fail(ctx context.Context, id, msg string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', last_error = $2, leased_by = NULL,
			lease_expires_at = NULL, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'active')`, id, msg)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresJobRepository) Reschedule(ctx context.Context, id, msg string, runAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', last_error = $2, run_at = $3,
			leased_by = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'active'`, id, msg, runAt)
	if err != nil {
		return false, fmt.Errorf("reschedule job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresJobRepository) Cancel(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled', finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'active')`, id)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresJobRepository) SetProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET progress = LEAST(100, GREATEST(0, $2::int)), updated_at = NOW()
		WHERE id = $1 AND status = 'active'`, id, progress)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

func (r *PostgresJobRepository) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'active' AND lease_expires_at IS NOT NULL AND lease_expires_at < $1
		ORDER BY lease_expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("expired leases: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

var _ domain.JobRepository = (*PostgresJobRepository)(nil)
