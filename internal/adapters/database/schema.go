package database

// Schema is the durable state behind the job core: jobs are the queue's
// source of truth, report_schedules own recurrence, report_configs feed
// the export pipeline.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id UUID PRIMARY KEY,
	type TEXT NOT NULL,
	queue TEXT NOT NULL,
	payload JSONB NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	progress INTEGER NOT NULL DEFAULT 0,
	run_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	leased_by TEXT,
	lease_expires_at TIMESTAMPTZ,
	last_error TEXT,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(queue, status, run_at);
CREATE INDEX IF NOT EXISTS idx_jobs_lease_expiry ON jobs(status, lease_expires_at);

CREATE TABLE IF NOT EXISTS report_schedules (
	id UUID PRIMARY KEY,
	report_id TEXT NOT NULL,
	frequency TEXT NOT NULL,
	hour INTEGER NOT NULL DEFAULT 0,
	minute INTEGER NOT NULL DEFAULT 0,
	day_of_week INTEGER,
	day_of_month INTEGER,
	timezone TEXT NOT NULL DEFAULT 'UTC',
	format TEXT NOT NULL DEFAULT 'csv',
	recipients JSONB NOT NULL DEFAULT '[]',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	next_run_at TIMESTAMPTZ NOT NULL,
	queued_job_id UUID,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_schedules_due ON report_schedules(active, next_run_at);

CREATE TABLE IF NOT EXISTS report_configs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	data_query TEXT NOT NULL,
	columns JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
