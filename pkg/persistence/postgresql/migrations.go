package postgresql

// migrations returns the SQL migrations for the scheduling schema, keyed by
// schema version.
func migrations() map[int]string {
	return map[int]string{
		1: `
		CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL DEFAULT 'free',
			monthly_limit INTEGER NOT NULL DEFAULT 0,
			max_concurrent_executions INTEGER NOT NULL DEFAULT 0,
			webhook_secret TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS queues (
			organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			paused BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (organization_id, name)
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT 'GET',
			headers JSONB NOT NULL DEFAULT '{}',
			body TEXT NOT NULL DEFAULT '',
			schedule_type TEXT NOT NULL,
			cron_expression TEXT,
			timezone TEXT NOT NULL DEFAULT '',
			scheduled_at TIMESTAMP WITH TIME ZONE,
			next_run_at TIMESTAMP WITH TIME ZONE,
			interval_seconds BIGINT,
			queue TEXT,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			timeout_ms BIGINT NOT NULL DEFAULT 30000,
			retry_attempts INTEGER NOT NULL DEFAULT 0,
			expected_status JSONB,
			body_contains TEXT,
			callback_url TEXT,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_due
			ON tasks (enabled, next_run_at);

		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			organization_id TEXT NOT NULL,
			queue TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			scheduled_for TIMESTAMP WITH TIME ZONE NOT NULL,
			started_at TIMESTAMP WITH TIME ZONE,
			finished_at TIMESTAMP WITH TIME ZONE,
			status_code INTEGER,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			response_body TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_executions_claim
			ON executions (status, scheduled_for);
		CREATE INDEX IF NOT EXISTS idx_executions_org_month
			ON executions (organization_id, created_at);

		CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			steps JSONB NOT NULL,
			expiry_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflow_definitions(id) ON DELETE CASCADE,
			organization_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			trigger_payload JSONB NOT NULL DEFAULT '{}',
			expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMP WITH TIME ZONE,
			gc_at TIMESTAMP WITH TIME ZONE
		);

		CREATE INDEX IF NOT EXISTS idx_workflow_runs_status
			ON workflow_runs (status, expires_at);

		CREATE TABLE IF NOT EXISTS step_runs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
			step_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			execution_id TEXT,
			wake_at TIMESTAMP WITH TIME ZONE,
			callback_token TEXT UNIQUE,
			output JSONB,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP WITH TIME ZONE,
			finished_at TIMESTAMP WITH TIME ZONE,
			UNIQUE (run_id, step_name)
		);

		CREATE INDEX IF NOT EXISTS idx_step_runs_sweep
			ON step_runs (status, wake_at);
		CREATE INDEX IF NOT EXISTS idx_step_runs_execution
			ON step_runs (execution_id);
		`,
		2: `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_queue_serial
			ON executions (organization_id, queue)
			WHERE status = 'running' AND queue IS NOT NULL;
		`,
	}
}
