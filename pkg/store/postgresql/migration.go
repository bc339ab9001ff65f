package postgresql

// migrations returns the versioned schema for the run state store.
//
// The partial unique index on running runs is the database-level backstop
// for the per-key mutual-exclusion invariant; StartAttempt additionally
// serializes writers per key with SELECT ... FOR UPDATE.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS task_states (
				task_name      TEXT NOT NULL,
				partition_key  TIMESTAMPTZ NOT NULL,
				status         TEXT NOT NULL DEFAULT 'pending',
				attempt_floor  INTEGER NOT NULL DEFAULT 0,
				updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (task_name, partition_key)
			);

			CREATE TABLE IF NOT EXISTS runs (
				id             UUID PRIMARY KEY,
				task_name      TEXT NOT NULL,
				partition_key  TIMESTAMPTZ NOT NULL,
				attempt        INTEGER NOT NULL,
				status         TEXT NOT NULL,
				error_detail   TEXT NOT NULL DEFAULT '',
				started_at     TIMESTAMPTZ NOT NULL,
				finished_at    TIMESTAMPTZ
			);

			CREATE INDEX IF NOT EXISTS runs_key_idx
				ON runs (task_name, partition_key, attempt);

			CREATE UNIQUE INDEX IF NOT EXISTS runs_single_running_idx
				ON runs (task_name, partition_key)
				WHERE status = 'running';

			CREATE TABLE IF NOT EXISTS clock_watermark (
				id            INTEGER PRIMARY KEY CHECK (id = 1),
				last_emitted  TIMESTAMPTZ NOT NULL
			);
		`,
	}
}
