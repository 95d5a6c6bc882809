package postgres

var schema = []string{
	`CREATE TABLE IF NOT EXISTS process_events (
		id          BIGSERIAL PRIMARY KEY,
		name        TEXT        NOT NULL,
		pid         INTEGER     NOT NULL,
		state       TEXT        NOT NULL,
		reason      TEXT        NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS process_events_name_idx ON process_events (name, occurred_at DESC)`,
	`CREATE TABLE IF NOT EXISTS share_submissions (
		id           BIGSERIAL PRIMARY KEY,
		worker       TEXT             NOT NULL,
		job_id       TEXT             NOT NULL,
		extra_nonce2 TEXT             NOT NULL,
		ntime        TEXT             NOT NULL,
		nonce        TEXT             NOT NULL,
		difficulty   DOUBLE PRECISION NOT NULL,
		status       TEXT             NOT NULL,
		reason       TEXT             NOT NULL DEFAULT '',
		submitted_at TIMESTAMPTZ      NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS share_submissions_worker_idx ON share_submissions (worker, submitted_at DESC)`,
	`CREATE TABLE IF NOT EXISTS found_blocks (
		id         BIGSERIAL PRIMARY KEY,
		height     BIGINT      NOT NULL,
		hash       TEXT        NOT NULL UNIQUE,
		job_id     TEXT        NOT NULL,
		accepted   BOOLEAN     NOT NULL,
		reason     TEXT        NOT NULL DEFAULT '',
		found_at   TIMESTAMPTZ NOT NULL
	)`,
}
