package database

// schema creates the Postgres tables used by Repository
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL UNIQUE,
	api_calls   INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS usage_events (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	endpoint     TEXT NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_events_user_recorded
	ON usage_events (user_id, recorded_at);

CREATE TABLE IF NOT EXISTS ocr_jobs (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL REFERENCES users (user_id),
	input_type  TEXT NOT NULL,
	input_path  TEXT NOT NULL DEFAULT '',
	language    TEXT NOT NULL,
	result      JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_ocr_jobs_user_created
	ON ocr_jobs (user_id, created_at DESC);
`
