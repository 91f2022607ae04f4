package repository

// Schema is the DDL for the engine's two tables. Applied by the seed
// tool and the integration tests; production migrations live with the
// deployment, not here.
const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	input_id     TEXT NOT NULL UNIQUE,
	status       TEXT NOT NULL,
	current_step TEXT NOT NULL DEFAULT '',
	steps        JSONB NOT NULL DEFAULT '[]',
	metadata     JSONB NOT NULL DEFAULT '{}',
	version      INT NOT NULL DEFAULT 1,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS contents (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL DEFAULT '',
	image_url   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	revisions   JSONB NOT NULL DEFAULT '[]',
	version     INT NOT NULL DEFAULT 1,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
`
