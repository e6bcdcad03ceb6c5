package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NULL,
	status           TEXT NOT NULL,
	viewport         JSONB NOT NULL,
	theme            TEXT NOT NULL,
	devices          TEXT[] NOT NULL,
	crop_position    TEXT NOT NULL DEFAULT '',
	ai_enabled       BOOLEAN NOT NULL DEFAULT FALSE,
	ai_style_enhance BOOLEAN NOT NULL DEFAULT FALSE,
	ai_upscale       INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ NULL,
	completed_at     TIMESTAMPTZ NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_started ON jobs (status, started_at);

CREATE TABLE IF NOT EXISTS generated_images (
	job_id       TEXT NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
	device       TEXT NOT NULL,
	payload_kind TEXT NOT NULL,
	payload      TEXT NOT NULL,
	width        INTEGER NOT NULL,
	height       INTEGER NOT NULL,
	size_bytes   BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, device)
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NULL,
	status           TEXT NOT NULL,
	viewport         TEXT NOT NULL,
	theme            TEXT NOT NULL,
	devices          TEXT NOT NULL,
	crop_position    TEXT NOT NULL DEFAULT '',
	ai_enabled       INTEGER NOT NULL DEFAULT 0,
	ai_style_enhance INTEGER NOT NULL DEFAULT 0,
	ai_upscale       INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT NULL,
	created_at       DATETIME NOT NULL,
	started_at       DATETIME NULL,
	completed_at     DATETIME NULL,
	updated_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_started ON jobs (status, started_at);

CREATE TABLE IF NOT EXISTS generated_images (
	job_id       TEXT NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
	device       TEXT NOT NULL,
	payload_kind TEXT NOT NULL,
	payload      TEXT NOT NULL,
	width        INTEGER NOT NULL,
	height       INTEGER NOT NULL,
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL,
	PRIMARY KEY (job_id, device)
);
`

// MigratePostgres creates the job tables when they do not exist yet.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}
