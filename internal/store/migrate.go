package store

import (
	"context"
	"database/sql"
)

// Migrate creates the schema if it does not exist. The partial unique index on
// active session codes and the unique constraint on
// (session_id, device_fingerprint) back the code-resolution and
// duplicate-submission guarantees.
func Migrate(ctx context.Context, db *sql.DB) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		code           TEXT NOT NULL,
		network_token  TEXT NOT NULL,
		active         BOOLEAN NOT NULL DEFAULT TRUE,
		starts_at      TIMESTAMPTZ,
		ends_at        TIMESTAMPTZ,
		expires_at     TIMESTAMPTZ NOT NULL,
		latitude       DOUBLE PRECISION,
		longitude      DOUBLE PRECISION,
		radius_meters  DOUBLE PRECISION,
		created_by     TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_code_active
		ON sessions(code) WHERE active;

	CREATE TABLE IF NOT EXISTS attendance_records (
		id                  TEXT PRIMARY KEY,
		session_id          TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		student_name        TEXT NOT NULL,
		student_id          TEXT NOT NULL,
		branch              TEXT NOT NULL DEFAULT '',
		division            TEXT NOT NULL DEFAULT '',
		batch               TEXT NOT NULL DEFAULT '',
		room                TEXT NOT NULL DEFAULT '',
		device_fingerprint  TEXT NOT NULL,
		latitude            DOUBLE PRECISION,
		longitude           DOUBLE PRECISION,
		recorded_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (session_id, device_fingerprint)
	);

	CREATE INDEX IF NOT EXISTS idx_attendance_session
		ON attendance_records(session_id, recorded_at);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}
