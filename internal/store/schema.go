package store

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS attendees (
	id                      TEXT PRIMARY KEY,
	unique_id               TEXT UNIQUE,
	email                   TEXT,
	name                    TEXT NOT NULL DEFAULT '',
	checked_in              BOOLEAN NOT NULL DEFAULT FALSE,
	checked_in_at           TIMESTAMPTZ,
	check_in_location       TEXT NOT NULL DEFAULT '',
	checked_in_by           TEXT NOT NULL DEFAULT '',
	lunch_claimed           BOOLEAN NOT NULL DEFAULT FALSE,
	lunch_claimed_at        TIMESTAMPTZ,
	lunch_claimed_location  TEXT NOT NULL DEFAULT '',
	lunch_claimed_by        TEXT NOT NULL DEFAULT '',
	kit_claimed             BOOLEAN NOT NULL DEFAULT FALSE,
	kit_claimed_at          TIMESTAMPTZ,
	kit_claimed_location    TEXT NOT NULL DEFAULT '',
	kit_claimed_by          TEXT NOT NULL DEFAULT '',
	created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);

-- Emails are unique ignoring case, matching how they are resolved.
ALTER TABLE attendees DROP CONSTRAINT IF EXISTS attendees_email_key;
DROP INDEX IF EXISTS idx_attendees_email_lower;
CREATE UNIQUE INDEX IF NOT EXISTS idx_attendees_email_lower_unique ON attendees (lower(email));

ALTER TABLE attendees ALTER COLUMN updated_at SET DEFAULT clock_timestamp();
DROP INDEX IF EXISTS idx_attendees_updated_at;
CREATE INDEX IF NOT EXISTS idx_attendees_changes ON attendees (updated_at, id);

CREATE TABLE IF NOT EXISTS daily_attendance (
	id             TEXT PRIMARY KEY,
	attendee_id    TEXT NOT NULL REFERENCES attendees(id) ON DELETE CASCADE,
	day            DATE NOT NULL,
	checked_in     BOOLEAN NOT NULL DEFAULT FALSE,
	checked_in_at  TIMESTAMPTZ,
	lunch_claimed  BOOLEAN NOT NULL DEFAULT FALSE,
	kit_claimed    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (attendee_id, day)
);

CREATE INDEX IF NOT EXISTS idx_daily_attendance_day ON daily_attendance (day);
`

// Migrate creates the attendee and daily ledger tables when missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
