// Package persistence provides Postgres adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"engage_server/core/port/out"

	"github.com/jmoiron/sqlx"
)

// Schema creates the tables owned by the durable backend.
const Schema = `
CREATE TABLE IF NOT EXISTS leads (
	tenant_id     TEXT        NOT NULL,
	id            TEXT        NOT NULL,
	name          TEXT        NOT NULL DEFAULT '',
	company       TEXT        NOT NULL DEFAULT '',
	phone         TEXT        NOT NULL DEFAULT '',
	email         TEXT        NOT NULL DEFAULT '',
	campaign_id   TEXT        NOT NULL DEFAULT '',
	labels        TEXT[]      NOT NULL DEFAULT '{}',
	score         INTEGER     NOT NULL DEFAULT 0 CHECK (score BETWEEN 0 AND 100),
	suppressed    BOOLEAN     NOT NULL DEFAULT FALSE,
	touch_count   INTEGER     NOT NULL DEFAULT 0,
	last_touch_at TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS lead_signals (
	tenant_id  TEXT             NOT NULL,
	id         TEXT             NOT NULL,
	lead_id    TEXT             NOT NULL,
	type       TEXT             NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	value      TEXT             NOT NULL DEFAULT '',
	ts         TIMESTAMPTZ      NOT NULL,
	PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS idx_lead_signals_lead ON lead_signals (tenant_id, lead_id, ts);

CREATE TABLE IF NOT EXISTS lead_threads (
	tenant_id          TEXT        NOT NULL,
	id                 TEXT        NOT NULL,
	lead_id            TEXT        NOT NULL,
	status             TEXT        NOT NULL DEFAULT 'open',
	last_outbound_text TEXT        NOT NULL DEFAULT '',
	metadata           JSONB       NOT NULL DEFAULT '{}'::jsonb,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS idx_lead_threads_open ON lead_threads (tenant_id, lead_id) WHERE status = 'open';
`

// EnsureSchema applies Schema. Every statement is idempotent.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// notFound maps a missing row onto the port sentinel.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, out.ErrNotFound)
	}
	return err
}
