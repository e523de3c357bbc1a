package db

import (
	"context"
	"fmt"
)

// Tables are created on open when missing. There is no versioned migration
// path; columns only ever get added together with a fresh table name.
var commonTables = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		slot_index   INTEGER PRIMARY KEY,
		display_name TEXT NOT NULL,
		carrier_name TEXT NOT NULL,
		address      TEXT NOT NULL DEFAULT '',
		is_enabled   BOOLEAN NOT NULL,
		channel_type TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transport_targets (
		id            TEXT PRIMARY KEY,
		display_name  TEXT NOT NULL,
		email_address TEXT NOT NULL,
		smtp_server   TEXT NOT NULL,
		smtp_port     INTEGER NOT NULL,
		username      TEXT NOT NULL,
		password      TEXT NOT NULL,
		is_enabled    BOOLEAN NOT NULL,
		use_ssl       BOOLEAN NOT NULL,
		proxy_json    TEXT NOT NULL DEFAULT '',
		updated_at    BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS event_records (
		id               TEXT PRIMARY KEY,
		origin_address   TEXT NOT NULL,
		content          TEXT NOT NULL,
		received_at      BIGINT NOT NULL,
		channel_slot     INTEGER NOT NULL,
		channel_type     TEXT NOT NULL,
		state            TEXT NOT NULL,
		targets_notified TEXT NOT NULL DEFAULT '[]',
		last_error       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_records_received_at ON event_records (received_at)`,
	`CREATE TABLE IF NOT EXISTS delivery_jobs (
		job_key      TEXT PRIMARY KEY,
		payload      TEXT NOT NULL,
		state        TEXT NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		generation   INTEGER NOT NULL DEFAULT 1,
		next_run_at  BIGINT NOT NULL,
		last_error   TEXT NOT NULL DEFAULT '',
		updated_at   BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_jobs_due ON delivery_jobs (state, next_run_at)`,
}

var diagnosticsTable = map[Dialect]string{
	SQLite: `CREATE TABLE IF NOT EXISTS diagnostics (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		logged_at BIGINT NOT NULL,
		level     TEXT NOT NULL,
		tag       TEXT NOT NULL,
		message   TEXT NOT NULL,
		detail    TEXT NOT NULL DEFAULT ''
	)`,
	Postgres: `CREATE TABLE IF NOT EXISTS diagnostics (
		id        BIGSERIAL PRIMARY KEY,
		logged_at BIGINT NOT NULL,
		level     TEXT NOT NULL,
		tag       TEXT NOT NULL,
		message   TEXT NOT NULL,
		detail    TEXT NOT NULL DEFAULT ''
	)`,
}

func (d *DB) ensureSchema(ctx context.Context) error {
	stmts := append([]string{diagnosticsTable[d.Dialect]}, commonTables...)
	stmts = append(stmts, `CREATE INDEX IF NOT EXISTS idx_diagnostics_logged_at ON diagnostics (logged_at)`)
	for _, stmt := range stmts {
		if _, err := d.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}
