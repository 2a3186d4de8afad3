// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// initializeDatabase creates the local sync metadata tables.
func initializeDatabase(db *sql.DB) error {
	// Enable WAL mode so the dispatcher and callers can overlap reads/writes
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	tables := []string{
		// Durable mutation queue. seq provides enqueue order; per-record FIFO
		// is enforced at claim time, priority only orders across records.
		`CREATE TABLE IF NOT EXISTS _sync_pending (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id           TEXT NOT NULL UNIQUE,
			table_name      TEXT NOT NULL,
			record_id       TEXT NOT NULL,
			op              TEXT NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			payload         TEXT,
			priority        INTEGER NOT NULL DEFAULT 1,
			status          TEXT NOT NULL DEFAULT 'queued'
			                CHECK (status IN ('queued','in-flight','failed')),
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			enqueued_at     INTEGER NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_pending_record
			ON _sync_pending(table_name, record_id, seq)`,

		// Detected conflicts. A resolved row is terminal; a re-detection
		// inserts a new row instead of reopening an old one.
		`CREATE TABLE IF NOT EXISTS _sync_conflict (
			id            TEXT PRIMARY KEY,
			table_name    TEXT NOT NULL,
			record_id     TEXT NOT NULL,
			conflict_type TEXT NOT NULL,
			local_data    TEXT,
			remote_data   TEXT,
			local_ts      INTEGER NOT NULL DEFAULT 0,
			remote_ts     INTEGER NOT NULL DEFAULT 0,
			priority      TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'detected'
			              CHECK (status IN ('detected','resolving','resolved')),
			detected_at   INTEGER NOT NULL,
			resolved_at   INTEGER,
			resolution    TEXT
		)`,

		// Last-applied payload per record, the "local snapshot" used for
		// conflict snapshots and keep_local resolution.
		`CREATE TABLE IF NOT EXISTS _sync_row_cache (
			table_name TEXT NOT NULL,
			record_id  TEXT NOT NULL,
			payload    TEXT,
			deleted    INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (table_name, record_id)
		)`,

		// Per-record sync bookkeeping: last authoritative timestamp we know
		// about, and when one of our own ops last reached the store.
		`CREATE TABLE IF NOT EXISTS _sync_row_meta (
			table_name       TEXT NOT NULL,
			record_id        TEXT NOT NULL,
			last_ts          INTEGER NOT NULL DEFAULT 0,
			last_local_apply INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (table_name, record_id)
		)`,

		// Small KV store: fingerprint salt, change watermark, last sync time.
		`CREATE TABLE IF NOT EXISTS _sync_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	// Reclaim ops stranded in-flight by a crash; they were never acked so
	// redelivery is safe (the store push is keyed by op_id).
	if _, err := db.Exec(
		`UPDATE _sync_pending SET status='queued' WHERE status='in-flight'`); err != nil {
		return fmt.Errorf("failed to reset in-flight operations: %w", err)
	}

	// Same for conflicts stranded mid-resolution: without this a crash
	// between the resolving claim and finalization would wedge the row,
	// and every later resolution attempt would see ErrAlreadyResolving.
	if _, err := db.Exec(
		`UPDATE _sync_conflict SET status='detected' WHERE status='resolving'`); err != nil {
		return fmt.Errorf("failed to reset resolving conflicts: %w", err)
	}

	return nil
}

// Meta KV keys.
const (
	metaKeySalt         = "fingerprint_salt"
	metaKeyWatermark    = "change_watermark"
	metaKeyLastSyncTime = "last_sync_time"
)

func (c *Client) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := c.DB.QueryRowContext(ctx,
		`SELECT value FROM _sync_meta WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %q: %w", key, err)
	}
	return value, nil
}

func (c *Client) setMeta(ctx context.Context, key, value string) error {
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO _sync_meta(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %q: %w", key, err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
