// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// InitSchema creates the store's tables if they do not exist. Safe to call
// on every startup.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS sync`,

		// Current row state per (account, table, record). The store is the
		// arbiter of latest state; version increases on every apply.
		`CREATE TABLE IF NOT EXISTS sync.records (
			user_id    TEXT NOT NULL,
			table_name TEXT NOT NULL,
			record_id  TEXT NOT NULL,
			payload    JSONB,
			deleted    BOOLEAN NOT NULL DEFAULT FALSE,
			version    BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_by TEXT NOT NULL,
			PRIMARY KEY (user_id, table_name, record_id)
		)`,

		// Ordered change feed. operation_id makes pushes idempotent, so a
		// redelivered claim after a client crash is applied at most once.
		`CREATE TABLE IF NOT EXISTS sync.change_log (
			server_seq   BIGSERIAL PRIMARY KEY,
			user_id      TEXT NOT NULL,
			table_name   TEXT NOT NULL,
			record_id    TEXT NOT NULL,
			op           TEXT NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			payload      JSONB,
			source_id    TEXT NOT NULL,
			operation_id TEXT NOT NULL,
			ts           TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_change_log_operation
			ON sync.change_log(user_id, operation_id)`,

		`CREATE INDEX IF NOT EXISTS idx_change_log_feed
			ON sync.change_log(user_id, server_seq)`,

		// Registered devices. last_used_at doubles as the presence
		// heartbeat timestamp.
		`CREATE TABLE IF NOT EXISTS sync.devices (
			user_id      TEXT NOT NULL,
			device_id    TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			platform     TEXT NOT NULL DEFAULT '',
			agent        TEXT NOT NULL DEFAULT '',
			trust_level  TEXT NOT NULL DEFAULT 'unknown'
			             CHECK (trust_level IN ('trusted','untrusted','unknown')),
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_used_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, device_id)
		)`,

		`CREATE TABLE IF NOT EXISTS sync.sessions (
			user_id       TEXT NOT NULL,
			device_id     TEXT NOT NULL,
			is_active     BOOLEAN NOT NULL DEFAULT TRUE,
			last_activity TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, device_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize store schema: %w", err)
		}
	}
	return nil
}
