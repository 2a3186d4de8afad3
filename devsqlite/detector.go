// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Sugarbait/MedEx-sub009/devsync"
)

// Conflict classifications, in detection-rule order.
const (
	ConflictConcurrentEdit    = "concurrent_edit"
	ConflictDataMismatch      = "data_mismatch"
	ConflictTimestampMismatch = "timestamp_mismatch"
)

// Conflict priorities. Distinct from queue priorities: these rank how
// urgently a human should look at the divergence.
const (
	ConflictPriorityLow      = "low"
	ConflictPriorityMedium   = "medium"
	ConflictPriorityHigh     = "high"
	ConflictPriorityCritical = "critical"
)

// pollLoop pulls the store's change feed and routes each remote change
// through conflict detection.
func (c *Client) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.PollInterval):
		}
		if err := c.pollOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Debug("change poll failed", "error", err)
		}
	}
}

// pollOnce fetches and processes every available change-feed page.
func (c *Client) pollOnce(ctx context.Context) error {
	for {
		after, err := c.changeWatermark(ctx)
		if err != nil {
			return err
		}

		resp, err := c.fetchChanges(ctx, after, devsync.DefaultChangeLimit)
		if err != nil {
			if isRemoteUnavailable(err) {
				c.setOnline(false)
			}
			return err
		}
		c.setOnline(true)

		for i := range resp.Changes {
			if err := c.HandleRemoteChange(ctx, resp.Changes[i]); err != nil {
				return err
			}
		}
		if err := c.setMeta(ctx, metaKeyWatermark,
			strconv.FormatInt(resp.NextAfter, 10)); err != nil {
			return err
		}
		if !resp.HasMore {
			return nil
		}
	}
}

func (c *Client) changeWatermark(ctx context.Context) (int64, error) {
	raw, err := c.getMeta(ctx, metaKeyWatermark)
	if err != nil || raw == "" {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// HandleRemoteChange classifies one incoming remote change against local
// state. Rules are evaluated in order, first match wins:
//
//  1. a queued or in-flight local operation targets the same record
//     (overlapping in-flight windows) -> concurrent_edit;
//  2. a local operation finished within RecentApplyWindow and the finalized
//     payloads genuinely diverge (not a counter-only difference)
//     -> data_mismatch;
//  3. the remote timestamp is older than the record's last-known timestamp
//     (stale or out-of-order delivery) -> timestamp_mismatch;
//
// otherwise the change is clean: it is applied to the local cache and a
// data-change event is emitted. Changes originated by this device are
// ignored (they were already applied optimistically at enqueue time).
func (c *Client) HandleRemoteChange(ctx context.Context, ch devsync.RemoteChange) error {
	if ch.SourceID == c.deviceID {
		return nil
	}

	localPayload, localUpdated, err := c.localSnapshot(ctx, ch.Table, ch.RecordID)
	if err != nil {
		return err
	}
	meta, err := c.rowMeta(ctx, ch.Table, ch.RecordID)
	if err != nil {
		return err
	}

	pending, err := c.hasUnfinishedOp(ctx, ch.Table, ch.RecordID)
	if err != nil {
		return err
	}

	localTS := localUpdated
	if meta.lastTS.After(localTS) {
		localTS = meta.lastTS
	}

	switch {
	case pending:
		return c.createConflict(ctx, ch, ConflictConcurrentEdit, localPayload, localTS)

	case c.recentLocalApply(meta) &&
		!bytes.Equal(localPayload, ch.Payload) &&
		!counterOnlyDiff(c.mustDecrypt(localPayload), c.mustDecrypt(ch.Payload)):
		return c.createConflict(ctx, ch, ConflictDataMismatch, localPayload, localTS)

	case !meta.lastTS.IsZero() && ch.Timestamp.Before(meta.lastTS):
		return c.createConflict(ctx, ch, ConflictTimestampMismatch, localPayload, localTS)

	default:
		return c.applyRemoteChange(ctx, ch)
	}
}

type rowMeta struct {
	lastTS         time.Time
	lastLocalApply time.Time
}

func (c *Client) rowMeta(ctx context.Context, table, recordID string) (rowMeta, error) {
	var lastTS, lastApply int64
	err := c.DB.QueryRowContext(ctx, `
		SELECT last_ts, last_local_apply FROM _sync_row_meta
		WHERE table_name=? AND record_id=?
	`, table, recordID).Scan(&lastTS, &lastApply)
	if err == sql.ErrNoRows {
		return rowMeta{}, nil
	}
	if err != nil {
		return rowMeta{}, fmt.Errorf("failed to read row meta: %w", err)
	}
	return rowMeta{lastTS: fromMillis(lastTS), lastLocalApply: fromMillis(lastApply)}, nil
}

func (c *Client) hasUnfinishedOp(ctx context.Context, table, recordID string) (bool, error) {
	var exists bool
	err := c.DB.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM _sync_pending
			WHERE table_name=? AND record_id=? AND status IN (?, ?)
		)
	`, table, recordID, StatusQueued, StatusInFlight).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending operations: %w", err)
	}
	return exists, nil
}

func (c *Client) recentLocalApply(meta rowMeta) bool {
	if meta.lastLocalApply.IsZero() {
		return false
	}
	return c.now().Sub(meta.lastLocalApply) <= c.config.RecentApplyWindow
}

// mustDecrypt decrypts for classification purposes; on failure the opaque
// bytes are returned unchanged, which can only make the classifier more
// conservative (a genuine mismatch).
func (c *Client) mustDecrypt(p json.RawMessage) json.RawMessage {
	if p == nil {
		return nil
	}
	plain, err := c.cipher.Decrypt(p)
	if err != nil {
		return p
	}
	return plain
}

// counterOnlyDiff reports whether two JSON object payloads differ only in
// fields that look like a monotonically increasing counter: numeric on
// both sides with the remote value strictly greater. Such differences are
// not genuine divergent edits.
func counterOnlyDiff(local, remote json.RawMessage) bool {
	var lm, rm map[string]any
	if json.Unmarshal(local, &lm) != nil || json.Unmarshal(remote, &rm) != nil {
		return false
	}
	if len(lm) != len(rm) {
		return false
	}
	diff := false
	for k, rv := range rm {
		lv, ok := lm[k]
		if !ok {
			return false
		}
		if jsonEqual(lv, rv) {
			continue
		}
		lf, lok := lv.(float64)
		rf, rok := rv.(float64)
		if !lok || !rok || rf <= lf {
			return false
		}
		diff = true
	}
	return diff
}

func jsonEqual(a, b any) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	return aerr == nil && berr == nil && bytes.Equal(ab, bb)
}

// applyRemoteChange writes a clean remote change into the local cache and
// announces it.
func (c *Client) applyRemoteChange(ctx context.Context, ch devsync.RemoteChange) error {
	now := c.now()

	c.writeMu.Lock()
	err := func() error {
		tx, err := c.DB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin apply tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := upsertRowCacheTx(ctx, tx, ch.Table, ch.RecordID, ch.Payload,
			ch.Op == devsync.OpDelete, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _sync_row_meta(table_name, record_id, last_ts)
			VALUES (?, ?, ?)
			ON CONFLICT(table_name, record_id) DO UPDATE SET last_ts=excluded.last_ts
		`, ch.Table, ch.RecordID, toMillis(ch.Timestamp)); err != nil {
			return fmt.Errorf("failed to update row meta: %w", err)
		}
		return tx.Commit()
	}()
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	c.bus.Publish(Event{
		Topic:    TopicDataChange,
		Table:    ch.Table,
		RecordID: ch.RecordID,
		DeviceID: ch.SourceID,
		Payload:  ch.Payload,
	})
	return nil
}

// createConflict records a divergence and raises conflict-detected. A new
// detection always creates a new conflict row; resolved rows are never
// reopened.
func (c *Client) createConflict(ctx context.Context, ch devsync.RemoteChange, conflictType string, localPayload json.RawMessage, localTS time.Time) error {
	id := uuid.NewString()
	now := c.now()
	priority := c.conflictPriority(ch.Table)

	c.writeMu.Lock()
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO _sync_conflict
			(id, table_name, record_id, conflict_type, local_data, remote_data,
			 local_ts, remote_ts, priority, status, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'detected', ?)
	`, id, ch.Table, ch.RecordID, conflictType,
		payloadArg(localPayload), payloadArg(ch.Payload),
		toMillis(localTS), toMillis(ch.Timestamp), priority, toMillis(now))
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}

	c.logger.Info("conflict detected",
		"conflict_id", id, "type", conflictType,
		"table", ch.Table, "record_id", ch.RecordID, "priority", priority)
	c.bus.Publish(Event{
		Topic:      TopicConflictDetected,
		ConflictID: id,
		Table:      ch.Table,
		RecordID:   ch.RecordID,
	})
	return nil
}

// conflictPriority derives urgency from table sensitivity: configured
// critical tables (account/security/settings class) over everything else.
func (c *Client) conflictPriority(table string) string {
	for _, t := range c.config.CriticalTables {
		if t == table {
			return ConflictPriorityCritical
		}
	}
	return ConflictPriorityMedium
}
