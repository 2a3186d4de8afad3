// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sugarbait/MedEx-sub009/devsync"
)

// Resolution choices for a detected conflict.
type Resolution string

const (
	ResolutionKeepLocal  Resolution = "keep_local"
	ResolutionKeepRemote Resolution = "keep_remote"
	ResolutionMerge      Resolution = "merge"
	ResolutionIgnore     Resolution = "ignore"
)

// Conflict lifecycle states. resolved is terminal; a merge failure moves
// the conflict back to detected, it is never silently dropped.
const (
	ConflictStateDetected  = "detected"
	ConflictStateResolving = "resolving"
	ConflictStateResolved  = "resolved"
)

// ErrMergeConflict is returned when both sides edited the same field;
// field-level merge is strictly disjoint-union and never guesses a
// tie-break. The caller must choose keep_local or keep_remote.
var ErrMergeConflict = errors.New("merge failed: both sides modified the same field")

// ErrAlreadyResolving is returned when a second resolution is attempted
// while one is in flight, or against an already-resolved conflict.
var ErrAlreadyResolving = errors.New("conflict is not in detected state")

// Conflict is one detected divergence between local and remote state.
type Conflict struct {
	ID           string
	Table        string
	RecordID     string
	ConflictType string
	LocalData    json.RawMessage
	RemoteData   json.RawMessage
	LocalTS      time.Time
	RemoteTS     time.Time
	Priority     string
	State        string
	DetectedAt   time.Time
	ResolvedAt   time.Time
	Resolution   Resolution
}

// PendingConflicts lists unresolved conflicts in ascending detection order.
func (c *Client) PendingConflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, table_name, record_id, conflict_type, local_data, remote_data,
		       local_ts, remote_ts, priority, status, detected_at,
		       COALESCE(resolved_at, 0), COALESCE(resolution, '')
		FROM _sync_conflict
		WHERE status != ?
		ORDER BY detected_at ASC, id ASC
	`, ConflictStateResolved)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []Conflict
	for rows.Next() {
		cf, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, *cf)
	}
	return conflicts, rows.Err()
}

// Conflict loads one conflict by ID regardless of state.
func (c *Client) Conflict(ctx context.Context, conflictID string) (*Conflict, error) {
	row := c.DB.QueryRowContext(ctx, `
		SELECT id, table_name, record_id, conflict_type, local_data, remote_data,
		       local_ts, remote_ts, priority, status, detected_at,
		       COALESCE(resolved_at, 0), COALESCE(resolution, '')
		FROM _sync_conflict WHERE id=?
	`, conflictID)
	cf, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conflict %s not found", conflictID)
		}
		return nil, err
	}
	return cf, nil
}

func scanConflict(row rowScanner) (*Conflict, error) {
	var (
		cf                   Conflict
		localData, remote    sql.NullString
		localTS, remoteTS    int64
		detectedAt, resolved int64
		resolution           string
	)
	if err := row.Scan(&cf.ID, &cf.Table, &cf.RecordID, &cf.ConflictType,
		&localData, &remote, &localTS, &remoteTS, &cf.Priority, &cf.State,
		&detectedAt, &resolved, &resolution); err != nil {
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}
	if localData.Valid {
		cf.LocalData = json.RawMessage(localData.String)
	}
	if remote.Valid {
		cf.RemoteData = json.RawMessage(remote.String)
	}
	cf.LocalTS = fromMillis(localTS)
	cf.RemoteTS = fromMillis(remoteTS)
	cf.DetectedAt = fromMillis(detectedAt)
	cf.ResolvedAt = fromMillis(resolved)
	cf.Resolution = Resolution(resolution)
	return &cf, nil
}

// ResolveConflict applies one resolution to one conflict. Only one
// resolution may be in flight per conflict; the detected->resolving CAS
// serializes callers. A failed merge returns the conflict to detected and
// reports ErrMergeConflict.
func (c *Client) ResolveConflict(ctx context.Context, conflictID string, resolution Resolution) error {
	cf, err := c.Conflict(ctx, conflictID)
	if err != nil {
		return err
	}

	if err := c.casConflictState(ctx, conflictID, ConflictStateDetected, ConflictStateResolving); err != nil {
		return err
	}

	if err := c.applyResolution(ctx, cf, resolution); err != nil {
		// Never drop the conflict: back to detected for another attempt.
		if rerr := c.casConflictState(ctx, conflictID, ConflictStateResolving, ConflictStateDetected); rerr != nil {
			c.logger.Error("failed to return conflict to detected state",
				"conflict_id", conflictID, "error", rerr)
		}
		return err
	}

	c.writeMu.Lock()
	_, err = c.DB.ExecContext(ctx, `
		UPDATE _sync_conflict SET status=?, resolution=?, resolved_at=?
		WHERE id=? AND status=?
	`, ConflictStateResolved, string(resolution), toMillis(c.now()),
		conflictID, ConflictStateResolving)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to finalize conflict: %w", err)
	}

	c.logger.Info("conflict resolved",
		"conflict_id", conflictID, "resolution", string(resolution))
	return nil
}

// IgnoreConflict resolves a conflict without changing either side. Meant
// for non-critical cosmetic divergence.
func (c *Client) IgnoreConflict(ctx context.Context, conflictID string) error {
	return c.ResolveConflict(ctx, conflictID, ResolutionIgnore)
}

// ResolveAllConflicts applies one resolution uniformly to every pending
// conflict, in ascending detection order so resolution order matches
// detection order. Individual failures (a merge that cannot apply) leave
// that conflict detected and are reported joined; the sweep continues.
func (c *Client) ResolveAllConflicts(ctx context.Context, resolution Resolution) error {
	conflicts, err := c.PendingConflicts(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, cf := range conflicts {
		if err := c.ResolveConflict(ctx, cf.ID, resolution); err != nil {
			errs = append(errs, fmt.Errorf("conflict %s: %w", cf.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) casConflictState(ctx context.Context, conflictID, from, to string) error {
	c.writeMu.Lock()
	res, err := c.DB.ExecContext(ctx, `
		UPDATE _sync_conflict SET status=? WHERE id=? AND status=?
	`, to, conflictID, from)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to transition conflict state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyResolving
	}
	return nil
}

func (c *Client) applyResolution(ctx context.Context, cf *Conflict, resolution Resolution) error {
	switch resolution {
	case ResolutionKeepLocal:
		return c.resolveKeepLocal(ctx, cf)
	case ResolutionKeepRemote:
		return c.resolveKeepRemote(ctx, cf)
	case ResolutionMerge:
		return c.resolveMerge(ctx, cf)
	case ResolutionIgnore:
		return nil
	default:
		return fmt.Errorf("unknown resolution: %s", resolution)
	}
}

// resolveKeepLocal re-enqueues the local snapshot as a high-priority UPDATE
// so the store (and every other device) converges on this device's view.
func (c *Client) resolveKeepLocal(ctx context.Context, cf *Conflict) error {
	_, err := c.Enqueue(ctx, devsync.OpUpdate, cf.Table, cf.RecordID, cf.LocalData, PriorityHigh)
	return err
}

// resolveKeepRemote discards any queued re-send of the superseded local
// payload and applies the remote snapshot locally.
func (c *Client) resolveKeepRemote(ctx context.Context, cf *Conflict) error {
	now := c.now()

	c.writeMu.Lock()
	err := func() error {
		tx, err := c.DB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin keep_remote tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// In-flight ops are left alone: they were already sent and cannot
		// be unsent; the store remains the arbiter of latest state.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM _sync_pending
			WHERE table_name=? AND record_id=? AND status IN (?, ?)
		`, cf.Table, cf.RecordID, StatusQueued, StatusFailed); err != nil {
			return fmt.Errorf("failed to discard superseded operations: %w", err)
		}

		if err := upsertRowCacheTx(ctx, tx, cf.Table, cf.RecordID, cf.RemoteData, cf.RemoteData == nil, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _sync_row_meta(table_name, record_id, last_ts)
			VALUES (?, ?, ?)
			ON CONFLICT(table_name, record_id) DO UPDATE SET last_ts=excluded.last_ts
		`, cf.Table, cf.RecordID, toMillis(cf.RemoteTS)); err != nil {
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
		Table:    cf.Table,
		RecordID: cf.RecordID,
		Payload:  cf.RemoteData,
	})
	return nil
}

// resolveMerge unions the two snapshots field by field and re-queues the
// result as a high-priority UPDATE. Fields present on both sides with
// different values are not auto-mergeable: the merge fails whole, nothing
// is partially applied.
func (c *Client) resolveMerge(ctx context.Context, cf *Conflict) error {
	merged, err := c.mergePayloads(cf.LocalData, cf.RemoteData)
	if err != nil {
		return err
	}
	_, err = c.Enqueue(ctx, devsync.OpUpdate, cf.Table, cf.RecordID, merged, PriorityHigh)
	return err
}

// mergePayloads combines non-conflicting fields from each side. Payloads
// pass through the cipher boundary first; the merged document is
// re-encrypted before it re-enters the queue.
func (c *Client) mergePayloads(local, remote json.RawMessage) (json.RawMessage, error) {
	localPlain, err := c.cipher.Decrypt(local)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt local snapshot: %w", err)
	}
	remotePlain, err := c.cipher.Decrypt(remote)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt remote snapshot: %w", err)
	}

	var lm, rm map[string]any
	if err := json.Unmarshal(localPlain, &lm); err != nil {
		return nil, fmt.Errorf("local snapshot is not a JSON object: %w", err)
	}
	if err := json.Unmarshal(remotePlain, &rm); err != nil {
		return nil, fmt.Errorf("remote snapshot is not a JSON object: %w", err)
	}

	merged := make(map[string]any, len(lm)+len(rm))
	for k, v := range lm {
		merged[k] = v
	}
	for k, rv := range rm {
		if lv, both := lm[k]; both && !jsonEqual(lv, rv) {
			return nil, fmt.Errorf("%w: %q", ErrMergeConflict, k)
		}
		merged[k] = rv
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged payload: %w", err)
	}
	return c.cipher.Encrypt(out)
}
