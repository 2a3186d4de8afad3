// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Sugarbait/MedEx-sub009/devsync"
)

// dispatchLoop drains the queue on a timer, or immediately when
// ForceSyncNow signals.
func (c *Client) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.forceCh:
		case <-time.After(c.config.DispatchInterval):
		}
		if err := c.drain(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("queue drain aborted", "error", err)
		}
	}
}

// ForceSyncNow runs an immediate out-of-band drain attempt, typically after
// connectivity is restored. Safe to call concurrently with the background
// loop: operation claims are compare-and-swap, so the same operation is
// never delivered twice.
func (c *Client) ForceSyncNow(ctx context.Context) error {
	// Reachability may have been restored; let the drain find out.
	c.setOnline(true)
	return c.drain(ctx)
}

// drain claims and delivers due operations until the queue is empty, the
// session is invalid, or the store becomes unreachable.
func (c *Client) drain(ctx context.Context) error {
	if !c.sessionValid(ctx) {
		c.logger.Debug("session invalid, holding queued operations")
		return nil
	}
	if !c.online.Load() {
		return nil
	}

	c.syncing.Store(true)
	defer c.syncing.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		op, err := c.claimNext(ctx)
		if err != nil {
			return err
		}
		if op == nil {
			return nil
		}

		if err := c.deliver(ctx, op); err != nil {
			if isRemoteUnavailable(err) {
				// Degrade to offline queueing; the next drain retries.
				c.setOnline(false)
				return nil
			}
			return err
		}
	}
}

// claimNext picks the highest-priority due operation whose record has no
// earlier unfinished operation (per-record FIFO), and claims it with a
// status CAS so concurrent drains cannot double-deliver.
func (c *Client) claimNext(ctx context.Context) (*Operation, error) {
	now := toMillis(c.now())
	for {
		row := c.DB.QueryRowContext(ctx, `
			SELECT seq, op_id, table_name, record_id, op, payload, priority, status,
			       attempts, COALESCE(last_error, ''), next_attempt_at, enqueued_at
			FROM _sync_pending p
			WHERE p.status = ? AND p.next_attempt_at <= ?
			  AND NOT EXISTS (
			      SELECT 1 FROM _sync_pending q
			      WHERE q.table_name = p.table_name
			        AND q.record_id = p.record_id
			        AND q.seq < p.seq
			  )
			ORDER BY p.priority DESC, p.seq ASC
			LIMIT 1
		`, StatusQueued, now)

		op, err := scanOperation(row)
		if err != nil {
			if isNoRows(err) {
				return nil, nil
			}
			return nil, err
		}

		c.writeMu.Lock()
		res, err := c.DB.ExecContext(ctx, `
			UPDATE _sync_pending SET status=? WHERE op_id=? AND status=?
		`, StatusInFlight, op.OperationID, StatusQueued)
		c.writeMu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to claim operation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			op.Status = StatusInFlight
			return op, nil
		}
		// Lost the claim race; look for another candidate.
	}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// deliver sends one claimed operation to the store and settles its
// terminal or retry state.
func (c *Client) deliver(ctx context.Context, op *Operation) error {
	var (
		serverTS time.Time
		err      error
	)
	if op.Table == tableDevices {
		err = c.deliverRegistration(ctx, op)
		serverTS = c.now()
	} else {
		var resp *devsync.PushResponse
		resp, err = c.pushOperation(ctx, op)
		if resp != nil {
			serverTS = resp.ServerTS
		}
	}

	switch {
	case err == nil:
		return c.finishOperation(ctx, op, serverTS)
	case isRemoteUnavailable(err):
		if rerr := c.retryOrFail(ctx, op, err); rerr != nil {
			return rerr
		}
		return err
	default:
		// Store rejected the operation outright; retrying cannot help.
		if ferr := c.markFailed(ctx, op, err); ferr != nil {
			return ferr
		}
		return nil
	}
}

func (c *Client) deliverRegistration(ctx context.Context, op *Operation) error {
	var req devsync.RegisterDeviceRequest
	if err := json.Unmarshal(op.Payload, &req); err != nil {
		return fmt.Errorf("corrupt queued registration: %w", err)
	}
	_, err := c.remoteRegisterDevice(ctx, req)
	return err
}

// finishOperation removes a delivered operation and records the store's
// authoritative timestamp for the record.
func (c *Client) finishOperation(ctx context.Context, op *Operation, serverTS time.Time) error {
	now := c.now()

	c.writeMu.Lock()
	err := func() error {
		tx, err := c.DB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM _sync_pending WHERE op_id=?`, op.OperationID); err != nil {
			return fmt.Errorf("failed to remove delivered operation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _sync_row_meta(table_name, record_id, last_ts, last_local_apply)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(table_name, record_id) DO UPDATE SET
				last_ts=excluded.last_ts, last_local_apply=excluded.last_local_apply
		`, op.Table, op.RecordID, toMillis(serverTS), toMillis(now)); err != nil {
			return fmt.Errorf("failed to update row meta: %w", err)
		}
		return tx.Commit()
	}()
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	if err := c.setMeta(ctx, metaKeyLastSyncTime, strconv.FormatInt(toMillis(now), 10)); err != nil {
		c.logger.Warn("failed to record last sync time", "error", err)
	}

	c.setOnline(true)
	c.bus.Publish(Event{
		Topic:       TopicSyncComplete,
		OperationID: op.OperationID,
		Table:       op.Table,
		RecordID:    op.RecordID,
	})
	return nil
}

// retryOrFail re-queues an undelivered operation with exponential backoff,
// or marks it failed once the attempt budget is exhausted.
func (c *Client) retryOrFail(ctx context.Context, op *Operation, cause error) error {
	attempts := op.Attempts + 1
	if attempts >= c.config.MaxAttempts {
		return c.markFailed(ctx, op, cause)
	}

	delay := c.backoffDelay(attempts)
	c.writeMu.Lock()
	_, err := c.DB.ExecContext(ctx, `
		UPDATE _sync_pending
		SET status=?, attempts=?, last_error=?, next_attempt_at=?
		WHERE op_id=?
	`, StatusQueued, attempts, cause.Error(), toMillis(c.now().Add(delay)), op.OperationID)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to requeue operation: %w", err)
	}

	c.logger.Debug("operation delivery failed, backing off",
		"op_id", op.OperationID, "attempts", attempts, "delay", delay, "error", cause)
	return nil
}

func (c *Client) backoffDelay(attempts int) time.Duration {
	delay := c.config.BackoffMin
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= c.config.BackoffMax {
			return c.config.BackoffMax
		}
	}
	if delay > c.config.BackoffMax {
		return c.config.BackoffMax
	}
	return delay
}

// markFailed parks an operation in failed state and surfaces a sync-error.
// Failed ops hold later ops for the same record (FIFO) but never block
// other records; manual RetryOperation or ClearQueue moves them on.
func (c *Client) markFailed(ctx context.Context, op *Operation, cause error) error {
	c.writeMu.Lock()
	_, err := c.DB.ExecContext(ctx, `
		UPDATE _sync_pending
		SET status=?, attempts=?, last_error=?
		WHERE op_id=?
	`, StatusFailed, op.Attempts+1, cause.Error(), op.OperationID)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to mark operation failed: %w", err)
	}

	c.logger.Warn("operation failed permanently",
		"op_id", op.OperationID, "table", op.Table, "record_id", op.RecordID,
		"error", cause)
	c.bus.Publish(Event{
		Topic:       TopicSyncError,
		OperationID: op.OperationID,
		Table:       op.Table,
		RecordID:    op.RecordID,
		Err:         cause,
	})
	return nil
}
