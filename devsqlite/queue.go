// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Sugarbait/MedEx-sub009/devsync"
)

// Priority orders queued operations across records. FIFO order still holds
// within one (table, record) pair regardless of priority.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Operation statuses. succeeded operations are removed from the queue once
// acknowledged, so only these three are persisted.
const (
	StatusQueued   = "queued"
	StatusInFlight = "in-flight"
	StatusFailed   = "failed"
)

// reservedTablePrefix marks engine-internal tables routed to dedicated
// store endpoints instead of the generic row push.
const reservedTablePrefix = "_"

// tableDevices is the reserved table carrying queued device registrations.
const tableDevices = "_devices"

// Operation is one pending mutation in the durable queue.
type Operation struct {
	Seq           int64
	OperationID   string
	Table         string
	RecordID      string
	Op            string
	Payload       json.RawMessage
	Priority      Priority
	Status        string
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	EnqueuedAt    time.Time
}

// Enqueue appends a mutation to the durable local queue and applies it
// optimistically to the local row cache. It never touches the network and
// succeeds while offline; delivery happens asynchronously in enqueue order
// per record.
func (c *Client) Enqueue(ctx context.Context, op, table, recordID string, payload json.RawMessage, priority Priority) (string, error) {
	if !devsync.IsValidOp(op) {
		return "", fmt.Errorf("unknown operation: %s", op)
	}
	if table == "" || recordID == "" {
		return "", fmt.Errorf("table and recordID must be provided")
	}
	if priority < PriorityLow || priority > PriorityCritical {
		return "", fmt.Errorf("invalid priority: %d", priority)
	}
	if op == devsync.OpDelete {
		payload = nil
	}

	opID := uuid.NewString()
	now := c.now()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin enqueue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_pending
			(op_id, table_name, record_id, op, payload, priority, status, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, opID, table, recordID, op, payloadArg(payload), int(priority), StatusQueued, toMillis(now)); err != nil {
		return "", fmt.Errorf("failed to enqueue operation: %w", err)
	}

	// Optimistic local state; reverted by keep_remote if the store disagrees.
	// Reserved engine tables have no row cache.
	if !strings.HasPrefix(table, reservedTablePrefix) {
		if err := upsertRowCacheTx(ctx, tx, table, recordID, payload, op == devsync.OpDelete, now); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit enqueue: %w", err)
	}

	c.logger.Debug("operation enqueued",
		"op_id", opID, "op", op, "table", table, "record_id", recordID,
		"priority", priority.String())
	return opID, nil
}

func payloadArg(payload json.RawMessage) any {
	if payload == nil {
		return nil
	}
	return string(payload)
}

func upsertRowCacheTx(ctx context.Context, tx *sql.Tx, table, recordID string, payload json.RawMessage, deleted bool, now time.Time) error {
	del := 0
	if deleted {
		del = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_row_cache(table_name, record_id, payload, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			payload=excluded.payload, deleted=excluded.deleted, updated_at=excluded.updated_at
	`, table, recordID, payloadArg(payload), del, toMillis(now)); err != nil {
		return fmt.Errorf("failed to update row cache: %w", err)
	}
	return nil
}

// QueueSize returns the number of operations still awaiting delivery
// (queued plus in-flight; failed ops await manual retry and are excluded).
func (c *Client) QueueSize(ctx context.Context) (int, error) {
	var n int
	err := c.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _sync_pending WHERE status IN (?, ?)
	`, StatusQueued, StatusInFlight).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// ClearQueue discards all queued operations. In-flight operations are left
// alone since the store may already be applying them. Intended for explicit
// user-initiated resets only.
func (c *Client) ClearQueue(ctx context.Context) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	res, err := c.DB.ExecContext(ctx,
		`DELETE FROM _sync_pending WHERE status IN (?, ?)`, StatusQueued, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}
	n, _ := res.RowsAffected()
	c.logger.Info("queue cleared", "discarded", n)
	return int(n), nil
}

// RetryOperation resets a failed operation to queued with a fresh attempt
// budget. Manual companion to the bounded automatic retry.
func (c *Client) RetryOperation(ctx context.Context, operationID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	res, err := c.DB.ExecContext(ctx, `
		UPDATE _sync_pending
		SET status=?, attempts=0, last_error=NULL, next_attempt_at=0
		WHERE op_id=? AND status=?
	`, StatusQueued, operationID, StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to retry operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %s is not in failed state", operationID)
	}
	return nil
}

// PendingOperations lists queued, in-flight and failed operations in
// enqueue order, for UI display.
func (c *Client) PendingOperations(ctx context.Context) ([]Operation, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT seq, op_id, table_name, record_id, op, payload, priority, status,
		       attempts, COALESCE(last_error, ''), next_attempt_at, enqueued_at
		FROM _sync_pending
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	var (
		op            Operation
		payload       sql.NullString
		priority      int
		nextAttemptAt int64
		enqueuedAt    int64
	)
	if err := row.Scan(&op.Seq, &op.OperationID, &op.Table, &op.RecordID, &op.Op,
		&payload, &priority, &op.Status, &op.Attempts, &op.LastError,
		&nextAttemptAt, &enqueuedAt); err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	op.Priority = Priority(priority)
	op.NextAttemptAt = fromMillis(nextAttemptAt)
	op.EnqueuedAt = fromMillis(enqueuedAt)
	return &op, nil
}

// localSnapshot returns the cached payload and timestamps for one record.
func (c *Client) localSnapshot(ctx context.Context, table, recordID string) (payload json.RawMessage, updatedAt time.Time, err error) {
	var (
		p  sql.NullString
		ts int64
	)
	err = c.DB.QueryRowContext(ctx, `
		SELECT payload, updated_at FROM _sync_row_cache
		WHERE table_name=? AND record_id=?
	`, table, recordID).Scan(&p, &ts)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read row cache: %w", err)
	}
	if p.Valid {
		payload = json.RawMessage(p.String)
	}
	return payload, fromMillis(ts), nil
}
