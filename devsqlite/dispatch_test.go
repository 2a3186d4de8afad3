// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsqlite

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Sugarbait/MedEx-sub009/devsync"
)

// Offline enqueue, then connectivity restored: ForceSyncNow delivers the
// operation and emits exactly one sync-complete for it.
func TestOfflineEnqueueThenForceSyncNow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	store := &fakeStore{}
	store.install(t, c)
	store.setUnreachable(true)

	opID, err := c.Enqueue(ctx, devsync.OpUpdate, "settings", "42",
		json.RawMessage(`{"theme":"dark"}`), PriorityNormal)
	require.NoError(t, err)

	var completed []string
	c.Subscribe(TopicSyncComplete, func(ev Event) {
		completed = append(completed, ev.OperationID)
	})

	// Unreachable store: drain leaves the op queued and flips offline.
	require.NoError(t, c.ForceSyncNow(ctx))
	ops, err := c.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, StatusQueued, ops[0].Status)
	require.False(t, c.IsOnline())

	// Back online: exactly one delivery, exactly one sync-complete.
	store.setUnreachable(false)
	// Backoff may still be pending; make the op due immediately.
	_, err = c.DB.ExecContext(ctx,
		`UPDATE _sync_pending SET next_attempt_at=0 WHERE op_id=?`, opID)
	require.NoError(t, err)
	require.NoError(t, c.ForceSyncNow(ctx))

	require.Equal(t, []string{opID}, completed)
	size, err := c.QueueSize(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, size)
	require.True(t, c.IsOnline())

	pushed := store.pushedOps(t)
	require.Len(t, pushed, 1)
	require.Equal(t, opID, pushed[0].OperationID)
}

// All operations for one record reach the store in enqueue order even when
// later operations carry higher priority.
func TestPerRecordDeliveryOrder(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	store := &fakeStore{}
	store.install(t, c)

	var want []string
	for i, p := range []Priority{PriorityLow, PriorityNormal, PriorityCritical, PriorityHigh} {
		payload, _ := json.Marshal(map[string]int{"rev": i})
		opID, err := c.Enqueue(ctx, devsync.OpUpdate, "settings", "7", payload, p)
		require.NoError(t, err)
		want = append(want, opID)
	}

	require.NoError(t, c.ForceSyncNow(ctx))

	var got []string
	for _, p := range store.pushedOps(t) {
		got = append(got, p.OperationID)
	}
	require.Equal(t, want, got)
}

func TestBoundedRetryMarksFailedAndEmitsSyncError(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	store := &fakeStore{}
	store.install(t, c)
	store.setUnreachable(true)

	opID, err := c.Enqueue(ctx, devsync.OpUpdate, "notes", "n1",
		json.RawMessage(`{"v":1}`), PriorityNormal)
	require.NoError(t, err)

	var errored []string
	c.Subscribe(TopicSyncError, func(ev Event) {
		errored = append(errored, ev.OperationID)
		require.Error(t, ev.Err)
	})

	// Drive the op through its whole attempt budget by hand.
	for i := 0; i < c.config.MaxAttempts; i++ {
		op, err := c.claimNext(ctx)
		require.NoError(t, err)
		if op == nil {
			// still backing off; make the op due again
			_, err = c.DB.ExecContext(ctx,
				`UPDATE _sync_pending SET next_attempt_at=0 WHERE op_id=?`, opID)
			require.NoError(t, err)
			op, err = c.claimNext(ctx)
			require.NoError(t, err)
		}
		require.NotNil(t, op)
		err = c.deliver(ctx, op)
		require.Error(t, err)
	}

	ops, err := c.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, StatusFailed, ops[0].Status)
	require.Equal(t, c.config.MaxAttempts, ops[0].Attempts)
	require.Equal(t, []string{opID}, errored)

	// Failed ops are excluded from the pending count.
	size, err := c.QueueSize(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, size)
}

func TestFailedOpBlocksSameRecordNotOthers(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	blockedID, err := c.Enqueue(ctx, devsync.OpUpdate, "notes", "stuck", json.RawMessage(`{}`), PriorityNormal)
	require.NoError(t, err)
	_, err = c.Enqueue(ctx, devsync.OpUpdate, "notes", "stuck", json.RawMessage(`{"v":2}`), PriorityNormal)
	require.NoError(t, err)
	otherID, err := c.Enqueue(ctx, devsync.OpUpdate, "notes", "fine", json.RawMessage(`{}`), PriorityNormal)
	require.NoError(t, err)

	op, err := c.claimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, blockedID, op.OperationID)
	require.NoError(t, c.markFailed(ctx, op, context.DeadlineExceeded))

	// The successor for "stuck" is held behind the failed op; "fine" is not.
	op, err = c.claimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, op)
	require.Equal(t, otherID, op.OperationID)

	op, err = c.claimNext(ctx)
	require.NoError(t, err)
	require.Nil(t, op)
}

func TestDrainHeldWhileSessionInvalid(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	store := &fakeStore{}
	store.install(t, c)

	valid := false
	c.config.SessionValid = func(context.Context) (bool, error) { return valid, nil }

	_, err := c.Enqueue(ctx, devsync.OpUpdate, "settings", "1", json.RawMessage(`{}`), PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, c.ForceSyncNow(ctx))
	require.Empty(t, store.pushedOps(t), "operations must be held while the session is invalid")

	valid = true
	require.NoError(t, c.ForceSyncNow(ctx))
	require.Len(t, store.pushedOps(t), 1)
}

func TestBackoffDelayDoublesToCeiling(t *testing.T) {
	c := newTestClient(t)
	c.config.BackoffMin = 1
	c.config.BackoffMax = 8

	cases := []struct {
		attempts int
		want     int64
	}{
		{1, 1}, {2, 2}, {3, 4}, {4, 8}, {5, 8}, {10, 8},
	}
	for _, tc := range cases {
		if got := int64(c.backoffDelay(tc.attempts)); got != tc.want {
			t.Fatalf("attempts=%d: expected %d got %d", tc.attempts, tc.want, got)
		}
	}
}
