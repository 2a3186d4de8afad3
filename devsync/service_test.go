// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Integration tests against a real PostgreSQL store. They run only when
// DATABASE_URL is set; each test isolates itself under a fresh account ID
// so concurrent runs cannot collide.

package devsync

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*StoreService, string) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping store integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, InitSchema(ctx, pool))

	svc, err := NewStoreService(pool, nil, nil)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return svc, "it-" + uuid.NewString()
}

func pushReq(op, table, recordID, payload string) *PushRequest {
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	return &PushRequest{
		OperationID: uuid.NewString(),
		Table:       table,
		RecordID:    recordID,
		Op:          op,
		Payload:     raw,
		ClientTS:    time.Now(),
	}
}

// A redelivered push (same operation_id) is applied once; the replayed
// acknowledgment carries the original sequence number.
func TestStorePushIdempotent(t *testing.T) {
	svc, userID := newTestStore(t)
	ctx := context.Background()

	req := pushReq(OpCreate, "notes", "n1", `{"title":"draft"}`)
	first, err := svc.Push(ctx, userID, "dev-a", req)
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := svc.Push(ctx, userID, "dev-a", req)
	require.NoError(t, err)
	require.True(t, second.Applied)
	require.Equal(t, first.ServerSeq, second.ServerSeq)

	// One feed entry, not two.
	resp, err := svc.Changes(ctx, userID, "dev-b", 0, 0)
	require.NoError(t, err)
	require.Len(t, resp.Changes, 1)
	require.Equal(t, "dev-a", resp.Changes[0].SourceID)
}

func TestStoreChangesFilterAndWatermark(t *testing.T) {
	svc, userID := newTestStore(t)
	ctx := context.Background()

	_, err := svc.Push(ctx, userID, "dev-a", pushReq(OpCreate, "notes", "n1", `{"v":1}`))
	require.NoError(t, err)
	fromB, err := svc.Push(ctx, userID, "dev-b", pushReq(OpCreate, "notes", "n2", `{"v":2}`))
	require.NoError(t, err)
	lastFromA, err := svc.Push(ctx, userID, "dev-a", pushReq(OpUpdate, "notes", "n1", `{"v":3}`))
	require.NoError(t, err)

	// dev-a sees only dev-b's change, but the watermark still advances past
	// dev-a's own trailing entry so nothing is re-downloaded.
	resp, err := svc.Changes(ctx, userID, "dev-a", 0, 0)
	require.NoError(t, err)
	require.Len(t, resp.Changes, 1)
	require.Equal(t, fromB.ServerSeq, resp.Changes[0].ServerSeq)
	require.Equal(t, lastFromA.ServerSeq, resp.NextAfter)
	require.False(t, resp.HasMore)

	resp, err = svc.Changes(ctx, userID, "dev-a", resp.NextAfter, 0)
	require.NoError(t, err)
	require.Empty(t, resp.Changes)
}

func TestStorePushValidation(t *testing.T) {
	svc, userID := newTestStore(t)
	ctx := context.Background()

	_, err := svc.Push(ctx, userID, "dev-a", &PushRequest{Table: "notes", RecordID: "n1", Op: OpCreate})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Push(ctx, userID, "dev-a", &PushRequest{
		OperationID: uuid.NewString(), Table: "notes", RecordID: "n1", Op: "UPSERT",
	})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStoreDeviceLifecycle(t *testing.T) {
	svc, userID := newTestStore(t)
	ctx := context.Background()

	reg, err := svc.RegisterDevice(ctx, userID, &RegisterDeviceRequest{
		DeviceID: "dev-a", Name: "kitchen laptop", Platform: "linux",
	})
	require.NoError(t, err)
	require.True(t, reg.Created)
	require.Equal(t, TrustUnknown, reg.Device.TrustLevel)

	again, err := svc.RegisterDevice(ctx, userID, &RegisterDeviceRequest{DeviceID: "dev-a"})
	require.NoError(t, err)
	require.False(t, again.Created)
	require.Equal(t, "kitchen laptop", again.Device.Name)

	level := TrustUntrusted
	updated, err := svc.UpdateDevice(ctx, userID, "dev-a", &UpdateDeviceRequest{TrustLevel: &level})
	require.NoError(t, err)
	require.Equal(t, TrustUntrusted, updated.TrustLevel)

	sessions, err := svc.Sessions(ctx, userID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.False(t, sessions[0].IsActive)

	require.ErrorIs(t, svc.Heartbeat(ctx, userID, "dev-ghost"), ErrDeviceNotFound)
	require.NoError(t, svc.DeleteDevice(ctx, userID, "dev-a"))
	require.ErrorIs(t, svc.DeleteDevice(ctx, userID, "dev-a"), ErrDeviceNotFound)
}
