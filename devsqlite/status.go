// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsqlite

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// SyncStatus is the aggregate state exposed to the UI.
type SyncStatus struct {
	IsOnline         bool
	IsSyncing        bool
	QueueSize        int
	PendingConflicts int
	LastSyncTime     time.Time
}

// Indicator is the single user-facing sync state. When several conditions
// overlap the most urgent one wins: offline > conflicts > syncing >
// pending > connected.
type Indicator string

const (
	IndicatorOffline   Indicator = "offline"
	IndicatorConflicts Indicator = "conflicts"
	IndicatorSyncing   Indicator = "syncing"
	IndicatorPending   Indicator = "pending"
	IndicatorConnected Indicator = "connected"
)

// Indicator collapses a status snapshot into one unambiguous signal.
func (s SyncStatus) Indicator() Indicator {
	switch {
	case !s.IsOnline:
		return IndicatorOffline
	case s.PendingConflicts > 0:
		return IndicatorConflicts
	case s.IsSyncing:
		return IndicatorSyncing
	case s.QueueSize > 0:
		return IndicatorPending
	default:
		return IndicatorConnected
	}
}

// Status snapshots the client's sync state.
func (c *Client) Status(ctx context.Context) (SyncStatus, error) {
	queueSize, err := c.QueueSize(ctx)
	if err != nil {
		return SyncStatus{}, err
	}

	var conflicts int
	if err := c.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _sync_conflict WHERE status != ?
	`, ConflictStateResolved).Scan(&conflicts); err != nil {
		return SyncStatus{}, fmt.Errorf("failed to count conflicts: %w", err)
	}

	var lastSync time.Time
	if raw, err := c.getMeta(ctx, metaKeyLastSyncTime); err == nil && raw != "" {
		if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			lastSync = fromMillis(ms)
		}
	}

	return SyncStatus{
		IsOnline:         c.online.Load(),
		IsSyncing:        c.syncing.Load(),
		QueueSize:        queueSize,
		PendingConflicts: conflicts,
		LastSyncTime:     lastSync,
	}, nil
}
