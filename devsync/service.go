// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDeviceNotFound is returned for operations against an unregistered
// device.
var ErrDeviceNotFound = errors.New("device not found")

// ErrInvalidRequest marks request validation failures. The HTTP layer maps
// it to 400 so clients never mistake a malformed request for an outage.
var ErrInvalidRequest = errors.New("invalid request")

// ServiceConfig holds configuration for the store service.
type ServiceConfig struct {
	AppName        string // application name for logs/diagnostics
	MaxChangeLimit int    // hard cap for one change-feed page (0 = MaxChangeLimit default)
}

// StoreService is the reference remote store: row CRUD scoped per account,
// an ordered change feed, and device/session/presence bookkeeping. Every
// device of an account reads and writes through it; it is the arbiter of
// latest state.
type StoreService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	mu     sync.RWMutex
	closed bool
}

// NewStoreService creates a store service from an existing pool.
func NewStoreService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*StoreService, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if config == nil {
		config = &ServiceConfig{AppName: "devsync-store"}
	}
	if config.MaxChangeLimit <= 0 {
		config.MaxChangeLimit = MaxChangeLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreService{pool: pool, logger: logger, config: config}, nil
}

// Close marks the service closed. The pool is owned by the caller.
func (s *StoreService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *StoreService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store service is closed")
	}
	return nil
}

// Push applies one device mutation: the row state is updated and the
// change appended to the feed, atomically. Pushes are idempotent on
// operation_id, so a redelivered operation is applied at most once and the
// original acknowledgment is replayed.
func (s *StoreService) Push(ctx context.Context, userID, sourceID string, req *PushRequest) (*PushResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req.OperationID == "" || req.Table == "" || req.RecordID == "" {
		return nil, fmt.Errorf("%w: operation_id, table and record_id are required", ErrInvalidRequest)
	}
	if !IsValidOp(req.Op) {
		return nil, fmt.Errorf("%w: unknown operation %s", ErrInvalidRequest, req.Op)
	}

	var resp PushResponse
	err := withRetryableTx(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			seq int64
			ts  time.Time
		)
		err := tx.QueryRow(ctx, `
			SELECT server_seq, ts FROM sync.change_log
			WHERE user_id=$1 AND operation_id=$2
		`, userID, req.OperationID).Scan(&seq, &ts)
		if err == nil {
			resp = PushResponse{Applied: true, ServerSeq: seq, ServerTS: ts}
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to check idempotency: %w", err)
		}

		if req.Op == OpDelete {
			if _, err := tx.Exec(ctx, `
				INSERT INTO sync.records (user_id, table_name, record_id, payload, deleted, updated_by)
				VALUES ($1, $2, $3, NULL, TRUE, $4)
				ON CONFLICT (user_id, table_name, record_id) DO UPDATE SET
					payload=NULL, deleted=TRUE, version=sync.records.version+1,
					updated_at=now(), updated_by=excluded.updated_by
			`, userID, req.Table, req.RecordID, sourceID); err != nil {
				return fmt.Errorf("failed to delete record: %w", err)
			}
		} else {
			if _, err := tx.Exec(ctx, `
				INSERT INTO sync.records (user_id, table_name, record_id, payload, deleted, updated_by)
				VALUES ($1, $2, $3, $4, FALSE, $5)
				ON CONFLICT (user_id, table_name, record_id) DO UPDATE SET
					payload=excluded.payload, deleted=FALSE, version=sync.records.version+1,
					updated_at=now(), updated_by=excluded.updated_by
			`, userID, req.Table, req.RecordID, req.Payload, sourceID); err != nil {
				return fmt.Errorf("failed to upsert record: %w", err)
			}
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO sync.change_log
				(user_id, table_name, record_id, op, payload, source_id, operation_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING server_seq, ts
		`, userID, req.Table, req.RecordID, req.Op, req.Payload, sourceID,
			req.OperationID).Scan(&seq, &ts); err != nil {
			return fmt.Errorf("failed to append change log: %w", err)
		}

		resp = PushResponse{Applied: true, ServerSeq: seq, ServerTS: ts}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Changes returns one page of the account's change feed after the given
// watermark. Changes originated by sourceID are filtered out of the page
// but still advance NextAfter, so a device never re-downloads its own
// writes.
func (s *StoreService) Changes(ctx context.Context, userID, sourceID string, after int64, limit int) (*ChangesResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultChangeLimit
	}
	if limit > s.config.MaxChangeLimit {
		limit = s.config.MaxChangeLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT server_seq, table_name, record_id, op, payload, source_id, ts
		FROM sync.change_log
		WHERE user_id=$1 AND server_seq > $2
		ORDER BY server_seq ASC
		LIMIT $3
	`, userID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query change feed: %w", err)
	}
	defer rows.Close()

	resp := &ChangesResponse{Changes: []RemoteChange{}, NextAfter: after}
	fetched := 0
	for rows.Next() {
		var ch RemoteChange
		if err := rows.Scan(&ch.ServerSeq, &ch.Table, &ch.RecordID, &ch.Op,
			&ch.Payload, &ch.SourceID, &ch.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		fetched++
		resp.NextAfter = ch.ServerSeq
		if ch.SourceID == sourceID {
			continue
		}
		resp.Changes = append(resp.Changes, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read change feed: %w", err)
	}
	resp.HasMore = fetched == limit
	return resp, nil
}

// RegisterDevice stores a device record, idempotently: re-registering an
// existing fingerprint returns the stored record unchanged. The device row
// and its session row are written in one transaction so registration is
// all-or-nothing from the caller's point of view.
func (s *StoreService) RegisterDevice(ctx context.Context, userID string, req *RegisterDeviceRequest) (*RegisterDeviceResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req.DeviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", ErrInvalidRequest)
	}

	var resp RegisterDeviceResponse
	err := withRetryableTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO sync.devices (user_id, device_id, name, platform, agent, trust_level)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, device_id) DO NOTHING
		`, userID, req.DeviceID, req.Name, req.Platform, req.Agent, TrustUnknown)
		if err != nil {
			return fmt.Errorf("failed to insert device: %w", err)
		}
		resp.Created = tag.RowsAffected() == 1

		if _, err := tx.Exec(ctx, `
			INSERT INTO sync.sessions (user_id, device_id, is_active, last_activity)
			VALUES ($1, $2, TRUE, now())
			ON CONFLICT (user_id, device_id) DO UPDATE SET
				is_active=TRUE, last_activity=now()
		`, userID, req.DeviceID); err != nil {
			return fmt.Errorf("failed to upsert session: %w", err)
		}

		device, err := scanDevice(tx.QueryRow(ctx, deviceSelect+`
			WHERE user_id=$1 AND device_id=$2
		`, userID, req.DeviceID))
		if err != nil {
			return err
		}
		resp.Device = *device
		return nil
	})
	if err != nil {
		return nil, err
	}

	if resp.Created {
		s.logger.Info("device registered",
			"user_id", userID, "device_id", req.DeviceID, "name", req.Name)
	}
	return &resp, nil
}

const deviceSelect = `
	SELECT device_id, name, platform, agent, trust_level, created_at, last_used_at
	FROM sync.devices
`

func scanDevice(row pgx.Row) (*DeviceInfo, error) {
	var d DeviceInfo
	if err := row.Scan(&d.DeviceID, &d.Name, &d.Platform, &d.Agent,
		&d.TrustLevel, &d.CreatedAt, &d.LastUsedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}
	return &d, nil
}

// Devices lists the account's registered devices.
func (s *StoreService) Devices(ctx context.Context, userID string) ([]DeviceInfo, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, deviceSelect+`
		WHERE user_id=$1 ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	devices := []DeviceInfo{}
	for rows.Next() {
		var d DeviceInfo
		if err := rows.Scan(&d.DeviceID, &d.Name, &d.Platform, &d.Agent,
			&d.TrustLevel, &d.CreatedAt, &d.LastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpdateDevice renames a device and/or changes its trust level. A
// downgrade to untrusted deactivates the device's sessions in the same
// transaction.
func (s *StoreService) UpdateDevice(ctx context.Context, userID, deviceID string, req *UpdateDeviceRequest) (*DeviceInfo, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req.TrustLevel != nil && !IsValidTrustLevel(*req.TrustLevel) {
		return nil, fmt.Errorf("%w: unknown trust level %s", ErrInvalidRequest, *req.TrustLevel)
	}

	var device *DeviceInfo
	err := withRetryableTx(ctx, s.pool, func(tx pgx.Tx) error {
		if req.Name != nil {
			tag, err := tx.Exec(ctx, `
				UPDATE sync.devices SET name=$3 WHERE user_id=$1 AND device_id=$2
			`, userID, deviceID, *req.Name)
			if err != nil {
				return fmt.Errorf("failed to rename device: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrDeviceNotFound
			}
		}
		if req.TrustLevel != nil {
			tag, err := tx.Exec(ctx, `
				UPDATE sync.devices SET trust_level=$3 WHERE user_id=$1 AND device_id=$2
			`, userID, deviceID, *req.TrustLevel)
			if err != nil {
				return fmt.Errorf("failed to update trust level: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrDeviceNotFound
			}
			if *req.TrustLevel == TrustUntrusted {
				if _, err := tx.Exec(ctx, `
					UPDATE sync.sessions SET is_active=FALSE
					WHERE user_id=$1 AND device_id=$2
				`, userID, deviceID); err != nil {
					return fmt.Errorf("failed to invalidate sessions: %w", err)
				}
			}
		}

		d, err := scanDevice(tx.QueryRow(ctx, deviceSelect+`
			WHERE user_id=$1 AND device_id=$2
		`, userID, deviceID))
		if err != nil {
			return err
		}
		device = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

// DeleteDevice revokes a device registration and invalidates its sessions.
func (s *StoreService) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return withRetryableTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM sync.devices WHERE user_id=$1 AND device_id=$2
		`, userID, deviceID)
		if err != nil {
			return fmt.Errorf("failed to delete device: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrDeviceNotFound
		}
		if _, err := tx.Exec(ctx, `
			UPDATE sync.sessions SET is_active=FALSE
			WHERE user_id=$1 AND device_id=$2
		`, userID, deviceID); err != nil {
			return fmt.Errorf("failed to invalidate sessions: %w", err)
		}
		return nil
	})
}

// Heartbeat records presence for a device: last_used_at on the device row
// and last_activity on its session.
func (s *StoreService) Heartbeat(ctx context.Context, userID, deviceID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return withRetryableTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sync.devices SET last_used_at=now()
			WHERE user_id=$1 AND device_id=$2
		`, userID, deviceID)
		if err != nil {
			return fmt.Errorf("failed to record heartbeat: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrDeviceNotFound
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO sync.sessions (user_id, device_id, is_active, last_activity)
			VALUES ($1, $2, TRUE, now())
			ON CONFLICT (user_id, device_id) DO UPDATE SET last_activity=now()
		`, userID, deviceID); err != nil {
			return fmt.Errorf("failed to update session activity: %w", err)
		}
		return nil
	})
}

// Presence lists heartbeat recency for every device on the account.
func (s *StoreService) Presence(ctx context.Context, userID string) ([]PresenceEntry, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, last_used_at FROM sync.devices
		WHERE user_id=$1 ORDER BY device_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query presence: %w", err)
	}
	defer rows.Close()

	entries := []PresenceEntry{}
	for rows.Next() {
		var e PresenceEntry
		if err := rows.Scan(&e.DeviceID, &e.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan presence: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Sessions lists session activity for the account's devices.
func (s *StoreService) Sessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, is_active, last_activity FROM sync.sessions
		WHERE user_id=$1 ORDER BY device_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []SessionInfo{}
	for rows.Next() {
		var s SessionInfo
		if err := rows.Scan(&s.DeviceID, &s.IsActive, &s.LastActivity); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
