// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the sync HTTP API. Shared between the store service
// and the SQLite client engine.

// PushRequest carries a single mutation from a device to the store.
// source_id is derived from the JWT did claim, not from the request body.
type PushRequest struct {
	OperationID string          `json:"operation_id"`      // Client-generated, unique per op
	Table       string          `json:"table"`             // Logical table name
	RecordID    string          `json:"record_id"`         // Row key within the table
	Op          string          `json:"op"`                // CREATE, UPDATE, DELETE
	Payload     json.RawMessage `json:"payload,omitempty"` // Opaque row payload (null for DELETE)
	ClientTS    time.Time       `json:"client_ts"`         // Device wall-clock at enqueue time
}

// PushResponse acknowledges a pushed mutation.
type PushResponse struct {
	Applied   bool      `json:"applied"`
	ServerSeq int64     `json:"server_seq"` // Change-log sequence assigned to this mutation
	ServerTS  time.Time `json:"server_ts"`  // Store-side apply timestamp
}

// RemoteChange is one entry of the change feed.
type RemoteChange struct {
	ServerSeq int64           `json:"server_seq"`
	Table     string          `json:"table"`
	RecordID  string          `json:"record_id"`
	Op        string          `json:"op"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SourceID  string          `json:"source_id"` // Originating device (JWT did)
	Timestamp time.Time       `json:"ts"`        // Store-side apply timestamp
}

// ChangesResponse is a page of the change feed, watermark-ordered.
type ChangesResponse struct {
	Changes   []RemoteChange `json:"changes"`
	NextAfter int64          `json:"next_after"` // Pass as ?after= on the next call
	HasMore   bool           `json:"has_more"`
}

// DeviceInfo is the shared representation of one registered device.
type DeviceInfo struct {
	DeviceID   string    `json:"device_id"`
	Name       string    `json:"name"`
	Platform   string    `json:"platform"`
	Agent      string    `json:"agent"`
	TrustLevel string    `json:"trust_level"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// RegisterDeviceRequest registers (or re-registers) the calling device.
// device_id must match the JWT did claim.
type RegisterDeviceRequest struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name,omitempty"`
	Platform string `json:"platform,omitempty"`
	Agent    string `json:"agent,omitempty"`
}

// RegisterDeviceResponse echoes the stored device record. Created is false
// when the fingerprint was already registered and the existing record was
// returned instead (idempotent registration).
type RegisterDeviceResponse struct {
	Created bool       `json:"created"`
	Device  DeviceInfo `json:"device"`
}

// UpdateDeviceRequest renames a device and/or changes its trust level.
// Nil fields are left untouched.
type UpdateDeviceRequest struct {
	Name       *string `json:"name,omitempty"`
	TrustLevel *string `json:"trust_level,omitempty"`
}

// PresenceEntry reports heartbeat recency for one device on the account.
// Online/offline is derived client-side from LastSeen against the client's
// own timeout window; the store only records timestamps.
type PresenceEntry struct {
	DeviceID string    `json:"device_id"`
	LastSeen time.Time `json:"last_seen"`
}

// PresenceResponse lists presence entries for every device on the account.
type PresenceResponse struct {
	Entries []PresenceEntry `json:"entries"`
}

// SessionInfo is one row of the active-sessions query.
type SessionInfo struct {
	DeviceID     string    `json:"device_id"`
	IsActive     bool      `json:"is_active"`
	LastActivity time.Time `json:"last_activity"`
}

// SessionsResponse lists sessions for the account.
type SessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// DevicesResponse lists registered devices for the account.
type DevicesResponse struct {
	Devices []DeviceInfo `json:"devices"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
