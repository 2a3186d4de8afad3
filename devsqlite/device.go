// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/Sugarbait/MedEx-sub009/devsync"
)

// RegistrationResult reports the outcome of RegisterDevice.
type RegistrationResult struct {
	Success  bool
	Created  bool // false when an existing record was returned (idempotent re-register)
	DeviceID string
	Device   *devsync.DeviceInfo
}

// RegisterDevice registers this device's fingerprint with the store.
// Re-invoking with an unchanged fingerprint is idempotent: the existing
// record is returned, no duplicate is created. When the store is
// unreachable the registration is queued as a critical operation for later
// delivery and ErrRemoteUnavailable is returned alongside the fingerprint;
// the registration is never dropped.
func (c *Client) RegisterDevice(ctx context.Context, name string) (*RegistrationResult, error) {
	req := devsync.RegisterDeviceRequest{
		DeviceID: c.deviceID,
		Name:     name,
		Platform: runtime.GOOS,
		Agent:    userAgent(),
	}
	if c.config.Signals != nil && c.config.Signals.Agent != "" {
		req.Agent = c.config.Signals.Agent
	}

	resp, err := c.remoteRegisterDevice(ctx, req)
	if err == nil {
		return &RegistrationResult{
			Success:  true,
			Created:  resp.Created,
			DeviceID: resp.Device.DeviceID,
			Device:   &resp.Device,
		}, nil
	}

	if !isRemoteUnavailable(err) {
		return &RegistrationResult{Success: false, DeviceID: c.deviceID}, err
	}

	c.setOnline(false)
	payload, merr := json.Marshal(req)
	if merr != nil {
		return &RegistrationResult{Success: false, DeviceID: c.deviceID}, merr
	}
	if _, qerr := c.Enqueue(ctx, devsync.OpCreate, tableDevices, c.deviceID, payload, PriorityCritical); qerr != nil {
		return &RegistrationResult{Success: false, DeviceID: c.deviceID},
			fmt.Errorf("failed to queue registration: %w", qerr)
	}

	c.logger.Info("device registration queued for retry", "device_id", c.deviceID)
	return &RegistrationResult{Success: false, DeviceID: c.deviceID}, err
}

func userAgent() string {
	return "devsqlite/" + runtime.Version()
}

// ListDevices returns every device registered on the account.
func (c *Client) ListDevices(ctx context.Context) ([]devsync.DeviceInfo, error) {
	return c.remoteListDevices(ctx)
}

// RemoveDevice revokes a device registration. The store invalidates any
// outstanding sessions tied to the device. Removing the currently-active
// device is allowed — callers are expected to confirm that with the user
// first; this module trusts its caller.
func (c *Client) RemoveDevice(ctx context.Context, deviceID string) error {
	if err := c.remoteDeleteDevice(ctx, deviceID); err != nil {
		return err
	}
	c.presenceMu.Lock()
	delete(c.lastSeen, deviceID)
	delete(c.wasOnline, deviceID)
	c.presenceMu.Unlock()
	c.logger.Info("device removed", "device_id", deviceID)
	return nil
}

// RenameDevice updates a device's user-editable label.
func (c *Client) RenameDevice(ctx context.Context, deviceID, name string) error {
	return c.remoteUpdateDevice(ctx, deviceID, devsync.UpdateDeviceRequest{Name: &name})
}

// UpdateDeviceTrust changes a device's trust level. A downgrade to
// untrusted emits session-invalidated exactly once so the auth layer can
// revoke that device's sessions; this service never revokes them directly.
func (c *Client) UpdateDeviceTrust(ctx context.Context, deviceID, level string) error {
	if !devsync.IsValidTrustLevel(level) {
		return fmt.Errorf("unknown trust level: %s", level)
	}
	if err := c.remoteUpdateDevice(ctx, deviceID, devsync.UpdateDeviceRequest{TrustLevel: &level}); err != nil {
		return err
	}
	if level == devsync.TrustUntrusted {
		c.bus.Publish(Event{Topic: TopicSessionInvalidated, DeviceID: deviceID})
	}
	return nil
}
