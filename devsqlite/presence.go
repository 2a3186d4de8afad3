// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsqlite

import (
	"context"
	"fmt"
	"time"
)

// heartbeatLoop broadcasts this device's presence at HeartbeatInterval and
// refreshes the account-wide presence view. It suspends (skips beats) while
// the store is unreachable; missed heartbeats only degrade presence
// accuracy, they never block sync or lose data.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.online.Load() {
			continue
		}
		if err := c.BroadcastPresence(ctx); err != nil && ctx.Err() == nil {
			c.logger.Debug("heartbeat failed", "error", err)
		}
	}
}

// BroadcastPresence sends one heartbeat and refreshes the local presence
// cache, emitting presence-online / presence-offline events for devices
// whose derived status flipped since the previous refresh.
func (c *Client) BroadcastPresence(ctx context.Context) error {
	if err := c.remoteHeartbeat(ctx); err != nil {
		if isRemoteUnavailable(err) {
			c.setOnline(false)
		}
		return err
	}
	c.setOnline(true)

	entries, err := c.remoteFetchPresence(ctx)
	if err != nil {
		return err
	}

	now := c.now()
	type transition struct {
		deviceID string
		online   bool
	}
	var transitions []transition

	c.presenceMu.Lock()
	for _, e := range entries {
		c.lastSeen[e.DeviceID] = e.LastSeen
		online := now.Sub(e.LastSeen) < c.config.OnlineTimeout
		if online != c.wasOnline[e.DeviceID] {
			c.wasOnline[e.DeviceID] = online
			transitions = append(transitions, transition{e.DeviceID, online})
		}
	}
	c.presenceMu.Unlock()

	for _, t := range transitions {
		topic := TopicPresenceOffline
		if t.online {
			topic = TopicPresenceOnline
		}
		c.bus.Publish(Event{Topic: topic, DeviceID: t.deviceID})
	}
	return nil
}

// IsDeviceOnline derives online status purely from heartbeat recency: a
// device with no heartbeat within the timeout window is offline. Presence
// is advisory only and never gates correctness decisions.
func (c *Client) IsDeviceOnline(deviceID string) bool {
	c.presenceMu.Lock()
	last, ok := c.lastSeen[deviceID]
	c.presenceMu.Unlock()
	if !ok {
		return false
	}
	return c.now().Sub(last) < c.config.OnlineTimeout
}

// LastSeen returns the most recent heartbeat timestamp known for a device.
func (c *Client) LastSeen(deviceID string) (time.Time, bool) {
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()
	last, ok := c.lastSeen[deviceID]
	return last, ok
}

// LastSeenText renders a device's heartbeat recency for display.
func (c *Client) LastSeenText(deviceID string) string {
	last, ok := c.LastSeen(deviceID)
	if !ok {
		return "never"
	}
	return RelativeTime(last, c.now())
}

// RelativeTime renders t relative to now: "just now", minutes, hours and
// days, falling back to an absolute date beyond seven days.
func RelativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		m := int(d.Minutes())
		if m == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", m)
	case d < 24*time.Hour:
		h := int(d.Hours())
		if h == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", h)
	case d < 7*24*time.Hour:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("Jan 2, 2006")
	}
}
