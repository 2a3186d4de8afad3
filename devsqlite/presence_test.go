// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Sugarbait/MedEx-sub009/devsync"
)

func TestRelativeTime(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		ago  time.Duration
		want string
	}{
		{"seconds", 30 * time.Second, "just now"},
		{"one minute", 90 * time.Second, "1 minute ago"},
		{"minutes", 5 * time.Minute, "5 minutes ago"},
		{"one hour", 61 * time.Minute, "1 hour ago"},
		{"hours", 3 * time.Hour, "3 hours ago"},
		{"one day", 25 * time.Hour, "1 day ago"},
		{"days", 3 * 24 * time.Hour, "3 days ago"},
		{"beyond a week", 10 * 24 * time.Hour, "Jun 5, 2025"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RelativeTime(now.Add(-tt.ago), now)
			if got != tt.want {
				t.Fatalf("RelativeTime(-%v) = %q, want %q", tt.ago, got, tt.want)
			}
		})
	}
}

func TestIsDeviceOnlineWindow(t *testing.T) {
	c := newTestClient(t)

	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	c.presenceMu.Lock()
	c.lastSeen["phone"] = base.Add(-30 * time.Second)
	c.lastSeen["laptop"] = base.Add(-2 * c.config.OnlineTimeout)
	c.presenceMu.Unlock()

	require.True(t, c.IsDeviceOnline("phone"))
	require.False(t, c.IsDeviceOnline("laptop"))
	require.False(t, c.IsDeviceOnline("never-seen"))

	// No new heartbeat: phone expires once the window passes.
	c.now = func() time.Time { return base.Add(c.config.OnlineTimeout) }
	require.False(t, c.IsDeviceOnline("phone"))
}

func TestLastSeenText(t *testing.T) {
	c := newTestClient(t)

	require.Equal(t, "never", c.LastSeenText("ghost"))

	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	c.presenceMu.Lock()
	c.lastSeen["phone"] = base.Add(-5 * time.Minute)
	c.presenceMu.Unlock()

	require.Equal(t, "5 minutes ago", c.LastSeenText("phone"))
}

// A peer crossing the online threshold in either direction must emit
// exactly one transition event; steady state emits none.
func TestBroadcastPresenceEmitsTransitions(t *testing.T) {
	c := newTestClient(t)
	store := &fakeStore{}
	store.install(t, c)
	ctx := context.Background()

	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	var events []Event
	c.Subscribe(TopicPresenceOnline, func(e Event) { events = append(events, e) })
	c.Subscribe(TopicPresenceOffline, func(e Event) { events = append(events, e) })

	store.mu.Lock()
	store.presence = []devsync.PresenceEntry{{DeviceID: "phone", LastSeen: base.Add(-time.Second)}}
	store.mu.Unlock()

	require.NoError(t, c.BroadcastPresence(ctx))
	require.Len(t, events, 1)
	require.Equal(t, TopicPresenceOnline, events[0].Topic)
	require.Equal(t, "phone", events[0].DeviceID)

	// Same state again: no duplicate event.
	require.NoError(t, c.BroadcastPresence(ctx))
	require.Len(t, events, 1)

	// Heartbeats stop; next refresh flips it offline.
	store.mu.Lock()
	store.presence = []devsync.PresenceEntry{{DeviceID: "phone", LastSeen: base.Add(-2 * c.config.OnlineTimeout)}}
	store.mu.Unlock()

	require.NoError(t, c.BroadcastPresence(ctx))
	require.Len(t, events, 2)
	require.Equal(t, TopicPresenceOffline, events[1].Topic)
}

func TestBroadcastPresenceUnreachableGoesOffline(t *testing.T) {
	c := newTestClient(t)
	store := &fakeStore{}
	store.install(t, c)
	ctx := context.Background()

	require.NoError(t, c.BroadcastPresence(ctx))
	require.True(t, c.IsOnline())

	store.setUnreachable(true)
	err := c.BroadcastPresence(ctx)
	require.Error(t, err)
	require.True(t, isRemoteUnavailable(err))
	require.False(t, c.IsOnline())
}
