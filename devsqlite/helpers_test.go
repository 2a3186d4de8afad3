// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/Sugarbait/MedEx-sub009/devsync"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// One connection so the in-memory database is shared across all calls.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	db := openTestDB(t)
	cfg := DefaultConfig()
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	cfg.CriticalTables = []string{"settings"}
	token := func(ctx context.Context) (string, error) { return "test-token", nil }
	c, err := NewClient(db, "http://store.example", "user1", token, cfg, nil)
	require.NoError(t, err)
	return c
}

// fakeStore is a scriptable in-memory stand-in for the remote store,
// wired in through the client's HTTP transport.
type fakeStore struct {
	mu          sync.Mutex
	unreachable bool
	pushed      []devsync.PushRequest
	registered  []devsync.RegisterDeviceRequest
	presence    []devsync.PresenceEntry
	failPush    int // fail this many pushes with 503 before succeeding
}

func (f *fakeStore) setUnreachable(v bool) {
	f.mu.Lock()
	f.unreachable = v
	f.mu.Unlock()
}

func (f *fakeStore) pushedOps(t *testing.T) []devsync.PushRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]devsync.PushRequest, len(f.pushed))
	copy(out, f.pushed)
	return out
}

func (f *fakeStore) install(t *testing.T, c *Client) {
	t.Helper()
	c.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.unreachable {
			return nil, context.DeadlineExceeded
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sync/push":
			if f.failPush > 0 {
				f.failPush--
				return jsonResponse(http.StatusServiceUnavailable, devsync.ErrorResponse{Error: "unavailable"}), nil
			}
			var req devsync.PushRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				return jsonResponse(http.StatusBadRequest, devsync.ErrorResponse{Error: "bad_request"}), nil
			}
			f.pushed = append(f.pushed, req)
			return jsonResponse(http.StatusOK, devsync.PushResponse{
				Applied:   true,
				ServerSeq: int64(len(f.pushed)),
				ServerTS:  time.Now(),
			}), nil

		case r.Method == http.MethodPost && r.URL.Path == "/sync/devices":
			var req devsync.RegisterDeviceRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				return jsonResponse(http.StatusBadRequest, devsync.ErrorResponse{Error: "bad_request"}), nil
			}
			created := true
			for _, existing := range f.registered {
				if existing.DeviceID == req.DeviceID {
					created = false
				}
			}
			if created {
				f.registered = append(f.registered, req)
			}
			return jsonResponse(http.StatusOK, devsync.RegisterDeviceResponse{
				Created: created,
				Device: devsync.DeviceInfo{
					DeviceID:   req.DeviceID,
					Name:       req.Name,
					TrustLevel: devsync.TrustUnknown,
					CreatedAt:  time.Now(),
					LastUsedAt: time.Now(),
				},
			}), nil

		case r.Method == http.MethodPatch && len(r.URL.Path) > len("/sync/devices/"):
			return jsonResponse(http.StatusOK, devsync.DeviceInfo{}), nil

		case r.Method == http.MethodDelete && len(r.URL.Path) > len("/sync/devices/"):
			return &http.Response{StatusCode: http.StatusNoContent, Body: http.NoBody}, nil

		case r.Method == http.MethodPost && r.URL.Path == "/sync/presence":
			return &http.Response{StatusCode: http.StatusNoContent, Body: http.NoBody}, nil

		case r.Method == http.MethodGet && r.URL.Path == "/sync/presence":
			return jsonResponse(http.StatusOK, devsync.PresenceResponse{Entries: f.presence}), nil

		case r.Method == http.MethodGet && r.URL.Path == "/sync/changes":
			return jsonResponse(http.StatusOK, devsync.ChangesResponse{Changes: []devsync.RemoteChange{}}), nil
		}
		return jsonResponse(http.StatusNotFound, devsync.ErrorResponse{Error: "not_found"}), nil
	})}
}

func jsonResponse(status int, v any) *http.Response {
	buf, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(buf)),
	}
}
