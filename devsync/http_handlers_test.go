// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory Backend so the HTTP layer can be exercised
// without PostgreSQL.
type fakeBackend struct {
	pushed    []PushRequest
	changes   []RemoteChange
	devices   map[string]DeviceInfo
	heartbeat []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{devices: map[string]DeviceInfo{}}
}

func (f *fakeBackend) Push(_ context.Context, userID, sourceID string, req *PushRequest) (*PushResponse, error) {
	if req.OperationID == "" || req.Table == "" || req.RecordID == "" {
		return nil, fmt.Errorf("%w: operation_id, table and record_id are required", ErrInvalidRequest)
	}
	f.pushed = append(f.pushed, *req)
	return &PushResponse{Applied: true, ServerSeq: int64(len(f.pushed)), ServerTS: time.Now()}, nil
}

func (f *fakeBackend) Changes(_ context.Context, userID, sourceID string, after int64, limit int) (*ChangesResponse, error) {
	var out []RemoteChange
	next := after
	for _, ch := range f.changes {
		if ch.ServerSeq <= after {
			continue
		}
		next = ch.ServerSeq
		if ch.SourceID == sourceID {
			continue
		}
		out = append(out, ch)
	}
	return &ChangesResponse{Changes: out, NextAfter: next}, nil
}

func (f *fakeBackend) RegisterDevice(_ context.Context, userID string, req *RegisterDeviceRequest) (*RegisterDeviceResponse, error) {
	if d, ok := f.devices[req.DeviceID]; ok {
		return &RegisterDeviceResponse{Created: false, Device: d}, nil
	}
	d := DeviceInfo{DeviceID: req.DeviceID, Name: req.Name, TrustLevel: TrustUnknown}
	f.devices[req.DeviceID] = d
	return &RegisterDeviceResponse{Created: true, Device: d}, nil
}

func (f *fakeBackend) Devices(_ context.Context, userID string) ([]DeviceInfo, error) {
	out := make([]DeviceInfo, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeBackend) UpdateDevice(_ context.Context, userID, deviceID string, req *UpdateDeviceRequest) (*DeviceInfo, error) {
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	if req.Name != nil {
		d.Name = *req.Name
	}
	if req.TrustLevel != nil {
		d.TrustLevel = *req.TrustLevel
	}
	f.devices[deviceID] = d
	return &d, nil
}

func (f *fakeBackend) DeleteDevice(_ context.Context, userID, deviceID string) error {
	if _, ok := f.devices[deviceID]; !ok {
		return ErrDeviceNotFound
	}
	delete(f.devices, deviceID)
	return nil
}

func (f *fakeBackend) Heartbeat(_ context.Context, userID, deviceID string) error {
	f.heartbeat = append(f.heartbeat, deviceID)
	return nil
}

func (f *fakeBackend) Presence(_ context.Context, userID string) ([]PresenceEntry, error) {
	return []PresenceEntry{{DeviceID: "device-abc123", LastSeen: time.Now()}}, nil
}

func (f *fakeBackend) Sessions(_ context.Context, userID string) ([]SessionInfo, error) {
	return []SessionInfo{}, nil
}

func newTestServer(t *testing.T) (*fakeBackend, *httptest.Server, string) {
	t.Helper()
	backend := newFakeBackend()
	auth := NewJWTAuth("test-secret")
	handlers := NewHTTPHandlers(backend, auth, nil)
	srv := httptest.NewServer(handlers.Router())
	t.Cleanup(srv.Close)

	token, err := auth.GenerateToken("user1", "device-abc123", time.Hour)
	require.NoError(t, err)
	return backend, srv, token
}

func doRequest(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRouterRequiresAuth(t *testing.T) {
	_, srv, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/sync/changes", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, ErrCodeUnauthorized, body.Error)
}

func TestPushEndpoint(t *testing.T) {
	backend, srv, token := newTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/sync/push", token, PushRequest{
		OperationID: "op-1",
		Table:       "notes",
		RecordID:    "n1",
		Op:          OpCreate,
		Payload:     json.RawMessage(`{"title":"draft"}`),
		ClientTS:    time.Now(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pushResp PushResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pushResp))
	require.True(t, pushResp.Applied)
	require.Equal(t, int64(1), pushResp.ServerSeq)

	require.Len(t, backend.pushed, 1)
	require.Equal(t, "op-1", backend.pushed[0].OperationID)
}

// A malformed push is the caller's fault: it must come back 400, not 500,
// since clients treat 5xx as an unreachable store and retry.
func TestPushValidationFailureIsBadRequest(t *testing.T) {
	_, srv, token := newTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/sync/push", token, PushRequest{
		Table:    "notes",
		RecordID: "n1",
		Op:       OpCreate,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, ErrCodeBadRequest, body.Error)
}

func TestChangesFiltersOwnDevice(t *testing.T) {
	backend, srv, token := newTestServer(t)
	backend.changes = []RemoteChange{
		{ServerSeq: 1, Table: "notes", RecordID: "n1", Op: OpCreate, SourceID: "device-abc123"},
		{ServerSeq: 2, Table: "notes", RecordID: "n2", Op: OpCreate, SourceID: "device-other"},
	}

	resp := doRequest(t, http.MethodGet, srv.URL+"/sync/changes?after=0", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ChangesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Changes, 1)
	require.Equal(t, "device-other", body.Changes[0].SourceID)
	// The watermark still advances past the caller's own entries.
	require.Equal(t, int64(2), body.NextAfter)
}

func TestRegisterDeviceEndpoint(t *testing.T) {
	_, srv, token := newTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/sync/devices", token,
		RegisterDeviceRequest{DeviceID: "device-abc123", Name: "kitchen laptop"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Re-registering the same fingerprint returns the existing record.
	resp = doRequest(t, http.MethodPost, srv.URL+"/sync/devices", token,
		RegisterDeviceRequest{DeviceID: "device-abc123", Name: "kitchen laptop"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body RegisterDeviceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.False(t, body.Created)
	require.Equal(t, "device-abc123", body.Device.DeviceID)
}

// device_id in the body must match the token's did claim; an empty body
// value is filled in from the claim.
func TestRegisterDeviceIdentityChecks(t *testing.T) {
	backend, srv, token := newTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/sync/devices", token,
		RegisterDeviceRequest{DeviceID: "device-spoofed"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, http.MethodPost, srv.URL+"/sync/devices", token,
		RegisterDeviceRequest{Name: "kitchen laptop"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_, ok := backend.devices["device-abc123"]
	require.True(t, ok)
}

func TestUpdateAndDeleteDevice(t *testing.T) {
	backend, srv, token := newTestServer(t)
	backend.devices["device-abc123"] = DeviceInfo{DeviceID: "device-abc123", TrustLevel: TrustUnknown}

	level := TrustTrusted
	resp := doRequest(t, http.MethodPatch, srv.URL+"/sync/devices/device-abc123", token,
		UpdateDeviceRequest{TrustLevel: &level})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var device DeviceInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&device))
	require.Equal(t, TrustTrusted, device.TrustLevel)

	resp = doRequest(t, http.MethodDelete, srv.URL+"/sync/devices/device-abc123", token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete, srv.URL+"/sync/devices/device-abc123", token, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHeartbeatAndPresence(t *testing.T) {
	backend, srv, token := newTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/sync/presence", token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, []string{"device-abc123"}, backend.heartbeat)

	resp = doRequest(t, http.MethodGet, srv.URL+"/sync/presence", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body PresenceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Entries, 1)
}
