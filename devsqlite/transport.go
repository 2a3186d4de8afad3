// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Sugarbait/MedEx-sub009/devsync"
)

// ErrRemoteUnavailable indicates the store could not be reached (network
// failure or 5xx). Work that hits it is queued or retried, never dropped.
var ErrRemoteUnavailable = errors.New("remote store unavailable")

// apiError is a non-retryable store rejection (4xx).
type apiError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("store rejected request (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

// isRemoteUnavailable reports whether err represents an unreachable store
// rather than a rejected request.
func isRemoteUnavailable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable)
}

// doJSON issues one authenticated request. Network errors and 5xx map to
// ErrRemoteUnavailable; 4xx map to *apiError; 2xx decodes into out when
// out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrRemoteUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var er devsync.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		if er.Error == "" {
			er.Error = devsync.ErrCodeInternal
		}
		return &apiError{StatusCode: resp.StatusCode, Code: er.Error, Message: er.Message}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) pushOperation(ctx context.Context, op *Operation) (*devsync.PushResponse, error) {
	req := devsync.PushRequest{
		OperationID: op.OperationID,
		Table:       op.Table,
		RecordID:    op.RecordID,
		Op:          op.Op,
		Payload:     op.Payload,
		ClientTS:    op.EnqueuedAt,
	}
	var resp devsync.PushResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) fetchChanges(ctx context.Context, after int64, limit int) (*devsync.ChangesResponse, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp devsync.ChangesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/sync/changes?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) remoteRegisterDevice(ctx context.Context, req devsync.RegisterDeviceRequest) (*devsync.RegisterDeviceResponse, error) {
	var resp devsync.RegisterDeviceResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sync/devices", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) remoteListDevices(ctx context.Context) ([]devsync.DeviceInfo, error) {
	var resp devsync.DevicesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/sync/devices", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

func (c *Client) remoteUpdateDevice(ctx context.Context, deviceID string, req devsync.UpdateDeviceRequest) error {
	return c.doJSON(ctx, http.MethodPatch, "/sync/devices/"+url.PathEscape(deviceID), req, nil)
}

func (c *Client) remoteDeleteDevice(ctx context.Context, deviceID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/sync/devices/"+url.PathEscape(deviceID), nil, nil)
}

func (c *Client) remoteHeartbeat(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/sync/presence", nil, nil)
}

func (c *Client) remoteFetchPresence(ctx context.Context) ([]devsync.PresenceEntry, error) {
	var resp devsync.PresenceResponse
	if err := c.doJSON(ctx, http.MethodGet, "/sync/presence", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// ActiveSessions queries the store for session activity across the
// account's devices.
func (c *Client) ActiveSessions(ctx context.Context) ([]devsync.SessionInfo, error) {
	var resp devsync.SessionsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/sync/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}
