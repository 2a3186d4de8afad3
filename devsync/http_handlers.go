// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Sugarbait/MedEx-sub009/internal/auth"
)

// Backend is the store surface the HTTP layer exposes. *StoreService
// implements it; tests substitute an in-memory fake.
type Backend interface {
	Push(ctx context.Context, userID, sourceID string, req *PushRequest) (*PushResponse, error)
	Changes(ctx context.Context, userID, sourceID string, after int64, limit int) (*ChangesResponse, error)
	RegisterDevice(ctx context.Context, userID string, req *RegisterDeviceRequest) (*RegisterDeviceResponse, error)
	Devices(ctx context.Context, userID string) ([]DeviceInfo, error)
	UpdateDevice(ctx context.Context, userID, deviceID string, req *UpdateDeviceRequest) (*DeviceInfo, error)
	DeleteDevice(ctx context.Context, userID, deviceID string) error
	Heartbeat(ctx context.Context, userID, deviceID string) error
	Presence(ctx context.Context, userID string) ([]PresenceEntry, error)
	Sessions(ctx context.Context, userID string) ([]SessionInfo, error)
}

// HTTPHandlers serves the sync API over HTTP.
type HTTPHandlers struct {
	backend       Backend
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates the HTTP layer over a backend.
func NewHTTPHandlers(backend Backend, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		backend:       backend,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Router builds the chi router for the sync API. Every route requires
// bearer auth carrying both account (sub) and device (did) identity.
func (h *HTTPHandlers) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(h.authMiddleware)

	r.Post("/sync/push", h.handlePush)
	r.Get("/sync/changes", h.handleChanges)

	r.Post("/sync/devices", h.handleRegisterDevice)
	r.Get("/sync/devices", h.handleListDevices)
	r.Patch("/sync/devices/{deviceID}", h.handleUpdateDevice)
	r.Delete("/sync/devices/{deviceID}", h.handleDeleteDevice)

	r.Post("/sync/presence", h.handleHeartbeat)
	r.Get("/sync/presence", h.handlePresence)
	r.Get("/sync/sessions", h.handleSessions)

	return r
}

func (h *HTTPHandlers) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.authenticator.GetUserID(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error())
			return
		}
		sourceID, err := h.authenticator.GetSourceID(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error())
			return
		}
		ctx := auth.SetAuthContext(r.Context(), userID, sourceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *HTTPHandlers) identity(r *http.Request) (userID, sourceID string) {
	userID, _ = auth.GetUserID(r.Context())
	sourceID, _ = auth.GetSourceID(r.Context())
	return userID, sourceID
}

func (h *HTTPHandlers) handlePush(w http.ResponseWriter, r *http.Request) {
	userID, sourceID := h.identity(r)

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	resp, err := h.backend.Push(r.Context(), userID, sourceID, &req)
	if err != nil {
		h.writeBackendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandlers) handleChanges(w http.ResponseWriter, r *http.Request) {
	userID, sourceID := h.identity(r)

	after, err := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	if err != nil && r.URL.Query().Get("after") != "" {
		h.writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid after parameter")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid limit parameter")
			return
		}
	}

	resp, err := h.backend.Changes(r.Context(), userID, sourceID, after, limit)
	if err != nil {
		h.writeBackendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandlers) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, sourceID := h.identity(r)

	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = sourceID
	}
	if req.DeviceID != sourceID {
		h.writeError(w, http.StatusBadRequest, ErrCodeBadRequest,
			"device_id must match the token's did claim")
		return
	}

	resp, err := h.backend.RegisterDevice(r.Context(), userID, &req)
	if err != nil {
		h.writeBackendError(w, r, err)
		return
	}
	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, resp)
}

func (h *HTTPHandlers) handleListDevices(w http.ResponseWriter, r *http.Request) {
	userID, _ := h.identity(r)
	devices, err := h.backend.Devices(r.Context(), userID)
	if err != nil {
		h.writeBackendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, DevicesResponse{Devices: devices})
}

func (h *HTTPHandlers) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	userID, _ := h.identity(r)
	deviceID := chi.URLParam(r, "deviceID")

	var req UpdateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	device, err := h.backend.UpdateDevice(r.Context(), userID, deviceID, &req)
	if err != nil {
		h.writeBackendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, device)
}

func (h *HTTPHandlers) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	userID, _ := h.identity(r)
	deviceID := chi.URLParam(r, "deviceID")

	if err := h.backend.DeleteDevice(r.Context(), userID, deviceID); err != nil {
		h.writeBackendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandlers) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	userID, sourceID := h.identity(r)
	if err := h.backend.Heartbeat(r.Context(), userID, sourceID); err != nil {
		h.writeBackendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandlers) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID, _ := h.identity(r)
	entries, err := h.backend.Presence(r.Context(), userID)
	if err != nil {
		h.writeBackendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, PresenceResponse{Entries: entries})
}

func (h *HTTPHandlers) handleSessions(w http.ResponseWriter, r *http.Request) {
	userID, _ := h.identity(r)
	sessions, err := h.backend.Sessions(r.Context(), userID)
	if err != nil {
		h.writeBackendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions})
}

func (h *HTTPHandlers) writeBackendError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, ErrDeviceNotFound):
		h.writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	default:
		h.logger.Error("store request failed",
			"path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
