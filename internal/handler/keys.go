package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/server/middleware"
	"github.com/keygate/keygate/internal/service"
)

// KeyHandler serves the owner-facing key management API. Every route
// expects middleware.Authenticate and middleware.RequireOwner to have run.
type KeyHandler struct {
	keys   *service.KeyService
	logger *slog.Logger
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(keys *service.KeyService, logger *slog.Logger) *KeyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyHandler{keys: keys, logger: logger}
}

// ownerID returns the authenticated owner, or writes a 401 and returns "".
func ownerID(w http.ResponseWriter, r *http.Request) string {
	p := middleware.GetPrincipal(r.Context())
	if p == nil || p.Type != middleware.PrincipalOwner || p.OwnerID == "" {
		writeError(w, http.StatusUnauthorized, model.CodeUnauthorized, "Owner authentication required")
		return ""
	}
	return p.OwnerID
}

// ListKeys returns the caller's keys, newest first. Optional status and
// environment query parameters narrow the list.
// GET /api/v1/keys
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(w, r)
	if owner == "" {
		return
	}

	status := model.KeyStatus(queryString(r, "status"))
	if status != "" && status != model.StatusActive && status != model.StatusRevoked {
		badRequest(w, "status must be %q or %q", model.StatusActive, model.StatusRevoked)
		return
	}
	env := model.Environment(queryString(r, "environment"))
	if env != "" && !env.Valid() {
		badRequest(w, "environment must be %q or %q", model.EnvironmentLive, model.EnvironmentTest)
		return
	}

	keys, err := h.keys.List(r.Context(), owner)
	if err != nil {
		h.logger.Error("list api keys failed", "owner_id", owner, "error", err)
		writeServiceError(w, err, "Failed to list API keys")
		return
	}

	filtered := make([]model.APIKey, 0, len(keys))
	for _, k := range keys {
		if status != "" && k.Status != status {
			continue
		}
		if env != "" && k.Environment != env {
			continue
		}
		filtered = append(filtered, k)
	}

	writeJSON(w, http.StatusOK, model.ListResponse[model.APIKey]{
		Resource: filtered,
		Meta:     &model.ResponseMeta{Count: len(filtered)},
	})
}

// CreateKey issues a new key. The plaintext secret is in this response and
// nowhere else.
// POST /api/v1/keys
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(w, r)
	if owner == "" {
		return
	}

	var req service.IssueRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, "Invalid request body: %v", err)
		return
	}
	req.OwnerID = owner

	issued, err := h.keys.Issue(r.Context(), req)
	if err != nil {
		h.logIfInternal(err, "issue api key failed", "owner_id", owner)
		writeServiceError(w, err, "Failed to issue API key")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, issued)
}

// GetKey returns one key.
// GET /api/v1/keys/{keyId}
func (h *KeyHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(w, r)
	if owner == "" {
		return
	}
	key, err := h.keys.Get(r.Context(), chi.URLParam(r, "keyId"), owner)
	if err != nil {
		h.logIfInternal(err, "get api key failed", "owner_id", owner)
		writeServiceError(w, err, "Failed to load API key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// UpdateKey changes a key's name, policy, limits or expiry.
// PATCH /api/v1/keys/{keyId}
func (h *KeyHandler) UpdateKey(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(w, r)
	if owner == "" {
		return
	}

	var patch model.KeyPatch
	if err := readJSON(r, &patch); err != nil {
		badRequest(w, "Invalid request body: %v", err)
		return
	}

	key, err := h.keys.Update(r.Context(), chi.URLParam(r, "keyId"), owner, patch)
	if err != nil {
		h.logIfInternal(err, "update api key failed", "owner_id", owner)
		writeServiceError(w, err, "Failed to update API key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// RotateKey issues a replacement and schedules the old key's revocation
// after the grace period.
// POST /api/v1/keys/{keyId}/rotate
func (h *KeyHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(w, r)
	if owner == "" {
		return
	}

	issued, err := h.keys.Rotate(r.Context(), chi.URLParam(r, "keyId"), owner)
	if err != nil {
		h.logIfInternal(err, "rotate api key failed", "owner_id", owner)
		writeServiceError(w, err, "Failed to rotate API key")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, rotateResponse{
		IssuedKey:          issued,
		GracePeriodSeconds: int(h.keys.GracePeriod().Seconds()),
	})
}

type rotateResponse struct {
	*service.IssuedKey
	GracePeriodSeconds int `json:"grace_period_seconds"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// RevokeKey revokes a key. The body and its reason are optional.
// POST /api/v1/keys/{keyId}/revoke
// DELETE /api/v1/keys/{keyId}
func (h *KeyHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(w, r)
	if owner == "" {
		return
	}

	var req revokeRequest
	if err := readOptionalJSON(r, &req); err != nil {
		badRequest(w, "Invalid request body: %v", err)
		return
	}

	key, err := h.keys.Revoke(r.Context(), chi.URLParam(r, "keyId"), owner, req.Reason)
	if err != nil {
		h.logIfInternal(err, "revoke api key failed", "owner_id", owner)
		writeServiceError(w, err, "Failed to revoke API key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// KeyUsage reports request counters and the live rate window.
// GET /api/v1/keys/{keyId}/usage
func (h *KeyHandler) KeyUsage(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(w, r)
	if owner == "" {
		return
	}
	usage, err := h.keys.Usage(r.Context(), chi.URLParam(r, "keyId"), owner)
	if err != nil {
		h.logIfInternal(err, "api key usage failed", "owner_id", owner)
		writeServiceError(w, err, "Failed to load API key usage")
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// logIfInternal logs errors that map to a 500. Client errors are already
// visible in the request log status.
func (h *KeyHandler) logIfInternal(err error, msg string, args ...any) {
	if status, _, _ := classifyServiceError(err, ""); status == http.StatusInternalServerError {
		h.logger.Error(msg, append(args, "error", err)...)
	}
}
