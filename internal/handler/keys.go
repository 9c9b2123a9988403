package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/apikeyd/apikeyd/internal/model"
	"github.com/apikeyd/apikeyd/internal/server/middleware"
	"github.com/apikeyd/apikeyd/internal/service"
)

const (
	defaultUsageLimit = 100
	maxUsageLimit     = 1000
)

// KeyHandler serves the API key lifecycle for bearer-authenticated owners.
// Admins act on any owner's keys.
type KeyHandler struct {
	mgr    *service.Manager
	logger *zap.Logger
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(mgr *service.Manager, logger *zap.Logger) *KeyHandler {
	return &KeyHandler{mgr: mgr, logger: nopIfNil(logger)}
}

func (h *KeyHandler) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID, ok := bearerOwner(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
	}
	return ownerID, ok
}

// List returns the caller's keys.
// GET /api/v1/keys
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	keys, err := h.mgr.List(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list keys")
		return
	}
	writeJSON(w, http.StatusOK, listResponse(keys))
}

// Create issues a key. The raw secret appears only in this response.
// POST /api/v1/keys
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	if ownerID == "" {
		ownerID = middleware.GetPrincipal(r.Context()).OwnerID
	}

	var req model.CreateKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeBodyError(w, err)
		return
	}

	k, raw, err := h.mgr.Create(r.Context(), ownerID, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "create key")
		return
	}
	writeJSON(w, http.StatusCreated, secretResponse(k, raw))
}

// Get returns one key.
// GET /api/v1/keys/{keyId}
func (h *KeyHandler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	k, err := h.mgr.Get(r.Context(), ownerID, chi.URLParam(r, "keyId"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "get key")
		return
	}
	writeJSON(w, http.StatusOK, k)
}

// Update applies a partial update.
// PATCH /api/v1/keys/{keyId}
func (h *KeyHandler) Update(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req model.UpdateKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	k, err := h.mgr.Update(r.Context(), ownerID, chi.URLParam(r, "keyId"), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "update key")
		return
	}
	writeJSON(w, http.StatusOK, k)
}

// Delete removes a key and its usage history.
// DELETE /api/v1/keys/{keyId}
func (h *KeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	if err := h.mgr.Delete(r.Context(), ownerID, chi.URLParam(r, "keyId")); err != nil {
		writeServiceError(w, r, h.logger, err, "delete key")
		return
	}
	writeJSON(w, http.StatusOK, successResponse("API key deleted"))
}

// Revoke permanently disables a key.
// POST /api/v1/keys/{keyId}/revoke
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	k, err := h.mgr.Revoke(r.Context(), ownerID, chi.URLParam(r, "keyId"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "revoke key")
		return
	}
	writeJSON(w, http.StatusOK, k)
}

// Rotate replaces a key's secret. The old secret stops working immediately.
// POST /api/v1/keys/{keyId}/rotate
func (h *KeyHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	k, raw, err := h.mgr.Rotate(r.Context(), ownerID, chi.URLParam(r, "keyId"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "rotate key")
		return
	}
	writeJSON(w, http.StatusOK, secretResponse(k, raw))
}

// Usage reports counters and recent usage entries.
// GET /api/v1/keys/{keyId}/usage?limit=N
func (h *KeyHandler) Usage(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	limit := clampInt(queryInt(r, "limit", defaultUsageLimit), 1, maxUsageLimit)
	rep, err := h.mgr.Usage(r.Context(), ownerID, chi.URLParam(r, "keyId"), limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "key usage")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ResetCounters clears a key's rate window and today's quota.
// POST /api/v1/admin/keys/{keyId}/reset
func (h *KeyHandler) ResetCounters(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.ResetCounters(r.Context(), chi.URLParam(r, "keyId")); err != nil {
		writeServiceError(w, r, h.logger, err, "reset counters")
		return
	}
	writeJSON(w, http.StatusOK, successResponse("Counters reset"))
}

func secretResponse(k *model.APIKey, raw string) model.CreateKeyResponse {
	return model.CreateKeyResponse{
		ID:        k.ID,
		Name:      k.Name,
		APIKey:    raw,
		KeyPrefix: k.KeyPrefix,
		Scopes:    k.Scopes,
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.ExpiresAt,
	}
}
