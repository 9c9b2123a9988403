package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/apikeyd/apikeyd/internal/model"
	"github.com/apikeyd/apikeyd/internal/service"
)

// OwnerHandler manages key owners. All routes require an admin token.
type OwnerHandler struct {
	mgr    *service.Manager
	logger *zap.Logger
}

// NewOwnerHandler creates a new OwnerHandler.
func NewOwnerHandler(mgr *service.Manager, logger *zap.Logger) *OwnerHandler {
	return &OwnerHandler{mgr: mgr, logger: nopIfNil(logger)}
}

// List returns every owner.
// GET /api/v1/admin/owners
func (h *OwnerHandler) List(w http.ResponseWriter, r *http.Request) {
	owners, err := h.mgr.ListOwners(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list owners")
		return
	}
	writeJSON(w, http.StatusOK, listResponse(owners))
}

// Create registers an owner.
// POST /api/v1/admin/owners
func (h *OwnerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateOwnerRequest
	if err := readJSON(r, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	o, err := h.mgr.CreateOwner(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "create owner")
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// Update renames an owner or toggles its active flag.
// PATCH /api/v1/admin/owners/{ownerId}
func (h *OwnerHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateOwnerRequest
	if err := readJSON(r, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	o, err := h.mgr.UpdateOwner(r.Context(), chi.URLParam(r, "ownerId"), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "update owner")
		return
	}
	writeJSON(w, http.StatusOK, o)
}
