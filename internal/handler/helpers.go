package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/apikeyd/apikeyd/internal/model"
	"github.com/apikeyd/apikeyd/internal/server/middleware"
	"github.com/apikeyd/apikeyd/internal/service"
)

// writeJSON serializes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope. The optional ctx map adds
// context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]any) {
	var ctxMap map[string]any
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// readJSON decodes the request body into v. Unknown fields are rejected so
// typos in patch bodies do not silently no-op.
func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeBodyError reports a body that could not be decoded.
func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// clampInt constrains val to [lo, hi].
func clampInt(val, lo, hi int) int {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}

// writeServiceError maps lifecycle errors to HTTP statuses. Anything
// unrecognised is logged and reported as a generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error, action string) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrInvalidAllowList):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrOwnerInactive):
		writeError(w, http.StatusForbidden, "Owner is not active")
	case errors.Is(err, service.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, "API key not found")
	case errors.Is(err, service.ErrKeyLimitExceeded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrAlreadyRevoked):
		writeError(w, http.StatusConflict, "API key is already revoked")
	case errors.Is(err, service.ErrOwnerExists):
		writeError(w, http.StatusConflict, "Owner already exists")
	default:
		logger.Error(action+" failed",
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
		)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// listResponse wraps items in the standard list envelope.
func listResponse[T any](items []T) model.ListResponse {
	if items == nil {
		items = []T{}
	}
	return model.ListResponse{
		Resource: items,
		Meta:     &model.ResponseMeta{Count: len(items)},
	}
}

// successResponse is the body of operations that return no resource.
func successResponse(message string) map[string]any {
	return map[string]any{"success": true, "message": message}
}

func nopIfNil(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// bearerOwner returns the owner a management request acts as. A non-admin
// always acts as itself; an admin may target ?ownerId and otherwise acts
// across all owners (empty string).
func bearerOwner(r *http.Request) (ownerID string, ok bool) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		return "", false
	}
	if p.Admin {
		return strings.TrimSpace(r.URL.Query().Get("ownerId")), true
	}
	return p.OwnerID, true
}
