package handler

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/apikeyd/apikeyd/internal/model"
	"github.com/apikeyd/apikeyd/internal/server/middleware"
)

// VerifyHandler exposes the verification pipeline to gateways and services
// that hold a caller's key.
type VerifyHandler struct {
	verifier middleware.Verifier
	header   string
	logger   *zap.Logger
}

// NewVerifyHandler creates a VerifyHandler reading keys from header (or the
// JSON body).
func NewVerifyHandler(v middleware.Verifier, header string, logger *zap.Logger) *VerifyHandler {
	if header == "" {
		header = "X-API-Key"
	}
	return &VerifyHandler{verifier: v, header: header, logger: nopIfNil(logger)}
}

// Verify checks a key and returns the verdict. Rejections are 200 with
// isValid=false and a generic message; only an unavailable dependency is
// reported as 503.
// POST /api/v1/verify
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req model.VerifyRequest
	if err := readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeBodyError(w, err)
		return
	}

	raw := r.Header.Get(h.header)
	if raw == "" {
		raw = req.APIKey
	}

	info := middleware.RequestInfoFrom(r)
	if req.Method != "" {
		info.Method = req.Method
	}
	if req.Endpoint != "" {
		info.Endpoint = req.Endpoint
	}

	verdict, err := h.verifier.Verify(r.Context(), raw, info)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Key verification unavailable")
		return
	}
	writeJSON(w, http.StatusOK, verdict.Response())
}
