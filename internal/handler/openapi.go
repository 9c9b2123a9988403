package handler

import (
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/apikeyd/apikeyd/internal/openapi"
)

// OpenAPIHandler serves the OpenAPI document of the management and
// verification API. The document is static, so it is built once.
type OpenAPIHandler struct {
	baseURL      string
	apiKeyHeader string
	logger       *zap.Logger

	once sync.Once
	doc  []byte
	err  error
}

// NewOpenAPIHandler creates a new OpenAPIHandler.
func NewOpenAPIHandler(baseURL, apiKeyHeader string, logger *zap.Logger) *OpenAPIHandler {
	return &OpenAPIHandler{baseURL: baseURL, apiKeyHeader: apiKeyHeader, logger: nopIfNil(logger)}
}

// ServeDocument returns the document as JSON.
// GET /openapi.json
func (h *OpenAPIHandler) ServeDocument(w http.ResponseWriter, r *http.Request) {
	h.once.Do(func() {
		doc, err := openapi.Generate(h.baseURL, h.apiKeyHeader)
		if err != nil {
			h.err = err
			return
		}
		h.doc, h.err = doc.MarshalJSON()
	})
	if h.err != nil {
		h.logger.Error("openapi generation failed", zap.Error(h.err))
		writeError(w, http.StatusInternalServerError, "Failed to generate OpenAPI document")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.doc)
}
