package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/openapi"
)

// OpenAPIHandler serves the OpenAPI document for the management API and
// the mounted storefront routes. The document is generated on first use and
// cached, since the route table is fixed once the server starts.
type OpenAPIHandler struct {
	opts   openapi.Options
	logger *slog.Logger

	once sync.Once
	body []byte
	err  error
}

// NewOpenAPIHandler creates a new OpenAPIHandler.
func NewOpenAPIHandler(opts openapi.Options, logger *slog.Logger) *OpenAPIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAPIHandler{opts: opts, logger: logger}
}

// ServeSpec returns the OpenAPI 3.1 document.
// GET /openapi.json
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	h.once.Do(func() {
		doc, err := openapi.Generate(h.opts)
		if err != nil {
			h.err = err
			return
		}
		h.body, h.err = json.Marshal(doc)
	})
	if h.err != nil {
		h.logger.Error("openapi generation failed", "error", h.err)
		writeError(w, http.StatusInternalServerError, model.CodeInternal, "Failed to generate OpenAPI document")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(h.body)
}
