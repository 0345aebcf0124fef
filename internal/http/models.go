package http

import (
	"net/http"

	"github.com/pirelay/relay/internal/engine"
)

// ModelsHandler serves the configured model registry.
type ModelsHandler struct {
	engine *engine.Engine
}

func NewModelsHandler(e *engine.Engine) *ModelsHandler {
	return &ModelsHandler{engine: e}
}

// RegisterRoutes registers the model routes on the given mux.
func (h *ModelsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/models", h.handleList)
}

func (h *ModelsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.engine.AvailableModels())
}
