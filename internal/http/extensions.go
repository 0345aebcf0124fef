package http

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/pirelay/relay/internal/store"
	"github.com/pirelay/relay/pkg/protocol"
)

// ExtensionsHandler serves the extension registry. Any mutation flags every
// non-archived session extensions-stale through the store.
type ExtensionsHandler struct {
	exts store.ExtensionStore
}

func NewExtensionsHandler(exts store.ExtensionStore) *ExtensionsHandler {
	return &ExtensionsHandler{exts: exts}
}

// RegisterRoutes registers all extension routes on the given mux.
func (h *ExtensionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/extensions", h.handleList)
	mux.HandleFunc("PUT /api/extensions", h.handlePut)
	mux.HandleFunc("DELETE /api/extensions/{id}", h.handleDelete)
}

func (h *ExtensionsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	rows, err := h.exts.ListExtensions(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, rows)
}

func (h *ExtensionsHandler) handlePut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID      string `json:"id,omitempty"`
		Name    string `json:"name"`
		Source  string `json:"source,omitempty"`
		Enabled *bool  `json:"enabled,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "name is required")
		return
	}
	row := &store.Extension{
		ID:      body.ID,
		Name:    body.Name,
		Source:  body.Source,
		Enabled: true,
	}
	if row.ID == "" {
		row.ID = uuid.Must(uuid.NewV7()).String()
	}
	if body.Enabled != nil {
		row.Enabled = *body.Enabled
	}
	if err := h.exts.UpsertExtension(r.Context(), row); err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, row)
}

func (h *ExtensionsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.exts.DeleteExtension(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}
