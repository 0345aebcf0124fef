package http

import (
	"net/http"

	"github.com/pirelay/relay/internal/secrets"
	"github.com/pirelay/relay/pkg/protocol"
)

// SecretsHandler serves secret CRUD. Values go in; only metadata comes out.
type SecretsHandler struct {
	vault *secrets.Vault
}

func NewSecretsHandler(vault *secrets.Vault) *SecretsHandler {
	return &SecretsHandler{vault: vault}
}

// RegisterRoutes registers all secret routes on the given mux.
func (h *SecretsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/secrets", h.handleList)
	mux.HandleFunc("PUT /api/secrets", h.handlePut)
	mux.HandleFunc("DELETE /api/secrets/{id}", h.handleDelete)
}

func (h *SecretsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	rows, err := h.vault.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, rows)
}

func (h *SecretsHandler) handlePut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID      string `json:"id,omitempty"`
		Name    string `json:"name"`
		EnvVar  string `json:"envVar"`
		Kind    string `json:"kind,omitempty"`
		Value   string `json:"value"`
		Enabled *bool  `json:"enabled,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.EnvVar == "" || body.Value == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "envVar and value are required")
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	row, err := h.vault.Set(r.Context(), body.ID, body.Name, body.EnvVar, body.Kind, body.Value, enabled)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, row)
}

func (h *SecretsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.vault.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}
