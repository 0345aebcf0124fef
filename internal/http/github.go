package http

import (
	"errors"
	"net/http"

	"github.com/pirelay/relay/internal/github"
	"github.com/pirelay/relay/internal/secrets"
	"github.com/pirelay/relay/pkg/protocol"
)

// GitHubHandler serves repository listing and token management.
type GitHubHandler struct {
	client *github.Client
	vault  *secrets.Vault
}

func NewGitHubHandler(client *github.Client, vault *secrets.Vault) *GitHubHandler {
	return &GitHubHandler{client: client, vault: vault}
}

// RegisterRoutes registers all GitHub routes on the given mux.
func (h *GitHubHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/github/repos", h.handleRepos)
	mux.HandleFunc("GET /api/github/token", h.handleGetToken)
	mux.HandleFunc("POST /api/github/token", h.handleSetToken)
	mux.HandleFunc("DELETE /api/github/token", h.handleDeleteToken)
}

func (h *GitHubHandler) handleRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := h.client.ListRepos(r.Context())
	if err != nil {
		if errors.Is(err, github.ErrNoToken) {
			writeError(w, http.StatusPreconditionFailed, protocol.ErrInvalidRequest, "no GitHub token configured")
			return
		}
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, repos)
}

// handleGetToken reports whether a token exists; the value never leaves the
// vault.
func (h *GitHubHandler) handleGetToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.vault.GitHubToken(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"configured": token != ""})
}

func (h *GitHubHandler) handleSetToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Token == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "token is required")
		return
	}
	if err := h.vault.SetGitHubToken(r.Context(), body.Token); err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"configured": true})
}

func (h *GitHubHandler) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	if err := h.vault.DeleteGitHubToken(r.Context()); err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"configured": false})
}
