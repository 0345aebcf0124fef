package http

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pirelay/relay/internal/store"
	"github.com/pirelay/relay/pkg/protocol"
)

// EnvironmentsHandler serves environment CRUD.
type EnvironmentsHandler struct {
	environments store.EnvironmentStore
}

func NewEnvironmentsHandler(envs store.EnvironmentStore) *EnvironmentsHandler {
	return &EnvironmentsHandler{environments: envs}
}

// RegisterRoutes registers all environment routes on the given mux.
func (h *EnvironmentsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/environments", h.handleList)
	mux.HandleFunc("POST /api/environments", h.handleCreate)
	mux.HandleFunc("GET /api/environments/{id}", h.handleGet)
	mux.HandleFunc("PUT /api/environments/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /api/environments/{id}", h.handleDelete)
}

func (h *EnvironmentsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	envs, err := h.environments.ListEnvironments(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, envs)
}

type environmentBody struct {
	Name        string                  `json:"name"`
	SandboxType string                  `json:"sandboxType"`
	Config      store.EnvironmentConfig `json:"config"`
}

func (b *environmentBody) validate(w http.ResponseWriter) bool {
	if b.Name == "" || b.SandboxType == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "name and sandboxType are required")
		return false
	}
	switch b.SandboxType {
	case "docker", "worker", "microvm":
	default:
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "sandboxType must be docker, worker, or microvm")
		return false
	}
	if b.Config.Image == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "config.image is required")
		return false
	}
	if b.SandboxType == "worker" && b.Config.WorkerURL == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "config.workerUrl is required for worker environments")
		return false
	}
	return true
}

func (h *EnvironmentsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body environmentBody
	if !decodeBody(w, r, &body) || !body.validate(w) {
		return
	}
	now := time.Now().UTC()
	env := &store.Environment{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Name:        body.Name,
		SandboxType: body.SandboxType,
		Config:      body.Config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.environments.CreateEnvironment(r.Context(), env); err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusCreated, env)
}

func (h *EnvironmentsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	env, err := h.environments.GetEnvironment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, env)
}

func (h *EnvironmentsHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body environmentBody
	if !decodeBody(w, r, &body) || !body.validate(w) {
		return
	}
	env, err := h.environments.GetEnvironment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	env.Name = body.Name
	env.SandboxType = body.SandboxType
	env.Config = body.Config
	env.UpdatedAt = time.Now().UTC()
	if err := h.environments.UpdateEnvironment(r.Context(), env); err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, env)
}

func (h *EnvironmentsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.environments.DeleteEnvironment(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}
