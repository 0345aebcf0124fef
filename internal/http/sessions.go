package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/pirelay/relay/internal/engine"
	"github.com/pirelay/relay/internal/sandbox"
	"github.com/pirelay/relay/internal/store"
	"github.com/pirelay/relay/pkg/protocol"
)

// SessionsHandler serves the session management surface.
type SessionsHandler struct {
	engine *engine.Engine
	stores *store.Stores
}

func NewSessionsHandler(e *engine.Engine, stores *store.Stores) *SessionsHandler {
	return &SessionsHandler{engine: e, stores: stores}
}

// RegisterRoutes registers all session routes on the given mux.
func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", h.handleList)
	mux.HandleFunc("POST /api/sessions", h.handleCreate)
	mux.HandleFunc("GET /api/sessions/{id}", h.handleGet)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.handleDelete)
	mux.HandleFunc("POST /api/sessions/{id}/archive", h.handleArchive)
	mux.HandleFunc("POST /api/sessions/{id}/activate", h.handleActivate)
	mux.HandleFunc("PUT /api/sessions/{id}/clients/{clientId}/capabilities", h.handleClientCapabilities)
	mux.HandleFunc("GET /api/sessions/{id}/events", h.handleEvents)
	mux.HandleFunc("GET /api/sessions/{id}/history", h.handleHistory)
	mux.HandleFunc("POST /api/sessions/{id}/exec", h.handleExec)
	mux.HandleFunc("GET /api/sessions/{id}/sandbox", h.handleSandbox)
}

func (h *SessionsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.stores.Sessions.ListSessions(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, sessions)
}

func (h *SessionsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var params engine.CreateParams
	if !decodeBody(w, r, &params) {
		return
	}
	sess, err := h.engine.Create(r.Context(), params)
	if err != nil {
		if errors.Is(err, engine.ErrRepoNeeded) {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, err.Error())
			return
		}
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusCreated, sess)
}

func (h *SessionsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.GetState(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, state)
}

func (h *SessionsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *SessionsHandler) handleArchive(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Archive(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": string(store.StatusArchived)})
}

func (h *SessionsHandler) handleActivate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID string `json:"clientId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := h.engine.Activate(r.Context(), r.PathValue("id"), body.ClientID)
	if err != nil {
		writeActivateError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func writeActivateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrArchived):
		writeError(w, http.StatusConflict, protocol.ErrSandboxStateMismatch, "session is archived")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, protocol.ErrInvalidRequest, "session not found")
	default:
		writeError(w, http.StatusServiceUnavailable, protocol.ErrSandboxUnavailable, err.Error())
	}
}

func (h *SessionsHandler) handleClientCapabilities(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientKind   store.ClientKind         `json:"clientKind"`
		Capabilities store.ClientCapabilities `json:"capabilities"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	reg := &store.ClientRegistration{
		SessionID:    r.PathValue("id"),
		ClientID:     r.PathValue("clientId"),
		ClientKind:   body.ClientKind,
		Capabilities: body.Capabilities,
	}
	if err := h.stores.Clients.UpsertClient(r.Context(), reg); err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, reg)
}

func (h *SessionsHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("afterSeq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	events, lastSeq, err := h.engine.GetMessages(r.Context(), r.PathValue("id"), afterSeq, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"events": events, "lastSeq": lastSeq})
}

// handleHistory returns the session's conversational entries: the journaled
// prompt and response events parsed into {role, content, at} rows.
func (h *SessionsHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, _, err := h.engine.GetMessages(r.Context(), r.PathValue("id"), 0, 1000)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	type entry struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Seq     int64           `json:"seq"`
	}
	var history []entry
	for _, ev := range events {
		switch ev.Type {
		case protocol.AgentEventPrompt:
			history = append(history, entry{Role: "user", Content: ev.Payload, Seq: ev.Seq})
		case protocol.AgentEventResponse:
			history = append(history, entry{Role: "assistant", Content: ev.Payload, Seq: ev.Seq})
		}
	}
	writeData(w, http.StatusOK, history)
}

func (h *SessionsHandler) handleExec(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command string `json:"command"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Command == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "command is required")
		return
	}
	res, err := h.engine.Exec(r.Context(), r.PathValue("id"), body.Command)
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrExecUnsupported):
			writeError(w, http.StatusNotImplemented, protocol.ErrInvalidRequest, sandbox.ErrExecUnsupported.Error())
		case errors.Is(err, sandbox.ErrNotRunning):
			writeError(w, http.StatusConflict, protocol.ErrSandboxStateMismatch, "sandbox is not running")
		default:
			writeStoreError(w, err)
		}
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *SessionsHandler) handleSandbox(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.GetState(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"status":       state.SandboxStatus,
		"capabilities": state.Capabilities,
		"stderrTail":   h.engine.StderrTail(r.PathValue("id")),
	})
}
