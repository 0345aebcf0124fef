// Package http holds the relay's REST handlers. Every response uses the
// {data, error} envelope; errors carry a machine code plus a message.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pirelay/relay/internal/store"
	"github.com/pirelay/relay/pkg/protocol"
)

type envelope struct {
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: &apiError{Code: code, Message: message}})
}

// writeStoreError maps store sentinel errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, protocol.ErrInvalidRequest, "not found")
	case errors.Is(err, store.ErrArchived):
		writeError(w, http.StatusConflict, protocol.ErrSandboxStateMismatch, "session is archived")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrHandler, err.Error())
	}
}

// decodeBody reads a JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrParse, "malformed JSON body")
		return false
	}
	return true
}
