package protocol

import "encoding/json"

// ProtocolVersion is the wire protocol version carried in every frame's "v" field.
const ProtocolVersion = 1

// Frame kinds.
const (
	KindRequest  = "request"
	KindResponse = "response"
	KindEvent    = "event"
)

// Frame is the decoded envelope of one WebSocket message. Every frame is a
// single JSON object; the populated fields depend on Kind.
type Frame struct {
	V    int    `json:"v"`
	Kind string `json:"kind"`

	// Request fields.
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Shared.
	SessionID string `json:"sessionId,omitempty"`

	// Response fields.
	OK     *bool           `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`

	// Event fields.
	Seq     int64           `json:"seq,omitempty"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorDetail is the error object carried by failed responses.
type ErrorDetail struct {
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// ResponseFrame builds a successful response correlated to a request id.
func ResponseFrame(id, sessionID string, result any) (*Frame, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	ok := true
	return &Frame{
		V:         ProtocolVersion,
		Kind:      KindResponse,
		ID:        id,
		SessionID: sessionID,
		OK:        &ok,
		Result:    raw,
	}, nil
}

// ErrorFrame builds a failed response correlated to a request id.
func ErrorFrame(id, sessionID, code, message string) *Frame {
	ok := false
	return &Frame{
		V:         ProtocolVersion,
		Kind:      KindResponse,
		ID:        id,
		SessionID: sessionID,
		OK:        &ok,
		Error:     &ErrorDetail{Code: code, Message: message},
	}
}

// EventFrame builds a server-pushed event. The per-connection seq is assigned
// by the connection registry at send time, not here.
func EventFrame(sessionID, eventType string, payload json.RawMessage) *Frame {
	return &Frame{
		V:         ProtocolVersion,
		Kind:      KindEvent,
		SessionID: sessionID,
		Type:      eventType,
		Payload:   payload,
	}
}

// HelloParams is the payload of the "hello" request.
type HelloParams struct {
	Client       ClientInfo          `json:"client"`
	Capabilities *ClientCapabilities `json:"capabilities,omitempty"`
	Resume       *ResumeBlock        `json:"resume,omitempty"`
}

// ClientInfo identifies the connecting client application.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Kind    string `json:"kind,omitempty"` // web | ios | macos | unknown
}

// ClientCapabilities advertises what the client can do on the agent's behalf.
type ClientCapabilities struct {
	NativeTools bool `json:"nativeTools"`
}

// ResumeBlock asks the server to replay buffered events from a prior connection.
type ResumeBlock struct {
	ConnectionID     string           `json:"connectionId"`
	LastSeqBySession map[string]int64 `json:"lastSeqBySession"`
}

// HelloResult is the response payload of "hello".
type HelloResult struct {
	ConnectionID string             `json:"connectionId"`
	Server       ServerInfo         `json:"server"`
	Capabilities ServerCapabilities `json:"capabilities"`
}

// ServerInfo describes the relay to clients.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities describes resumption support.
type ServerCapabilities struct {
	Resume          bool `json:"resume"`
	ReplayWindowSec int  `json:"replayWindowSec"`
}
