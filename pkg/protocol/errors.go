package protocol

// Error codes carried in WS error frames and REST error envelopes.
// These are kinds, not types: handlers pick the closest code and attach a
// human-readable message.
const (
	ErrNotConnected         = "not_connected"
	ErrConnectionFailed     = "connection_failed"
	ErrConnectionLost       = "connection_lost"
	ErrTimeout              = "timeout"
	ErrInvalidRequest       = "invalid_request"
	ErrParse                = "parse_error"
	ErrUnknownMethod        = "unknown_method"
	ErrHandler              = "handler_error"
	ErrSandboxUnavailable   = "sandbox_unavailable"
	ErrSandboxStateMismatch = "sandbox_state_mismatch"
	ErrProvider             = "provider_error"
	ErrImageUnavailable     = "image_unavailable"
	ErrResumeOutOfWindow    = "resume_out_of_window"
	ErrToolCallAborted      = "tool_call_aborted"
	ErrToolCallOwnerLost    = "tool_call_owner_lost"
	ErrRateLimited          = "rate_limited"
)
