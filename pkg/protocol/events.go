package protocol

// Event types pushed from server to client. Agent output events keep whatever
// type the agent emitted; the constants below are the relay's own events.
const (
	EventConnected         = "connected"
	EventSessionStatus     = "session.status"
	EventNativeToolRequest = "native_tool_request"
	EventNativeToolCancel  = "native_tool_cancel"
)

// Agent event types the relay inspects (but never rewrites) while forwarding.
const (
	AgentEventToolUseStart       = "tool_use_start"
	AgentEventToolExecutionStart = "tool_execution_start"
	AgentEventToolExecutionEnd   = "tool_execution_end"
	AgentEventResponse           = "response"
	AgentEventPrompt             = "prompt"
)
