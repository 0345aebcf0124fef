package protocol

// RPC method name constants routed by the gateway.

// Connection lifecycle.
const (
	MethodHello = "hello"
)

// Session management.
const (
	MethodSessionCreate = "session.create"
	MethodSessionList   = "session.list"
	MethodSessionAttach = "session.attach"
	MethodSessionDelete = "session.delete"
)

// Conversation.
const (
	MethodPrompt             = "prompt"
	MethodAbort              = "abort"
	MethodGetState           = "get_state"
	MethodGetMessages        = "get_messages"
	MethodGetAvailableModels = "get_available_models"
	MethodSetModel           = "set_model"
)

// Reverse RPC: a client answering a native tool call on the agent's behalf.
const (
	MethodNativeToolResponse = "native_tool_response"
)

// Repository browsing.
const (
	MethodReposList = "repos.list"
)
