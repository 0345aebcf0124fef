package gateway

import (
	"context"

	"github.com/pirelay/relay/pkg/protocol"
)

// MethodHandler processes one request frame for a client. Responses go back
// through the client's outbound queue.
type MethodHandler func(ctx context.Context, c *ClientSession, req *protocol.Frame)

// MethodRouter maps RPC method names to handlers.
type MethodRouter struct {
	handlers map[string]MethodHandler
}

// Register binds a method name. Later registrations win, which lets tests
// stub individual methods.
func (r *MethodRouter) Register(method string, h MethodHandler) {
	r.handlers[method] = h
}

// Dispatch routes one request frame. Unknown methods get an error response.
func (r *MethodRouter) Dispatch(ctx context.Context, c *ClientSession, req *protocol.Frame) {
	h, ok := r.handlers[req.Method]
	if !ok {
		c.SendFrame(protocol.ErrorFrame(req.ID, req.SessionID, protocol.ErrUnknownMethod, "unknown method "+req.Method))
		return
	}
	h(ctx, c, req)
}
