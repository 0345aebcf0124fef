package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pirelay/relay/internal/registry"
	"github.com/pirelay/relay/internal/store"
	"github.com/pirelay/relay/pkg/protocol"
)

// Broker errors surfaced to the agent as tool errors.
var (
	ErrNoToolOwner   = errors.New("no native-tool-capable client attached")
	ErrToolAborted   = errors.New("native tool call aborted")
	ErrToolOwnerLost = errors.New("native tool owner disconnected")
)

// toolResult is what a pending call resolves with.
type toolResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	callID    string
	sessionID string
	ownerConn string
	toolName  string
	done      chan toolResult
	once      sync.Once
}

func (p *pendingCall) resolve(res toolResult) {
	p.once.Do(func() {
		p.done <- res
		close(p.done)
	})
}

// NativeToolBroker correlates the agent's native tool requests with responses
// from the owning client. One owner per session: the most recently attached
// capable client. Calls have no timeout; they end by response, cancel, or
// owner disconnect.
type NativeToolBroker struct {
	registry *registry.Registry

	mu      sync.Mutex
	owners  map[string]string       // sessionID → owner connectionID
	pending map[string]*pendingCall // callID → call
}

func NewNativeToolBroker(reg *registry.Registry) *NativeToolBroker {
	return &NativeToolBroker{
		registry: reg,
		owners:   make(map[string]string),
		pending:  make(map[string]*pendingCall),
	}
}

// SetOwner makes connectionID the session's tool executor. Later attachments
// displace earlier ones.
func (b *NativeToolBroker) SetOwner(sessionID, connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.owners[sessionID] = connectionID
}

// Owner returns the session's current tool executor, if any.
func (b *NativeToolBroker) Owner(sessionID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.owners[sessionID]
	return id, ok
}

// nativeToolRequest is the payload of the native_tool_request event.
type nativeToolRequest struct {
	CallID   string          `json:"callId"`
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args,omitempty"`
}

type nativeToolCancel struct {
	CallID string `json:"callId"`
}

// RequestCall asks the session's owner client to run a tool and waits for the
// matching native_tool_response. Context cancellation emits native_tool_cancel
// and resolves with ErrToolAborted.
func (b *NativeToolBroker) RequestCall(ctx context.Context, sessionID, toolName string, args json.RawMessage) (json.RawMessage, error) {
	b.mu.Lock()
	owner, ok := b.owners[sessionID]
	if !ok {
		b.mu.Unlock()
		return nil, ErrNoToolOwner
	}
	call := &pendingCall{
		callID:    uuid.NewString(),
		sessionID: sessionID,
		ownerConn: owner,
		toolName:  toolName,
		done:      make(chan toolResult, 1),
	}
	b.pending[call.callID] = call
	b.mu.Unlock()

	payload := store.RawPayload(nativeToolRequest{CallID: call.callID, ToolName: toolName, Args: args})
	if err := b.registry.SendToConnection(owner, sessionID, protocol.EventNativeToolRequest, payload); err != nil {
		b.drop(call.callID)
		return nil, ErrNoToolOwner
	}

	select {
	case res := <-call.done:
		b.drop(call.callID)
		return res.result, res.err
	case <-ctx.Done():
		b.drop(call.callID)
		cancelPayload := store.RawPayload(nativeToolCancel{CallID: call.callID})
		if err := b.registry.SendToConnection(owner, sessionID, protocol.EventNativeToolCancel, cancelPayload); err != nil {
			slog.Debug("tool cancel not delivered", "call", call.callID, "error", err)
		}
		return nil, ErrToolAborted
	}
}

func (b *NativeToolBroker) drop(callID string) {
	b.mu.Lock()
	delete(b.pending, callID)
	b.mu.Unlock()
}

// Resolve matches a client's native_tool_response by callId. Duplicate or
// unknown callIds are ignored: the first response wins.
func (b *NativeToolBroker) Resolve(callID string, result json.RawMessage, callErr error) {
	b.mu.Lock()
	call, ok := b.pending[callID]
	if ok {
		delete(b.pending, callID)
	}
	b.mu.Unlock()
	if !ok {
		slog.Debug("stale native tool response", "call", callID)
		return
	}
	call.resolve(toolResult{result: result, err: callErr})
}

// CancelSession aborts every pending call for the session (explicit abort).
func (b *NativeToolBroker) CancelSession(sessionID string) {
	b.failMatching(func(c *pendingCall) bool { return c.sessionID == sessionID }, ErrToolAborted, true)
}

// ConnectionClosed fails all calls owned by the departed connection and
// releases its ownerships. The engine surfaces the failures to the agent as
// tool errors, never as silent hangs.
func (b *NativeToolBroker) ConnectionClosed(connectionID string) {
	b.mu.Lock()
	for sessionID, owner := range b.owners {
		if owner == connectionID {
			delete(b.owners, sessionID)
		}
	}
	b.mu.Unlock()
	b.failMatching(func(c *pendingCall) bool { return c.ownerConn == connectionID }, ErrToolOwnerLost, false)
}

func (b *NativeToolBroker) failMatching(match func(*pendingCall) bool, cause error, notify bool) {
	b.mu.Lock()
	var failed []*pendingCall
	for id, c := range b.pending {
		if match(c) {
			failed = append(failed, c)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	for _, c := range failed {
		if notify {
			payload := store.RawPayload(nativeToolCancel{CallID: c.callID})
			if err := b.registry.SendToConnection(c.ownerConn, c.sessionID, protocol.EventNativeToolCancel, payload); err != nil {
				slog.Debug("tool cancel not delivered", "call", c.callID, "error", err)
			}
		}
		c.resolve(toolResult{err: cause})
	}
}
