package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pirelay/relay/internal/engine"
	"github.com/pirelay/relay/internal/github"
	"github.com/pirelay/relay/internal/sandbox"
	"github.com/pirelay/relay/internal/store"
	"github.com/pirelay/relay/pkg/protocol"
)

// RepoLister is the slice of the GitHub client the WS surface needs.
type RepoLister interface {
	ListRepos(ctx context.Context) ([]github.Repo, error)
}

// SetRepoLister enables the repos.list method.
func (s *Server) SetRepoLister(l RepoLister) { s.repos = l }

// newMethodRouter wires every RPC method the relay speaks.
func newMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{handlers: make(map[string]MethodHandler)}
	r.Register(protocol.MethodHello, s.handleHello)
	r.Register(protocol.MethodSessionCreate, s.handleSessionCreate)
	r.Register(protocol.MethodSessionList, s.handleSessionList)
	r.Register(protocol.MethodSessionAttach, s.handleSessionAttach)
	r.Register(protocol.MethodSessionDelete, s.handleSessionDelete)
	r.Register(protocol.MethodPrompt, s.handlePrompt)
	r.Register(protocol.MethodAbort, s.handleAbort)
	r.Register(protocol.MethodGetState, s.handleGetState)
	r.Register(protocol.MethodGetMessages, s.handleGetMessages)
	r.Register(protocol.MethodGetAvailableModels, s.handleGetAvailableModels)
	r.Register(protocol.MethodSetModel, s.handleSetModel)
	r.Register(protocol.MethodNativeToolResponse, s.handleNativeToolResponse)
	r.Register(protocol.MethodReposList, s.handleReposList)
	return r
}

func decodeParams(c *ClientSession, req *protocol.Frame, dst any) bool {
	if len(req.Params) == 0 {
		return true
	}
	if err := json.Unmarshal(req.Params, dst); err != nil {
		c.fail(req, protocol.ErrParse, "malformed params")
		return false
	}
	return true
}

func (s *Server) handleHello(ctx context.Context, c *ClientSession, req *protocol.Frame) {
	var params protocol.HelloParams
	if !decodeParams(c, req, &params) {
		return
	}
	if !c.markHelloed() {
		c.fail(req, protocol.ErrInvalidRequest, "hello already completed")
		return
	}

	if params.Capabilities != nil {
		c.setCapabilities(store.ClientCapabilities{NativeTools: params.Capabilities.NativeTools})
	}

	s.registry.Register(c.id, c.SendFrame)

	if params.Resume != nil {
		replayed := s.registry.Resume(c.id, params.Resume.ConnectionID, params.Resume.LastSeqBySession)
		for sessionID := range params.Resume.LastSeqBySession {
			if _, ok := replayed[sessionID]; !ok {
				// Nothing buffered for this session: the outage outlived the
				// replay window and the client must refetch.
				c.sendOrLog(protocol.ErrorFrame("", sessionID, protocol.ErrResumeOutOfWindow, "replay window exceeded; use get_messages"))
			}
		}
	}

	c.respond(req, protocol.HelloResult{
		ConnectionID: c.id,
		Server:       protocol.ServerInfo{Name: "pirelay", Version: s.version},
		Capabilities: protocol.ServerCapabilities{
			Resume:          true,
			ReplayWindowSec: int(s.registry.ReplayWindow().Seconds()),
		},
	})
}

func (s *Server) handleSessionCreate(ctx context.Context, c *ClientSession, req *protocol.Frame) {
	var params engine.CreateParams
	if !decodeParams(c, req, &params) {
		return
	}
	sess, err := s.engine.Create(ctx, params)
	if err != nil {
		if errors.Is(err, engine.ErrRepoNeeded) {
			c.fail(req, protocol.ErrInvalidRequest, err.Error())
			return
		}
		c.fail(req, protocol.ErrHandler, err.Error())
		return
	}
	c.respond(req, sess)
}

func (s *Server) handleSessionList(ctx context.Context, c *ClientSession, req *protocol.Frame) {
	sessions, err := s.engine.List(ctx)
	if err != nil {
		c.fail(req, protocol.ErrHandler, err.Error())
		return
	}
	c.respond(req, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionAttach(ctx context.Context, c *ClientSession, req *protocol.Frame) {
	var params struct {
		SessionID    string                    `json:"sessionId"`
		ClientID     string                    `json:"clientId"`
		ClientKind   store.ClientKind          `json:"clientKind"`
		Capabilities *store.ClientCapabilities `json:"capabilities,omitempty"`
	}
	if !decodeParams(c, req, &params) {
		return
	}
	sessionID := sessionFor(req, params.SessionID)
	if sessionID == "" {
		c.fail(req, protocol.ErrInvalidRequest, "sessionId is required")
		return
	}
	if params.ClientKind == "" {
		params.ClientKind = store.ClientUnknown
	}
	if err := s.engine.AttachClient(ctx, c.id, sessionID, params.ClientID, params.ClientKind, attachCapabilities(c, params.Capabilities)); err != nil {
		failStore(c, req, err)
		return
	}
	c.respond(req, map[string]any{"attached": true, "sessionId": sessionID})
}

func (s *Server) handleSessionDelete(ctx context.Context, c *ClientSession, req *protocol.Frame) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if !decodeParams(c, req, &params) {
		return
	}
	sessionID := sessionFor(req, params.SessionID)
	if err := s.engine.Delete(ctx, sessionID); err != nil {
		failStore(c, req, err)
		return
	}
	c.respond(req, map[string]any{"deleted": true})
}

func (s *Server) handlePrompt(ctx context.Context, c *ClientSession, req *protocol.Frame) {
	var params struct {
		SessionID string `json:"sessionId"`
		Message   string `json:"message"`
	}
	if !decodeParams(c, req, &params) {
		return
	}
	sessionID := sessionFor(req, params.SessionID)
	if sessionID == "" || params.Message == "" {
		c.fail(req, protocol.ErrInvalidRequest, "sessionId and message are required")
		return
	}
	if err := s.engine.Prompt(ctx, sessionID, params.Message); err != nil {
		if errors.Is(err, engine.ErrNotActive) {
			c.fail(req, protocol.ErrNotConnected, "session has no live sandbox; activate first")
			return
		}
		failStore(c, req, err)
		return
	}
	c.respond(req, map[string]any{"accepted": true})
}

func (s *Server) handleAbort(ctx context.Context, c *ClientSession, req *protocol.Frame) {
	sessionID := sessionFor(req, "")
	if sessionID == "" {
		c.fail(req, protocol.ErrInvalidRequest, "sessionId is required")
		return
	}
	if err := s.engine.Abort(ctx, sessionID); err != nil && !errors.Is(err, engine.ErrNotActive) {
		c.fail(req, protocol.ErrHandler, err.Error())
		return
	}
	c.respond(req, map[string]any{"aborted": true})
}

func (s *Server) handleGetState(ctx context.Context, c *ClientSession, req *protocol.Frame) {
	sessionID := sessionFor(req, "")
	state, err := s.engine.GetState(ctx, sessionID)
	if err != nil {
		failStore(c, req, err)
		return
	}
	c.respond(req, state)
}

func (s *Server) handleGetMessages(ctx context.Context, c *ClientSession, req *protocol.Frame) {
	var params struct {
		SessionID string `json:"sessionId"`
		AfterSeq  int64  `json:"afterSeq"`
		Limit     int    `json:"limit"`
	}
	if !decodeParams(c, req, &params) {
		return
	}
	sessionID := sessionFor(req, params.SessionID)
	if params.Limit <= 0 || params.Limit > 1000 {
		params.Limit = 200
	}
	events, lastSeq, err := s.engine.GetMessages(ctx, sessionID, params.AfterSeq, params.Limit)
	if err != nil {
		failStore(c, req, err)
		return
	}
	c.respond(req, map[string]any{"events": events, "lastSeq": lastSeq})
}

func (s *Server) handleGetAvailableModels(ctx context.Context, c *ClientSession, req *protocol.Frame) {
	c.respond(req, map[string]any{"models": s.engine.AvailableModels()})
}

func (s *Server) handleSetModel(ctx context.Context, c *ClientSession, req *protocol.Frame) {
	var params struct {
		SessionID     string `json:"sessionId"`
		ModelProvider string `json:"modelProvider"`
		ModelID       string `json:"modelId"`
	}
	if !decodeParams(c, req, &params) {
		return
	}
	sessionID := sessionFor(req, params.SessionID)
	if err := s.engine.SetModel(ctx, sessionID, params.ModelProvider, params.ModelID); err != nil {
		failStore(c, req, err)
		return
	}
	c.respond(req, map[string]any{"modelProvider": params.ModelProvider, "modelId": params.ModelID})
}

func (s *Server) handleNativeToolResponse(ctx context.Context, c *ClientSession, req *protocol.Frame) {
	var params struct {
		CallID string          `json:"callId"`
		Result json.RawMessage `json:"result,omitempty"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error,omitempty"`
	}
	if !decodeParams(c, req, &params) {
		return
	}
	if params.CallID == "" {
		c.fail(req, protocol.ErrInvalidRequest, "callId is required")
		return
	}
	var callErr error
	if params.Error != nil {
		callErr = fmt.Errorf("tool failed: %s", params.Error.Message)
	}
	s.engine.Broker().Resolve(params.CallID, params.Result, callErr)
	c.respond(req, map[string]any{"accepted": true})
}

func (s *Server) handleReposList(ctx context.Context, c *ClientSession, req *protocol.Frame) {
	if s.repos == nil {
		c.fail(req, protocol.ErrInvalidRequest, "no repository source configured")
		return
	}
	repos, err := s.repos.ListRepos(ctx)
	if err != nil {
		if errors.Is(err, github.ErrNoToken) {
			c.fail(req, protocol.ErrInvalidRequest, "no GitHub token configured")
			return
		}
		c.fail(req, protocol.ErrHandler, err.Error())
		return
	}
	c.respond(req, map[string]any{"repos": repos})
}

// attachCapabilities prefers explicit attach params, falling back to what
// the connection advertised in hello.
func attachCapabilities(c *ClientSession, explicit *store.ClientCapabilities) store.ClientCapabilities {
	if explicit != nil {
		return *explicit
	}
	return c.capabilities()
}

// sessionFor prefers the frame-level sessionId, falling back to params.
func sessionFor(req *protocol.Frame, fromParams string) string {
	if req.SessionID != "" {
		return req.SessionID
	}
	return fromParams
}

func failStore(c *ClientSession, req *protocol.Frame, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.fail(req, protocol.ErrInvalidRequest, "not found")
	case errors.Is(err, store.ErrArchived):
		c.fail(req, protocol.ErrSandboxStateMismatch, "session is archived")
	case errors.Is(err, sandbox.ErrNotFound):
		c.fail(req, protocol.ErrSandboxUnavailable, "sandbox not found")
	default:
		c.fail(req, protocol.ErrHandler, err.Error())
	}
}
