// Package engine owns the session state machine: it creates sessions,
// materializes their sandboxes, relays prompts in and agent output out, and
// brokers native tool calls to attached clients.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pirelay/relay/internal/journal"
	"github.com/pirelay/relay/internal/registry"
	"github.com/pirelay/relay/internal/sandbox"
	"github.com/pirelay/relay/internal/secrets"
	"github.com/pirelay/relay/internal/store"
	"github.com/pirelay/relay/pkg/protocol"
)

// RepoInfo is what the engine needs to know about a selectable repository.
type RepoInfo struct {
	ID            string `json:"id"`
	FullName      string `json:"fullName"`
	CloneURL      string `json:"cloneUrl"`
	DefaultBranch string `json:"defaultBranch"`
}

// RepoResolver turns a repo id into clone material. Implemented by the
// GitHub client; nil disables code mode.
type RepoResolver interface {
	ResolveRepo(ctx context.Context, repoID string) (*RepoInfo, error)
}

// Model is one entry in the configured model registry.
type Model struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
}

// Config carries the engine's tunables.
type Config struct {
	// WSEndpoint is the externally reachable WebSocket path clients dial.
	WSEndpoint string
	// ActivateTimeout bounds how long activate waits for a usable status.
	ActivateTimeout time.Duration
	GitAuthorName   string
	GitAuthorEmail  string
	// Models is the environment-configured model registry served by
	// get_available_models.
	Models []Model
}

func (c *Config) activateTimeout() time.Duration {
	if c.ActivateTimeout > 0 {
		return c.ActivateTimeout
	}
	return 60 * time.Second
}

// Engine errors.
var (
	ErrNotActive  = errors.New("session has no live sandbox channel")
	ErrRepoNeeded = errors.New("code mode requires a repoId")
)

// liveSession is the in-memory cache entry for one materialized session.
type liveSession struct {
	handle  sandbox.Handle
	channel sandbox.Channel
	ctx     context.Context
	cancel  context.CancelFunc
}

// Engine is the session orchestrator. All status transitions happen under a
// per-session lock; the DB row stays the source of truth.
type Engine struct {
	stores   *store.Stores
	journal  *journal.Journal
	registry *registry.Registry
	manager  *sandbox.Manager
	vault    *secrets.Vault
	broker   *NativeToolBroker
	repos    RepoResolver
	cfg      Config

	mu    sync.Mutex
	live  map[string]*liveSession
	locks map[string]*sync.Mutex
}

func New(stores *store.Stores, jnl *journal.Journal, reg *registry.Registry, mgr *sandbox.Manager, vault *secrets.Vault, broker *NativeToolBroker, repos RepoResolver, cfg Config) *Engine {
	return &Engine{
		stores:   stores,
		journal:  jnl,
		registry: reg,
		manager:  mgr,
		vault:    vault,
		broker:   broker,
		repos:    repos,
		cfg:      cfg,
		live:     make(map[string]*liveSession),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Broker exposes the native tool broker for the gateway's response path.
func (e *Engine) Broker() *NativeToolBroker { return e.broker }

func (e *Engine) sessionLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

func (e *Engine) liveFor(id string) *liveSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live[id]
}

func (e *Engine) dropLive(id string) {
	e.mu.Lock()
	ls := e.live[id]
	delete(e.live, id)
	e.mu.Unlock()
	if ls != nil {
		ls.cancel()
		if ls.channel != nil {
			ls.channel.Close()
		}
	}
}

// CreateParams is the session.create input.
type CreateParams struct {
	Mode               store.SessionMode `json:"mode"`
	EnvironmentID      string            `json:"environmentId"`
	RepoID             string            `json:"repoId,omitempty"`
	ModelProvider      string            `json:"modelProvider,omitempty"`
	ModelID            string            `json:"modelId,omitempty"`
	SystemPrompt       string            `json:"systemPrompt,omitempty"`
	NativeToolsEnabled bool              `json:"nativeToolsEnabled,omitempty"`
}

// Create inserts the session row in creating and returns synchronously;
// sandbox materialization continues in the background and transitions the
// row to active or error.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*store.Session, error) {
	if p.Mode != store.ModeChat && p.Mode != store.ModeCode {
		return nil, fmt.Errorf("invalid mode %q", p.Mode)
	}
	if p.Mode == store.ModeCode && p.RepoID == "" {
		return nil, ErrRepoNeeded
	}
	env, err := e.stores.Environments.GetEnvironment(ctx, p.EnvironmentID)
	if err != nil {
		return nil, fmt.Errorf("environment %s: %w", p.EnvironmentID, err)
	}

	var repo *RepoInfo
	if p.RepoID != "" {
		if e.repos == nil {
			return nil, errors.New("no repository source configured")
		}
		repo, err = e.repos.ResolveRepo(ctx, p.RepoID)
		if err != nil {
			return nil, fmt.Errorf("resolve repo %s: %w", p.RepoID, err)
		}
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Mode:           p.Mode,
		Status:         store.StatusCreating,
		EnvironmentID:  env.ID,
		RepoID:         p.RepoID,
		ModelProvider:  p.ModelProvider,
		ModelID:        p.ModelID,
		SystemPrompt:   p.SystemPrompt,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if repo != nil {
		sess.RepoFullName = repo.FullName
		sess.BranchName = repo.DefaultBranch
		sess.RepoPath = "/workspace/repo"
	}
	if err := e.stores.Sessions.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	go e.materialize(context.WithoutCancel(ctx), sess, env, repo, p.NativeToolsEnabled)
	return sess, nil
}

// materialize builds the sandbox for a freshly created session.
func (e *Engine) materialize(ctx context.Context, sess *store.Session, env *store.Environment, repo *RepoInfo, nativeTools bool) {
	lock := e.sessionLock(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	opts, err := e.createOptions(ctx, sess, repo, nativeTools)
	if err != nil {
		e.failSession(ctx, sess.ID, err)
		return
	}
	h, err := e.manager.CreateForSession(ctx, sess, env, *opts)
	if err != nil {
		e.broadcastStatus(sess.ID, store.StatusError)
		return
	}
	if err := e.armChannel(ctx, sess.ID, h); err != nil {
		e.failSession(ctx, sess.ID, err)
		return
	}
	e.broadcastStatus(sess.ID, store.StatusActive)
}

func (e *Engine) createOptions(ctx context.Context, sess *store.Session, repo *RepoInfo, nativeTools bool) (*sandbox.CreateOptions, error) {
	env, err := e.vault.GetAllAsEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	token, err := e.vault.GitHubToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("load github token: %w", err)
	}
	opts := &sandbox.CreateOptions{
		SessionID:          sess.ID,
		Secrets:            env,
		GitHubToken:        token,
		GitAuthorName:      e.cfg.GitAuthorName,
		GitAuthorEmail:     e.cfg.GitAuthorEmail,
		NativeToolsEnabled: nativeTools,
	}
	if repo != nil {
		opts.RepoURL = repo.CloneURL
		opts.RepoBranch = sess.BranchName
	}
	return opts, nil
}

func (e *Engine) failSession(ctx context.Context, sessionID string, cause error) {
	slog.Error("session materialization failed", "session", sessionID, "error", cause)
	if err := e.stores.Sessions.UpdateStatus(ctx, sessionID, store.StatusError); err != nil && !errors.Is(err, store.ErrArchived) {
		slog.Error("error transition failed", "session", sessionID, "error", err)
	}
	e.broadcastStatus(sessionID, store.StatusError)
}

func (e *Engine) broadcastStatus(sessionID string, status store.SessionStatus) {
	e.registry.BroadcastEvent(sessionID, protocol.EventSessionStatus, store.RawPayload(map[string]any{
		"sessionId": sessionID,
		"status":    status,
	}))
}

// armChannel attaches the agent channel and wires output handling. Replaces
// any prior live entry for the session.
func (e *Engine) armChannel(ctx context.Context, sessionID string, h sandbox.Handle) error {
	ch, err := h.Attach(ctx)
	if err != nil {
		return fmt.Errorf("attach channel: %w", err)
	}

	lsCtx, cancel := context.WithCancel(context.Background())
	ls := &liveSession{handle: h, channel: ch, ctx: lsCtx, cancel: cancel}

	e.mu.Lock()
	old := e.live[sessionID]
	e.live[sessionID] = ls
	e.mu.Unlock()
	if old != nil {
		old.cancel()
	}

	ch.OnMessage(func(line []byte) { e.handleAgentLine(ls, sessionID, line) })
	ch.OnClose(func(reason string) {
		if reason != "" {
			slog.Warn("agent channel closed", "session", sessionID, "reason", reason)
		}
	})
	h.OnStatusChange(func(s sandbox.Status) {
		if s == sandbox.StatusStopped {
			go e.reconcileStopped(sessionID)
		}
	})
	return nil
}

// reconcileStopped runs once when a live handle reports stopped while the
// session row says active: restart if the provider can, else demote to idle.
func (e *Engine) reconcileStopped(sessionID string) {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := e.stores.Sessions.GetSession(ctx, sessionID)
	if err != nil || sess.Status != store.StatusActive {
		return
	}
	ls := e.liveFor(sessionID)
	if ls == nil {
		return
	}
	if err := e.armChannel(ctx, sessionID, ls.handle); err != nil {
		slog.Warn("restart after stop failed; session going idle", "session", sessionID, "error", err)
		if uerr := e.stores.Sessions.UpdateStatus(ctx, sessionID, store.StatusIdle); uerr != nil && !errors.Is(uerr, store.ErrArchived) {
			slog.Error("idle transition failed", "session", sessionID, "error", uerr)
		}
		e.dropLive(sessionID)
		e.broadcastStatus(sessionID, store.StatusIdle)
	}
}

// ActivateResult is returned to the activating client.
type ActivateResult struct {
	SessionID     string              `json:"sessionId"`
	Status        store.SessionStatus `json:"status"`
	LastSeq       int64               `json:"lastSeq"`
	SandboxStatus sandbox.Status      `json:"sandboxStatus"`
	WSEndpoint    string              `json:"wsEndpoint"`
}

// Activate waits for the session to be usable, resumes an idle sandbox,
// re-arms the agent channel, and reports the journal high-water mark so the
// client knows where to catch up from.
func (e *Engine) Activate(ctx context.Context, sessionID, clientID string) (*ActivateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.activateTimeout())
	defer cancel()

	sess, err := e.waitUsable(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a concurrent archive may have won.
	sess, err = e.stores.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.StatusArchived {
		return nil, store.ErrArchived
	}

	h, err := e.ensureRunning(ctx, sess)
	if err != nil {
		return nil, err
	}
	if ls := e.liveFor(sessionID); ls == nil || ls.handle != h || ls.channel == nil {
		if err := e.armChannel(ctx, sessionID, h); err != nil {
			return nil, err
		}
	}
	if sess.Status != store.StatusActive {
		if err := e.stores.Sessions.UpdateStatus(ctx, sessionID, store.StatusActive); err != nil {
			return nil, err
		}
		e.broadcastStatus(sessionID, store.StatusActive)
	}
	_ = e.stores.Sessions.TouchActivity(ctx, sessionID)

	lastSeq, err := e.journal.LastSeq(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	e.registry.BroadcastEvent(sessionID, protocol.EventConnected, store.RawPayload(map[string]any{
		"sessionId": sessionID,
		"clientId":  clientID,
		"lastSeq":   lastSeq,
	}))
	return &ActivateResult{
		SessionID:     sessionID,
		Status:        store.StatusActive,
		LastSeq:       lastSeq,
		SandboxStatus: h.Status(),
		WSEndpoint:    e.cfg.WSEndpoint,
	}, nil
}

// waitUsable polls until the session leaves creating, the deadline expires,
// or the session lands in a dead end.
func (e *Engine) waitUsable(ctx context.Context, sessionID string) (*store.Session, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		sess, err := e.stores.Sessions.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		switch sess.Status {
		case store.StatusActive, store.StatusIdle:
			return sess, nil
		case store.StatusArchived:
			return nil, store.ErrArchived
		case store.StatusError:
			return nil, fmt.Errorf("session %s is in error", sessionID)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("session %s not ready: %w", sessionID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ensureRunning returns a running handle for the session, re-acquiring or
// re-creating the sandbox as needed. Caller holds the session lock.
func (e *Engine) ensureRunning(ctx context.Context, sess *store.Session) (sandbox.Handle, error) {
	if ls := e.liveFor(sess.ID); ls != nil && ls.handle.Status() == sandbox.StatusRunning {
		return ls.handle, nil
	}

	h, err := e.manager.GetForSession(ctx, sess)
	if errors.Is(err, sandbox.ErrNotFound) {
		// Sandbox gone: rebuild it from the environment row.
		env, eerr := e.stores.Environments.GetEnvironment(ctx, sess.EnvironmentID)
		if eerr != nil {
			return nil, eerr
		}
		var repo *RepoInfo
		if sess.RepoID != "" && e.repos != nil {
			if repo, eerr = e.repos.ResolveRepo(ctx, sess.RepoID); eerr != nil {
				return nil, eerr
			}
		}
		opts, oerr := e.createOptions(ctx, sess, repo, false)
		if oerr != nil {
			return nil, oerr
		}
		return e.manager.CreateForSession(ctx, sess, env, *opts)
	}
	if err != nil {
		return nil, err
	}

	if h.Status() != sandbox.StatusRunning {
		env, eerr := e.vault.GetAllAsEnv(ctx)
		if eerr != nil {
			return nil, eerr
		}
		token, terr := e.vault.GitHubToken(ctx)
		if terr != nil {
			return nil, terr
		}
		if err := h.Resume(ctx, env, token); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// AttachClient registers a connection's interest in a session and records
// the client's capabilities. A native-tool-capable client becomes the
// session's tool owner (most recent attach wins).
func (e *Engine) AttachClient(ctx context.Context, connectionID, sessionID, clientID string, kind store.ClientKind, caps store.ClientCapabilities) error {
	if _, err := e.stores.Sessions.GetSession(ctx, sessionID); err != nil {
		return err
	}
	e.registry.Attach(connectionID, sessionID)
	if clientID != "" {
		reg := &store.ClientRegistration{
			SessionID:    sessionID,
			ClientID:     clientID,
			ClientKind:   kind,
			Capabilities: caps,
			UpdatedAt:    time.Now().UTC(),
		}
		if err := e.stores.Clients.UpsertClient(ctx, reg); err != nil {
			return err
		}
	}
	if caps.NativeTools {
		e.broker.SetOwner(sessionID, connectionID)
	}
	return nil
}

// ConnectionClosed finalizes a departed WebSocket: its registry state becomes
// a resume ghost and its pending native tool calls fail.
func (e *Engine) ConnectionClosed(connectionID string) {
	e.registry.Remove(connectionID)
	e.broker.ConnectionClosed(connectionID)
}

// agentPrompt is the frame written to the sandbox for a user turn.
type agentPrompt struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Prompt is fire-and-forget: it enqueues the user message on the agent
// channel and journals it. Delivery order follows call order per connection.
func (e *Engine) Prompt(ctx context.Context, sessionID, message string) error {
	ls := e.liveFor(sessionID)
	if ls == nil || ls.channel == nil {
		return ErrNotActive
	}
	frame := store.RawPayload(agentPrompt{Type: "prompt", ID: uuid.NewString(), Message: message})
	if err := ls.channel.Send(frame); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	if _, err := e.journal.Append(ctx, sessionID, protocol.AgentEventPrompt, store.RawPayload(map[string]string{"message": message})); err != nil {
		e.failSession(ctx, sessionID, fmt.Errorf("journal prompt: %w", err))
		return err
	}
	_ = e.stores.Sessions.TouchActivity(ctx, sessionID)
	_ = e.stores.Sessions.SetFirstUserMessage(ctx, sessionID, message)
	return nil
}

// Abort sends the agent's cancel frame and fails pending native tool calls.
func (e *Engine) Abort(ctx context.Context, sessionID string) error {
	e.broker.CancelSession(sessionID)
	ls := e.liveFor(sessionID)
	if ls == nil || ls.channel == nil {
		return ErrNotActive
	}
	return ls.channel.Send(store.RawPayload(map[string]string{"type": "abort"}))
}

// Archive terminates the sandbox and parks the session permanently.
func (e *Engine) Archive(ctx context.Context, sessionID string) error {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := e.stores.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == store.StatusArchived {
		return nil
	}
	e.broker.CancelSession(sessionID)
	e.dropLive(sessionID)
	if err := e.manager.TerminateForSession(ctx, sess); err != nil {
		slog.Warn("terminate during archive failed", "session", sessionID, "error", err)
	}
	if err := e.stores.Sessions.UpdateStatus(ctx, sessionID, store.StatusArchived); err != nil {
		return err
	}
	e.broadcastStatus(sessionID, store.StatusArchived)
	e.registry.DropSession(sessionID)
	return nil
}

// Delete hard-deletes the session row and its journal.
func (e *Engine) Delete(ctx context.Context, sessionID string) error {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := e.stores.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	e.broker.CancelSession(sessionID)
	e.dropLive(sessionID)
	if err := e.manager.TerminateForSession(ctx, sess); err != nil {
		slog.Warn("terminate during delete failed", "session", sessionID, "error", err)
	}
	if err := e.stores.Sessions.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	e.journal.Forget(sessionID)
	e.registry.DropSession(sessionID)
	return nil
}

// List returns every session row.
func (e *Engine) List(ctx context.Context) ([]store.Session, error) {
	return e.stores.Sessions.ListSessions(ctx)
}

// SessionState is the get_state result.
type SessionState struct {
	Session       *store.Session       `json:"session"`
	SandboxStatus sandbox.Status       `json:"sandboxStatus"`
	Capabilities  sandbox.Capabilities `json:"capabilities"`
	LastSeq       int64                `json:"lastSeq"`
}

// GetState reports the row plus live sandbox state.
func (e *Engine) GetState(ctx context.Context, sessionID string) (*SessionState, error) {
	sess, err := e.stores.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	lastSeq, err := e.journal.LastSeq(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	state := &SessionState{Session: sess, SandboxStatus: sandbox.StatusStopped, LastSeq: lastSeq}
	if ls := e.liveFor(sessionID); ls != nil {
		state.SandboxStatus = ls.handle.Status()
		state.Capabilities = ls.handle.Capabilities()
	} else if h, err := e.manager.GetForSession(ctx, sess); err == nil {
		state.SandboxStatus = h.Status()
		state.Capabilities = h.Capabilities()
	}
	return state, nil
}

// GetMessages reads journaled events after afterSeq.
func (e *Engine) GetMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]store.JournalEvent, int64, error) {
	return e.journal.ReadAfter(ctx, sessionID, afterSeq, limit)
}

// AvailableModels returns the configured model registry.
func (e *Engine) AvailableModels() []Model {
	return append([]Model(nil), e.cfg.Models...)
}

// SetModel validates against the registry and persists the choice.
func (e *Engine) SetModel(ctx context.Context, sessionID, provider, modelID string) error {
	valid := len(e.cfg.Models) == 0
	for _, m := range e.cfg.Models {
		if m.Provider == provider && m.ID == modelID {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unknown model %s/%s", provider, modelID)
	}
	return e.stores.Sessions.SetModel(ctx, sessionID, provider, modelID)
}

// Exec runs a command in the session's sandbox when the backend supports it.
func (e *Engine) Exec(ctx context.Context, sessionID, command string) (*sandbox.ExecResult, error) {
	sess, err := e.stores.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var h sandbox.Handle
	if ls := e.liveFor(sessionID); ls != nil {
		h = ls.handle
	} else if h, err = e.manager.GetForSession(ctx, sess); err != nil {
		return nil, err
	}
	if !h.Capabilities().Exec {
		return nil, sandbox.ErrExecUnsupported
	}
	return h.Exec(ctx, command)
}

// agentEvent is the minimal envelope the engine reads off each output line.
type agentEvent struct {
	Type      string          `json:"type"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	Native    bool            `json:"native,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// handleAgentLine processes one line of agent output: journal, fan out,
// route native tools, touch activity. Unparseable lines are dropped with a
// warning and never break the channel.
func (e *Engine) handleAgentLine(ls *liveSession, sessionID string, line []byte) {
	var ev agentEvent
	if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
		slog.Warn("dropping unparseable agent line", "session", sessionID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ls.ctx, 30*time.Second)
	defer cancel()

	if _, err := e.journal.Append(ctx, sessionID, ev.Type, json.RawMessage(line)); err != nil {
		e.failSession(context.WithoutCancel(ctx), sessionID, fmt.Errorf("journal append: %w", err))
		return
	}
	e.registry.BroadcastEvent(sessionID, ev.Type, json.RawMessage(line))
	_ = e.stores.Sessions.TouchActivity(ctx, sessionID)

	if isToolStart(ev.Type) && isNativeTool(&ev) {
		go e.routeNativeTool(ls, sessionID, &ev)
	}
}

func isToolStart(eventType string) bool {
	return eventType == protocol.AgentEventToolUseStart || eventType == protocol.AgentEventToolExecutionStart
}

// isNativeTool decides whether a tool start belongs to an attached client.
// The agent marks client-executed tools explicitly; the name prefix covers
// older agents that predate the flag.
func isNativeTool(ev *agentEvent) bool {
	return ev.Native || strings.HasPrefix(ev.ToolName, "native_")
}

// agentToolResult is the frame the agent expects for a completed tool call.
type agentToolResult struct {
	Type      string          `json:"type"`
	ToolUseID string          `json:"toolUseId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// routeNativeTool runs one reverse-RPC tool call and writes the result back
// onto the agent channel. Broker failures surface as tool errors.
func (e *Engine) routeNativeTool(ls *liveSession, sessionID string, ev *agentEvent) {
	result, err := e.broker.RequestCall(ls.ctx, sessionID, ev.ToolName, ev.Args)
	out := agentToolResult{Type: "tool_result", ToolUseID: ev.ToolUseID, Result: result}
	if err != nil {
		out.Error = err.Error()
	}
	if serr := ls.channel.Send(store.RawPayload(out)); serr != nil {
		slog.Warn("tool result not delivered", "session", sessionID, "tool", ev.ToolName, "error", serr)
	}
}

// StderrTail exposes the live sandbox's captured stderr for diagnostics.
func (e *Engine) StderrTail(sessionID string) []string {
	if ls := e.liveFor(sessionID); ls != nil {
		return ls.handle.StderrTail()
	}
	return nil
}
