package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/pirelay/relay/internal/store"
)

// Manager maps sessions to sandboxes. It is stateless: the authoritative
// state is the session row plus provider inspection, so a relay restart
// rebuilds everything from those two sources. Live handle caching belongs to
// the engine, not here.
type Manager struct {
	providers map[string]Provider
	sessions  store.SessionStore
	create    singleflight.Group
}

// NewManager registers the given providers by key.
func NewManager(sessions store.SessionStore, providers ...Provider) *Manager {
	m := &Manager{providers: make(map[string]Provider, len(providers)), sessions: sessions}
	for _, p := range providers {
		m.providers[p.Key()] = p
	}
	return m
}

// Provider looks up a registered backend.
func (m *Manager) Provider(key string) (Provider, error) {
	p, ok := m.providers[key]
	if !ok {
		return nil, fmt.Errorf("unknown sandbox provider %q", key)
	}
	return p, nil
}

// Providers returns every registered backend.
func (m *Manager) Providers() []Provider {
	out := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, p)
	}
	return out
}

// CreateForSession builds the session's sandbox on the environment's backend
// and persists the resulting reference. Concurrent calls for one session
// collapse into a single provider create. On failure the session moves to
// error and the partial sandbox is best-effort terminated.
func (m *Manager) CreateForSession(ctx context.Context, sess *store.Session, env *store.Environment, opts CreateOptions) (Handle, error) {
	v, err, _ := m.create.Do(sess.ID, func() (any, error) {
		return m.createForSession(ctx, sess, env, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(Handle), nil
}

func (m *Manager) createForSession(ctx context.Context, sess *store.Session, env *store.Environment, opts CreateOptions) (Handle, error) {
	p, err := m.Provider(env.SandboxType)
	if err != nil {
		m.failSession(ctx, sess.ID, err)
		return nil, err
	}
	if err := p.IsAvailable(ctx); err != nil {
		m.failSession(ctx, sess.ID, err)
		return nil, err
	}

	opts.SessionID = sess.ID
	opts.Environment = env
	if opts.ResourceTier == "" {
		opts.ResourceTier = env.Config.ResourceTier
	}

	h, err := p.CreateSandbox(ctx, opts)
	if err != nil {
		m.failSession(ctx, sess.ID, err)
		return nil, err
	}

	if err := m.sessions.SetSandboxRef(ctx, sess.ID, p.Key(), h.ProviderID(), h.ImageDigest()); err != nil {
		_ = h.Terminate(context.WithoutCancel(ctx))
		m.failSession(ctx, sess.ID, err)
		return nil, err
	}
	// A fresh sandbox is built from the current extension set.
	if err := m.sessions.SetExtensionsStale(ctx, sess.ID, false); err != nil {
		slog.Warn("clearing extensions staleness failed", "session", sess.ID, "error", err)
	}
	if h.Status() == StatusRunning {
		if err := m.sessions.UpdateStatus(ctx, sess.ID, store.StatusActive); err != nil {
			_ = h.Terminate(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	sess.SandboxProviderKey = p.Key()
	sess.SandboxProviderID = h.ProviderID()
	sess.ImageDigest = h.ImageDigest()
	return h, nil
}

func (m *Manager) failSession(ctx context.Context, sessionID string, cause error) {
	slog.Error("sandbox create failed", "session", sessionID, "error", cause)
	if err := m.sessions.UpdateStatus(ctx, sessionID, store.StatusError); err != nil && !errors.Is(err, store.ErrArchived) {
		slog.Error("session error transition failed", "session", sessionID, "error", err)
	}
}

// GetForSession re-acquires the handle behind a session row. A missing
// backend object demotes the session to idle (reclaimable); a provider
// failure demotes it to error.
func (m *Manager) GetForSession(ctx context.Context, sess *store.Session) (Handle, error) {
	if sess.SandboxProviderID == "" {
		return nil, ErrNotFound
	}
	p, err := m.Provider(sess.SandboxProviderKey)
	if err != nil {
		return nil, err
	}
	h, err := p.GetSandbox(ctx, sess.SandboxProviderID)
	if errors.Is(err, ErrNotFound) {
		// The backend object is gone; the session can be re-materialized.
		if uerr := m.sessions.UpdateStatus(ctx, sess.ID, store.StatusIdle); uerr != nil && !errors.Is(uerr, store.ErrArchived) {
			slog.Error("idle transition failed", "session", sess.ID, "error", uerr)
		}
		_ = m.sessions.SetSandboxRef(ctx, sess.ID, "", "", "")
		return nil, ErrNotFound
	}
	if err != nil {
		m.failSession(ctx, sess.ID, err)
		return nil, err
	}
	return h, nil
}

// Reconcile verifies that an active session's sandbox is actually running
// and demotes the row when it is not. Returns the (possibly updated) status.
func (m *Manager) Reconcile(ctx context.Context, sess *store.Session) (store.SessionStatus, error) {
	if sess.Status != store.StatusActive {
		return sess.Status, nil
	}
	h, err := m.GetForSession(ctx, sess)
	if errors.Is(err, ErrNotFound) {
		return store.StatusIdle, nil
	}
	if err != nil {
		return store.StatusError, err
	}
	if h.Status() == StatusRunning {
		return store.StatusActive, nil
	}
	if err := m.sessions.UpdateStatus(ctx, sess.ID, store.StatusIdle); err != nil && !errors.Is(err, store.ErrArchived) {
		return sess.Status, err
	}
	return store.StatusIdle, nil
}

// TerminateForSession tears the sandbox down best-effort and clears the
// session's backend reference.
func (m *Manager) TerminateForSession(ctx context.Context, sess *store.Session) error {
	if sess.SandboxProviderID != "" {
		if p, err := m.Provider(sess.SandboxProviderKey); err == nil {
			if h, err := p.GetSandbox(ctx, sess.SandboxProviderID); err == nil {
				if terr := h.Terminate(ctx); terr != nil {
					slog.Warn("sandbox terminate failed", "session", sess.ID, "error", terr)
				}
			} else if !errors.Is(err, ErrNotFound) {
				slog.Warn("sandbox lookup for terminate failed", "session", sess.ID, "error", err)
			}
		}
	}
	if err := m.sessions.SetSandboxRef(ctx, sess.ID, "", "", ""); err != nil {
		return err
	}
	sess.SandboxProviderKey = ""
	sess.SandboxProviderID = ""
	return nil
}

// CleanupAll runs every provider's reaper.
func (m *Manager) CleanupAll(ctx context.Context) {
	for _, p := range m.providers {
		if err := p.Cleanup(ctx); err != nil {
			slog.Warn("sandbox cleanup failed", "provider", p.Key(), "error", err)
		}
	}
}
