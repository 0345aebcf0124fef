package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pirelay/relay/internal/sandbox"
	"github.com/pirelay/relay/internal/store"
)

// DefaultIdleTick is the watcher's scan interval. Idle detection is coarse
// on purpose: the environment's idle timeout dominates.
const DefaultIdleTick = 30 * time.Second

// IdleWatcher pauses sandboxes whose sessions have gone quiet with nobody
// attached, moving the rows to idle so activate can bring them back.
type IdleWatcher struct {
	engine *Engine
	tick   time.Duration
}

func NewIdleWatcher(e *Engine, tick time.Duration) *IdleWatcher {
	if tick <= 0 || tick > DefaultIdleTick {
		tick = DefaultIdleTick
	}
	return &IdleWatcher{engine: e, tick: tick}
}

// Run scans until the context is canceled.
func (w *IdleWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *IdleWatcher) scan(ctx context.Context) {
	sessions, err := w.engine.stores.Sessions.ListSessions(ctx)
	if err != nil {
		slog.Warn("idle scan: list sessions failed", "error", err)
		return
	}
	now := time.Now()
	for i := range sessions {
		sess := &sessions[i]
		if sess.Status != store.StatusActive {
			continue
		}
		env, err := w.engine.stores.Environments.GetEnvironment(ctx, sess.EnvironmentID)
		if err != nil {
			continue
		}
		if now.Sub(sess.LastActivityAt) < env.IdleTimeout() {
			continue
		}
		if w.engine.registry.Attached(sess.ID) {
			continue
		}
		w.park(ctx, sess)
	}
}

// park pauses one expired session's sandbox and demotes the row to idle.
// Backends without lossless pause are left running; restarting their agent
// mid-thought costs more than the idle capacity.
func (w *IdleWatcher) park(ctx context.Context, sess *store.Session) {
	lock := w.engine.sessionLock(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	current, err := w.engine.stores.Sessions.GetSession(ctx, sess.ID)
	if err != nil || current.Status != store.StatusActive {
		return
	}

	ls := w.engine.liveFor(sess.ID)
	if ls == nil {
		return
	}
	if !ls.handle.Capabilities().LosslessPause {
		return
	}
	if err := ls.handle.Pause(ctx); err != nil {
		if !errors.Is(err, sandbox.ErrNotRunning) {
			slog.Warn("idle pause failed", "session", sess.ID, "error", err)
		}
		return
	}
	if err := w.engine.stores.Sessions.UpdateStatus(ctx, sess.ID, store.StatusIdle); err != nil && !errors.Is(err, store.ErrArchived) {
		slog.Error("idle transition failed", "session", sess.ID, "error", err)
		return
	}
	slog.Info("session parked idle", "session", sess.ID)
	w.engine.broadcastStatus(sess.ID, store.StatusIdle)
}
