package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/pirelay/relay/internal/sandbox"
	"github.com/pirelay/relay/internal/sandbox/bridge"
)

// Handle drives one worker-hosted sandbox. Lifecycle calls go to the worker
// control API; the channel, exec, and health go straight to the bridge inside
// the container.
type Handle struct {
	provider  *Provider
	workerURL string
	id        string
	sessionID string
	bridgeURL string
	digest    string

	mu       sync.Mutex
	status   sandbox.Status
	channel  *bridge.Channel
	statusFn sandbox.StatusHandler
}

func (h *Handle) ProviderID() string  { return joinProviderID(h.workerURL, h.id) }
func (h *Handle) ImageDigest() string { return h.digest }

func (h *Handle) Status() sandbox.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) Capabilities() sandbox.Capabilities { return h.provider.Capabilities() }

// OnStatusChange replaces the current status handler.
func (h *Handle) OnStatusChange(fn sandbox.StatusHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statusFn = fn
}

func (h *Handle) setStatus(s sandbox.Status) {
	h.mu.Lock()
	if h.status == s {
		h.mu.Unlock()
		return
	}
	h.status = s
	fn := h.statusFn
	h.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Attach dials the bridge WebSocket. A stopped sandbox is resumed through
// the worker first; the agent restarts (pause here is not lossless).
func (h *Handle) Attach(ctx context.Context) (sandbox.Channel, error) {
	switch h.Status() {
	case sandbox.StatusStopped:
		if err := h.start(ctx); err != nil {
			return nil, err
		}
	case sandbox.StatusRunning:
	default:
		return nil, sandbox.ErrNotRunning
	}

	h.mu.Lock()
	old := h.channel
	h.channel = nil
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}

	ch, err := bridge.Dial(ctx, h.sessionID, h.bridgeURL)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}
	h.mu.Lock()
	h.channel = ch
	h.mu.Unlock()
	return ch, nil
}

func (h *Handle) start(ctx context.Context) error {
	err := h.provider.do(ctx, http.MethodPost, h.workerURL+"/v1/sandboxes/"+h.id+"/start", nil, nil)
	if err != nil {
		return fmt.Errorf("worker start: %w", err)
	}
	h.setStatus(sandbox.StatusRunning)
	h.restoreSnapshot(ctx)
	return nil
}

// snapshotPath is where the pause-time agent-state archive lives on the
// relay host.
func (h *Handle) snapshotPath() string {
	return filepath.Join(h.provider.snapshotDir, h.sessionID+".tar.gz")
}

// takeSnapshot pulls a backup archive through the bridge before the container
// stops. Best effort: pause proceeds without it, the restart just loses agent
// state the disk did not carry.
func (h *Handle) takeSnapshot(ctx context.Context) {
	body, err := bridge.NewClient(h.bridgeURL).Backup(ctx)
	if err != nil {
		slog.Warn("sandbox backup failed", "session", h.sessionID, "error", err)
		return
	}
	defer body.Close()

	if err := os.MkdirAll(h.provider.snapshotDir, 0o700); err != nil {
		slog.Warn("snapshot dir unavailable", "session", h.sessionID, "error", err)
		return
	}
	f, err := os.CreateTemp(h.provider.snapshotDir, "snapshot-*")
	if err != nil {
		slog.Warn("snapshot write failed", "session", h.sessionID, "error", err)
		return
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(f.Name())
		slog.Warn("snapshot write failed", "session", h.sessionID, "error", err)
		return
	}
	f.Close()
	if err := os.Rename(f.Name(), h.snapshotPath()); err != nil {
		os.Remove(f.Name())
		slog.Warn("snapshot write failed", "session", h.sessionID, "error", err)
	}
}

// restoreSnapshot pushes a pause-time archive back through the bridge after a
// restart. The file is kept on failure so a later start can retry.
func (h *Handle) restoreSnapshot(ctx context.Context) {
	f, err := os.Open(h.snapshotPath())
	if err != nil {
		return // no snapshot, nothing to restore
	}
	defer f.Close()
	if err := bridge.NewClient(h.bridgeURL).Restore(ctx, f); err != nil {
		slog.Warn("sandbox restore failed", "session", h.sessionID, "error", err)
		return
	}
	if err := os.Remove(h.snapshotPath()); err != nil {
		slog.Warn("snapshot cleanup failed", "session", h.sessionID, "error", err)
	}
}

// Resume pushes fresh secret material to the worker and ensures the sandbox
// is running. The agent process restarts when the container was stopped.
func (h *Handle) Resume(ctx context.Context, secrets map[string]string, githubToken string) error {
	env := make(map[string]string, len(secrets)+1)
	for k, v := range secrets {
		env[k] = v
	}
	if githubToken != "" {
		env["PI_GITHUB_TOKEN"] = githubToken
	}
	body := map[string]any{"env": env}
	if err := h.provider.do(ctx, http.MethodPost, h.workerURL+"/v1/sandboxes/"+h.id+"/env", body, nil); err != nil {
		return fmt.Errorf("worker env update: %w", err)
	}
	if h.Status() == sandbox.StatusRunning {
		return nil
	}
	return h.start(ctx)
}

// Pause stops the remote container. Disk state survives; agent state is
// snapshotted through the bridge so the next start can restore it.
func (h *Handle) Pause(ctx context.Context) error {
	if h.Status() != sandbox.StatusRunning {
		return sandbox.ErrNotRunning
	}
	h.closeChannel()
	h.takeSnapshot(ctx)
	if err := h.provider.do(ctx, http.MethodPost, h.workerURL+"/v1/sandboxes/"+h.id+"/stop", nil, nil); err != nil {
		return fmt.Errorf("worker stop: %w", err)
	}
	h.setStatus(sandbox.StatusStopped)
	return nil
}

func (h *Handle) closeChannel() {
	h.mu.Lock()
	ch := h.channel
	h.channel = nil
	h.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// Exec runs a command through the bridge.
func (h *Handle) Exec(ctx context.Context, command string) (*sandbox.ExecResult, error) {
	if h.Status() != sandbox.StatusRunning {
		return nil, sandbox.ErrNotRunning
	}
	return bridge.NewClient(h.bridgeURL).Exec(ctx, command)
}

// OpenPty is not offered by the bridge protocol.
func (h *Handle) OpenPty(ctx context.Context, cols, rows int) (sandbox.PtyHandle, error) {
	return nil, sandbox.ErrExecUnsupported
}

// Terminate destroys the remote sandbox.
func (h *Handle) Terminate(ctx context.Context) error {
	h.closeChannel()
	err := h.provider.do(ctx, http.MethodDelete, h.workerURL+"/v1/sandboxes/"+h.id, nil, nil)
	if err != nil && err != sandbox.ErrNotFound {
		return fmt.Errorf("worker delete: %w", err)
	}
	h.setStatus(sandbox.StatusStopped)
	return nil
}

// StderrTail: the bridge folds agent stderr into exec results and its own
// logs; there is no stream to tail remotely.
func (h *Handle) StderrTail() []string { return nil }
