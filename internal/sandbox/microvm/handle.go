package microvm

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/pirelay/relay/internal/sandbox"
	"github.com/pirelay/relay/internal/sandbox/bridge"
)

// Handle drives one microVM. Lifecycle calls go to the hypervisor daemon;
// the agent channel and exec go through the VM's bridge port.
type Handle struct {
	provider  *Provider
	id        string
	sessionID string
	bridgeURL string
	digest    string

	mu       sync.Mutex
	status   sandbox.Status
	channel  *bridge.Channel
	statusFn sandbox.StatusHandler
}

func newHandle(p *Provider, s *vmState) *Handle {
	return &Handle{
		provider:  p,
		id:        s.ID,
		sessionID: s.SessionID,
		bridgeURL: s.BridgeURL,
		digest:    s.ImageDigest,
		status:    statusFromVM(s.Status),
	}
}

func (h *Handle) ProviderID() string  { return h.id }
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

// Attach dials the VM's bridge. A stopped VM is booted first; a paused one
// must be resumed by the caller.
func (h *Handle) Attach(ctx context.Context) (sandbox.Channel, error) {
	switch h.Status() {
	case sandbox.StatusPaused:
		return nil, sandbox.ErrPaused
	case sandbox.StatusStopped:
		if err := h.provider.do(ctx, http.MethodPost, "/v1/vms/"+h.id+"/start", nil, nil); err != nil {
			return nil, fmt.Errorf("start vm: %w", err)
		}
		h.setStatus(sandbox.StatusRunning)
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

// Resume rewrites the secret share and unfreezes or boots the VM.
func (h *Handle) Resume(ctx context.Context, secrets map[string]string, githubToken string) error {
	if _, err := sandbox.WriteSecretsDir(h.provider.secretsBaseDir, h.sessionID, secrets); err != nil {
		return err
	}
	switch h.Status() {
	case sandbox.StatusRunning:
		return nil
	case sandbox.StatusPaused:
		if err := h.provider.do(ctx, http.MethodPost, "/v1/vms/"+h.id+"/resume", nil, nil); err != nil {
			return fmt.Errorf("resume vm: %w", err)
		}
	case sandbox.StatusStopped:
		if err := h.provider.do(ctx, http.MethodPost, "/v1/vms/"+h.id+"/start", nil, nil); err != nil {
			return fmt.Errorf("start vm: %w", err)
		}
	default:
		return sandbox.ErrNotRunning
	}
	h.setStatus(sandbox.StatusRunning)
	return nil
}

// Pause freezes the VM's vCPUs; memory state survives.
func (h *Handle) Pause(ctx context.Context) error {
	if h.Status() != sandbox.StatusRunning {
		return sandbox.ErrNotRunning
	}
	h.closeChannel()
	if err := h.provider.do(ctx, http.MethodPost, "/v1/vms/"+h.id+"/pause", nil, nil); err != nil {
		return fmt.Errorf("pause vm: %w", err)
	}
	h.setStatus(sandbox.StatusPaused)
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

// Terminate destroys the VM and the host-side secret share.
func (h *Handle) Terminate(ctx context.Context) error {
	h.closeChannel()
	err := h.provider.do(ctx, http.MethodDelete, "/v1/vms/"+h.id, nil, nil)
	if err != nil && err != sandbox.ErrNotFound {
		return fmt.Errorf("delete vm: %w", err)
	}
	h.setStatus(sandbox.StatusStopped)
	_ = sandbox.RemoveSecretsDir(h.provider.secretsBaseDir, h.sessionID)
	return nil
}

// StderrTail: agent stderr stays inside the guest; the bridge does not
// stream it.
func (h *Handle) StderrTail() []string { return nil }
