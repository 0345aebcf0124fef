// Package microvm implements the sandbox provider over a host-local
// hypervisor daemon controlled through a unix socket. Each sandbox is a
// lightweight VM with a persistent disk; the relay reaches the agent through
// the bridge port the daemon maps for every VM.
package microvm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pirelay/relay/internal/sandbox"
)

// Provider implements sandbox.Provider against the hypervisor control API.
type Provider struct {
	socketPath     string
	secretsBaseDir string
	http           *http.Client
}

// New builds a microVM provider for the daemon at socketPath.
func New(socketPath, secretsBaseDir string) *Provider {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Provider{
		socketPath:     socketPath,
		secretsBaseDir: secretsBaseDir,
		http:           &http.Client{Transport: transport, Timeout: 120 * time.Second},
	}
}

func (p *Provider) Key() string { return "microvm" }

func (p *Provider) Capabilities() sandbox.Capabilities {
	// VM pause freezes vCPUs with memory intact.
	return sandbox.Capabilities{LosslessPause: true, PersistentDisk: true, Exec: true}
}

func (p *Provider) IsAvailable(ctx context.Context) error {
	if err := p.do(ctx, http.MethodGet, "/v1/ping", nil, nil); err != nil {
		return fmt.Errorf("hypervisor daemon unreachable: %w", err)
	}
	return nil
}

// vmState is the daemon's view of one VM.
type vmState struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Status      string    `json:"status"`
	BridgeURL   string    `json:"bridgeUrl"`
	ImageDigest string    `json:"imageDigest"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (p *Provider) CreateSandbox(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	// Secrets ride on a read-only share the daemon exposes to the guest.
	secretsDir, err := sandbox.WriteSecretsDir(p.secretsBaseDir, opts.SessionID, opts.Secrets)
	if err != nil {
		return nil, err
	}

	limits := sandbox.LimitsForTier(opts.ResourceTier)
	body := map[string]any{
		"sessionId":  opts.SessionID,
		"image":      opts.Environment.Config.Image,
		"cpuShares":  limits.CPUShares,
		"memoryMiB":  limits.MemoryMiB,
		"secretsDir": secretsDir,
		"repoUrl":    opts.RepoURL,
		"branch":     opts.RepoBranch,
	}
	var state vmState
	if err := p.do(ctx, http.MethodPost, "/v1/vms", body, &state); err != nil {
		_ = sandbox.RemoveSecretsDir(p.secretsBaseDir, opts.SessionID)
		return nil, fmt.Errorf("create vm: %w", err)
	}
	return newHandle(p, &state), nil
}

func (p *Provider) GetSandbox(ctx context.Context, providerID string) (sandbox.Handle, error) {
	var state vmState
	if err := p.do(ctx, http.MethodGet, "/v1/vms/"+providerID, nil, &state); err != nil {
		return nil, err
	}
	return newHandle(p, &state), nil
}

func (p *Provider) ListSandboxes(ctx context.Context) ([]sandbox.Info, error) {
	var states []vmState
	if err := p.do(ctx, http.MethodGet, "/v1/vms", nil, &states); err != nil {
		return nil, err
	}
	out := make([]sandbox.Info, 0, len(states))
	for _, s := range states {
		out = append(out, sandbox.Info{
			SessionID:  s.SessionID,
			ProviderID: s.ID,
			Status:     statusFromVM(s.Status),
			CreatedAt:  s.CreatedAt,
		})
	}
	return out, nil
}

// Cleanup deletes VMs the daemon reports as exited and their secret dirs.
func (p *Provider) Cleanup(ctx context.Context) error {
	infos, err := p.ListSandboxes(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Status != sandbox.StatusStopped && info.Status != sandbox.StatusError {
			continue
		}
		if err := p.do(ctx, http.MethodDelete, "/v1/vms/"+info.ProviderID, nil, nil); err != nil {
			continue
		}
		if info.SessionID != "" {
			_ = sandbox.RemoveSecretsDir(p.secretsBaseDir, info.SessionID)
		}
	}
	return nil
}

func statusFromVM(s string) sandbox.Status {
	switch s {
	case "running":
		return sandbox.StatusRunning
	case "paused":
		return sandbox.StatusPaused
	case "creating", "booting":
		return sandbox.StatusCreating
	case "error":
		return sandbox.StatusError
	default:
		return sandbox.StatusStopped
	}
}

// do issues one JSON request to the daemon. The host in the URL is
// meaningless; the transport dials the unix socket.
func (p *Provider) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://microvm"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return sandbox.ErrNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("hypervisor %s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
