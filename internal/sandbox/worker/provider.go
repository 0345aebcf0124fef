// Package worker implements the sandbox provider over a remote container
// worker: a small HTTP control API provisions containers on another host, and
// the relay talks to each sandbox through the bridge the image embeds.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/pirelay/relay/internal/sandbox"
)

// Provider implements sandbox.Provider against a worker's control API.
// The worker URL comes from the environment row, so one relay can address
// several workers through distinct environments.
type Provider struct {
	httpClient  *http.Client
	snapshotDir string
}

// New builds a worker provider. Agent-state snapshots taken on pause land
// under stateDir. All requests carry the caller's context; the client timeout
// is a backstop for workers that stop responding.
func New(stateDir string) *Provider {
	return &Provider{
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		snapshotDir: filepath.Join(stateDir, "worker-snapshots"),
	}
}

func (p *Provider) Key() string { return "worker" }

func (p *Provider) Capabilities() sandbox.Capabilities {
	// Pause stops the remote container; disk survives, the agent process
	// does not.
	return sandbox.Capabilities{LosslessPause: false, PersistentDisk: true, Exec: true}
}

// IsAvailable is a provider-level probe. Worker reachability is per
// environment, so without a worker URL the only meaningful check is local.
func (p *Provider) IsAvailable(ctx context.Context) error { return nil }

// createRequest is the worker's provisioning payload.
type createRequest struct {
	SessionID string            `json:"sessionId"`
	Image     string            `json:"image"`
	Env       map[string]string `json:"env,omitempty"`
	CPUShares int64             `json:"cpuShares"`
	MemoryMiB int64             `json:"memoryMiB"`
	RepoURL   string            `json:"repoUrl,omitempty"`
	Branch    string            `json:"branch,omitempty"`
}

// sandboxState is the worker's view of one sandbox.
type sandboxState struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Status      string    `json:"status"`
	BridgeURL   string    `json:"bridgeUrl"`
	ImageDigest string    `json:"imageDigest"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (p *Provider) CreateSandbox(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	workerURL := opts.Environment.Config.WorkerURL
	if workerURL == "" {
		return nil, fmt.Errorf("environment %s has no worker URL", opts.Environment.ID)
	}

	limits := sandbox.LimitsForTier(opts.ResourceTier)
	env := map[string]string{"PI_SESSION_ID": opts.SessionID}
	for k, v := range opts.Secrets {
		env[k] = v
	}
	if opts.NativeToolsEnabled {
		env["PI_NATIVE_TOOLS"] = "1"
	}
	if opts.GitHubToken != "" {
		env["PI_GITHUB_TOKEN"] = opts.GitHubToken
	}

	var state sandboxState
	err := p.do(ctx, http.MethodPost, workerURL+"/v1/sandboxes", createRequest{
		SessionID: opts.SessionID,
		Image:     opts.Environment.Config.Image,
		Env:       env,
		CPUShares: limits.CPUShares,
		MemoryMiB: limits.MemoryMiB,
		RepoURL:   opts.RepoURL,
		Branch:    opts.RepoBranch,
	}, &state)
	if err != nil {
		return nil, fmt.Errorf("worker create: %w", err)
	}
	return p.handleFromState(workerURL, &state), nil
}

// GetSandbox re-acquires a handle. The provider id encodes the worker URL so
// a relay restart can find the sandbox without the environment row.
func (p *Provider) GetSandbox(ctx context.Context, providerID string) (sandbox.Handle, error) {
	workerURL, id, err := splitProviderID(providerID)
	if err != nil {
		return nil, err
	}
	var state sandboxState
	if err := p.do(ctx, http.MethodGet, workerURL+"/v1/sandboxes/"+id, nil, &state); err != nil {
		return nil, err
	}
	return p.handleFromState(workerURL, &state), nil
}

// ListSandboxes enumerates sandboxes across known workers. With no standing
// worker inventory at the provider level, listing is per-environment and the
// manager supplies the worker URLs it knows about via ListOn.
func (p *Provider) ListSandboxes(ctx context.Context) ([]sandbox.Info, error) {
	return nil, nil
}

// ListOn enumerates the sandboxes one worker is running.
func (p *Provider) ListOn(ctx context.Context, workerURL string) ([]sandbox.Info, error) {
	var states []sandboxState
	if err := p.do(ctx, http.MethodGet, workerURL+"/v1/sandboxes", nil, &states); err != nil {
		return nil, err
	}
	out := make([]sandbox.Info, 0, len(states))
	for _, s := range states {
		out = append(out, sandbox.Info{
			SessionID:  s.SessionID,
			ProviderID: joinProviderID(workerURL, s.ID),
			Status:     statusFromWorker(s.Status),
			CreatedAt:  s.CreatedAt,
		})
	}
	return out, nil
}

// Cleanup is worker-side; each worker reaps its own exited containers.
func (p *Provider) Cleanup(ctx context.Context) error { return nil }

func (p *Provider) handleFromState(workerURL string, s *sandboxState) *Handle {
	return &Handle{
		provider:  p,
		workerURL: workerURL,
		id:        s.ID,
		sessionID: s.SessionID,
		bridgeURL: s.BridgeURL,
		digest:    s.ImageDigest,
		status:    statusFromWorker(s.Status),
	}
}

func statusFromWorker(s string) sandbox.Status {
	switch s {
	case "running":
		return sandbox.StatusRunning
	case "creating":
		return sandbox.StatusCreating
	case "paused", "stopped":
		return sandbox.StatusStopped
	case "error":
		return sandbox.StatusError
	default:
		return sandbox.StatusStopped
	}
}

// do issues one JSON request against the worker API.
func (p *Provider) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return sandbox.ErrNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("worker %s %s: %s: %s", method, url, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Provider ids are "workerURL#id" so handles survive relay restarts.
func joinProviderID(workerURL, id string) string { return workerURL + "#" + id }

func splitProviderID(providerID string) (workerURL, id string, err error) {
	for i := len(providerID) - 1; i >= 0; i-- {
		if providerID[i] == '#' {
			return providerID[:i], providerID[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed worker provider id %q", providerID)
}
