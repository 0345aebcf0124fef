// Package docker implements the sandbox provider over the local Docker
// daemon. Containers are labeled and name-prefixed so the relay can
// re-discover its sandboxes after a restart.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/pirelay/relay/internal/sandbox"
)

const (
	// namePrefix identifies relay-owned containers.
	namePrefix = "pirelay-sbx-"

	labelManaged = "pirelay.managed"
	labelSession = "pirelay.session"
)

// Provider implements sandbox.Provider over dockerd.
type Provider struct {
	cli            *client.Client
	stateDir       string
	secretsBaseDir string

	mu      sync.Mutex
	handles map[string]*Handle // sessionID → handle (creation cache)
}

// New builds a Docker provider from environment-configured client settings.
func New(stateDir, secretsBaseDir string) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Provider{
		cli:            cli,
		stateDir:       stateDir,
		secretsBaseDir: secretsBaseDir,
		handles:        make(map[string]*Handle),
	}, nil
}

func (p *Provider) Key() string { return "docker" }

func (p *Provider) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{LosslessPause: true, PersistentDisk: true, Exec: true}
}

// IsAvailable probes the daemon.
func (p *Provider) IsAvailable(ctx context.Context) error {
	if _, err := p.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// CreateSandbox builds and starts a container for the session. Cached per
// session id: a second call while the first container is alive returns the
// same handle.
func (p *Provider) CreateSandbox(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	p.mu.Lock()
	if h, ok := p.handles[opts.SessionID]; ok && h.Status() != sandbox.StatusStopped && h.Status() != sandbox.StatusError {
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	digest, err := p.ensureImage(ctx, opts.Environment.Config.Image)
	if err != nil {
		return nil, err
	}

	dirs, err := sandbox.PrepareHostDirs(p.stateDir, opts.SessionID)
	if err != nil {
		return nil, err
	}
	secretsDir, err := sandbox.WriteSecretsDir(p.secretsBaseDir, opts.SessionID, opts.Secrets)
	if err != nil {
		return nil, err
	}
	if err := sandbox.WriteGitDir(dirs.Git, opts.GitHubToken, opts.GitAuthorName, opts.GitAuthorEmail); err != nil {
		return nil, err
	}

	limits := sandbox.LimitsForTier(opts.ResourceTier)
	env := []string{"PI_SESSION_ID=" + opts.SessionID}
	if opts.NativeToolsEnabled {
		env = append(env, "PI_NATIVE_TOOLS=1")
	}

	cfg := &container.Config{
		Image:        opts.Environment.Config.Image,
		Env:          env,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			labelManaged: "true",
			labelSession: opts.SessionID,
		},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: dirs.Workspace, Target: "/workspace"},
			{Type: mount.TypeBind, Source: dirs.Agent, Target: "/home/pi/.pi"},
			{Type: mount.TypeBind, Source: dirs.Git, Target: "/home/pi/.pi-git", ReadOnly: true},
			{Type: mount.TypeBind, Source: secretsDir, Target: "/run/pi-secrets", ReadOnly: true},
		},
		Resources: container.Resources{
			CPUShares: limits.CPUShares,
			Memory:    limits.MemoryMiB * 1024 * 1024,
		},
	}

	name := namePrefix + opts.SessionID
	resp, err := p.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", name, err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort teardown of the half-built container.
		_ = p.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container %s: %w", name, err)
	}

	h := newHandle(p, resp.ID, opts.SessionID, digest, sandbox.StatusRunning)

	if opts.RepoURL != "" {
		if err := h.cloneRepo(ctx, opts); err != nil {
			_ = h.Terminate(context.WithoutCancel(ctx))
			return nil, err
		}
	}

	p.mu.Lock()
	p.handles[opts.SessionID] = h
	p.mu.Unlock()
	return h, nil
}

// ensureImage pulls the image if missing and returns its digest.
func (p *Provider) ensureImage(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("environment has no image configured")
	}
	args := filters.NewArgs(filters.Arg("reference", ref))
	images, err := p.cli.ImageList(ctx, image.ListOptions{Filters: args})
	if err != nil {
		return "", fmt.Errorf("list images: %w", err)
	}
	if len(images) == 0 {
		slog.Info("pulling sandbox image", "image", ref)
		reader, err := p.cli.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return "", fmt.Errorf("pull image %s: %w", ref, err)
		}
		defer reader.Close()
		if err := drainPullOutput(reader); err != nil {
			return "", fmt.Errorf("pull image %s: %w", ref, err)
		}
	}

	inspect, _, err := p.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("inspect image %s: %w", ref, err)
	}
	if len(inspect.RepoDigests) > 0 {
		return inspect.RepoDigests[0], nil
	}
	return inspect.ID, nil
}

// drainPullOutput consumes the pull progress stream, surfacing daemon errors.
func drainPullOutput(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if msg.Error != "" {
			return fmt.Errorf("%s", msg.Error)
		}
	}
}

// GetSandbox reconstructs a handle from daemon inspection.
func (p *Provider) GetSandbox(ctx context.Context, providerID string) (sandbox.Handle, error) {
	info, err := p.cli.ContainerInspect(ctx, providerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, sandbox.ErrNotFound
		}
		return nil, fmt.Errorf("inspect container: %w", err)
	}
	sessionID := info.Config.Labels[labelSession]
	digest := ""
	if info.Image != "" {
		digest = info.Image
	}
	h := newHandle(p, info.ID, sessionID, digest, statusFromState(info.State))

	p.mu.Lock()
	if sessionID != "" {
		p.handles[sessionID] = h
	}
	p.mu.Unlock()
	return h, nil
}

func statusFromState(state *container.State) sandbox.Status {
	switch {
	case state == nil:
		return sandbox.StatusError
	case state.Paused:
		return sandbox.StatusPaused
	case state.Running:
		return sandbox.StatusRunning
	case state.Status == "created":
		return sandbox.StatusCreating
	case state.Dead:
		return sandbox.StatusError
	default:
		return sandbox.StatusStopped
	}
}

// ListSandboxes enumerates relay-owned containers by name prefix.
func (p *Provider) ListSandboxes(ctx context.Context) ([]sandbox.Info, error) {
	containers, err := p.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	var out []sandbox.Info
	for _, c := range containers {
		named := false
		for _, n := range c.Names {
			if strings.HasPrefix(strings.TrimPrefix(n, "/"), namePrefix) {
				named = true
				break
			}
		}
		if !named {
			continue
		}
		out = append(out, sandbox.Info{
			SessionID:  c.Labels[labelSession],
			ProviderID: c.ID,
			Status:     statusFromListState(c.State),
			CreatedAt:  time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

func statusFromListState(state string) sandbox.Status {
	switch state {
	case "running":
		return sandbox.StatusRunning
	case "paused":
		return sandbox.StatusPaused
	case "created":
		return sandbox.StatusCreating
	case "dead":
		return sandbox.StatusError
	default:
		return sandbox.StatusStopped
	}
}

// Cleanup removes exited relay containers and their host artifacts.
func (p *Provider) Cleanup(ctx context.Context) error {
	infos, err := p.ListSandboxes(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Status != sandbox.StatusStopped && info.Status != sandbox.StatusError {
			continue
		}
		slog.Info("reaping exited sandbox", "session", info.SessionID, "container", info.ProviderID)
		if err := p.cli.ContainerRemove(ctx, info.ProviderID, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("remove exited container failed", "container", info.ProviderID, "error", err)
			continue
		}
		if info.SessionID != "" {
			_ = sandbox.RemoveHostDirs(p.stateDir, info.SessionID)
			_ = sandbox.RemoveSecretsDir(p.secretsBaseDir, info.SessionID)
		}
		p.mu.Lock()
		delete(p.handles, info.SessionID)
		p.mu.Unlock()
	}
	return nil
}

func (p *Provider) forget(sessionID string) {
	p.mu.Lock()
	delete(p.handles, sessionID)
	p.mu.Unlock()
}
