package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/pirelay/relay/internal/sandbox"
)

// Handle drives one Docker container.
type Handle struct {
	provider  *Provider
	id        string
	sessionID string
	digest    string

	mu       sync.Mutex
	status   sandbox.Status
	channel  *sandbox.JSONLChannel
	statusFn sandbox.StatusHandler
}

func newHandle(p *Provider, containerID, sessionID, digest string, status sandbox.Status) *Handle {
	return &Handle{provider: p, id: containerID, sessionID: sessionID, digest: digest, status: status}
}

func (h *Handle) ProviderID() string  { return h.id }
func (h *Handle) ImageDigest() string { return h.digest }

func (h *Handle) Status() sandbox.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) Capabilities() sandbox.Capabilities {
	return h.provider.Capabilities()
}

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

// Attach hijacks the container's standard streams and wraps them in a JSONL
// channel. A stopped container is started first; a paused one must be resumed
// by the caller.
func (h *Handle) Attach(ctx context.Context) (sandbox.Channel, error) {
	switch h.Status() {
	case sandbox.StatusPaused:
		return nil, sandbox.ErrPaused
	case sandbox.StatusStopped:
		if err := h.provider.cli.ContainerStart(ctx, h.id, container.StartOptions{}); err != nil {
			return nil, fmt.Errorf("restart container: %w", err)
		}
		h.setStatus(sandbox.StatusRunning)
	case sandbox.StatusRunning:
	default:
		return nil, sandbox.ErrNotRunning
	}

	h.mu.Lock()
	if h.channel != nil {
		old := h.channel
		h.channel = nil
		h.mu.Unlock()
		old.Close()
		h.mu.Lock()
	}
	h.mu.Unlock()

	resp, err := h.provider.cli.ContainerAttach(ctx, h.id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}

	// The attach stream multiplexes stdout and stderr; demux into pipes so
	// the channel sees clean per-stream readers.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, resp.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	ch := sandbox.NewJSONLChannel(h.sessionID, resp.Conn, stdoutR, stderrR, func() {
		resp.Close()
	})

	h.mu.Lock()
	h.channel = ch
	h.mu.Unlock()
	return ch, nil
}

// Resume rewrites the session's secret material and unpauses or restarts the
// container as needed.
func (h *Handle) Resume(ctx context.Context, secrets map[string]string, githubToken string) error {
	if _, err := sandbox.WriteSecretsDir(h.provider.secretsBaseDir, h.sessionID, secrets); err != nil {
		return err
	}
	dirs, err := sandbox.PrepareHostDirs(h.provider.stateDir, h.sessionID)
	if err != nil {
		return err
	}
	if err := sandbox.WriteGitDir(dirs.Git, githubToken, "", ""); err != nil {
		return err
	}

	switch h.Status() {
	case sandbox.StatusRunning:
		return nil
	case sandbox.StatusPaused:
		if err := h.provider.cli.ContainerUnpause(ctx, h.id); err != nil {
			return fmt.Errorf("unpause container: %w", err)
		}
	case sandbox.StatusStopped:
		if err := h.provider.cli.ContainerStart(ctx, h.id, container.StartOptions{}); err != nil {
			return fmt.Errorf("restart container: %w", err)
		}
	default:
		return sandbox.ErrNotRunning
	}
	h.setStatus(sandbox.StatusRunning)
	return nil
}

// Pause closes the live channel and freezes the container. Docker pause is
// lossless: in-memory agent state survives.
func (h *Handle) Pause(ctx context.Context) error {
	if h.Status() != sandbox.StatusRunning {
		return sandbox.ErrNotRunning
	}
	h.closeChannel()
	if err := h.provider.cli.ContainerPause(ctx, h.id); err != nil {
		return fmt.Errorf("pause container: %w", err)
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

// Exec runs a shell command in the container and collects combined output.
func (h *Handle) Exec(ctx context.Context, command string) (*sandbox.ExecResult, error) {
	if h.Status() != sandbox.StatusRunning {
		return nil, sandbox.ErrNotRunning
	}
	create, err := h.provider.cli.ContainerExecCreate(ctx, h.id, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   "/workspace",
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}
	attach, err := h.provider.cli.ContainerExecAttach(ctx, create.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, attach.Reader); err != nil {
		return nil, fmt.Errorf("exec read: %w", err)
	}
	inspect, err := h.provider.cli.ContainerExecInspect(ctx, create.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect: %w", err)
	}
	return &sandbox.ExecResult{ExitCode: inspect.ExitCode, Output: out.String()}, nil
}

// cloneRepo checks out the session's repository into the workspace. The token
// rides only in the transient clone URL; origin is rewritten to the clean URL
// afterwards so the token never lands in the repo config.
func (h *Handle) cloneRepo(ctx context.Context, opts sandbox.CreateOptions) error {
	cloneURL, err := sandbox.CloneURLWithToken(opts.RepoURL, opts.GitHubToken)
	if err != nil {
		return err
	}
	branchArg := ""
	if opts.RepoBranch != "" {
		branchArg = fmt.Sprintf("--branch %q ", opts.RepoBranch)
	}
	cmd := fmt.Sprintf("git clone --depth 1 %s%q /workspace/repo && git -C /workspace/repo remote set-url origin %q",
		branchArg, cloneURL, sandbox.CleanCloneURL(opts.RepoURL))
	res, err := h.Exec(ctx, cmd)
	if err != nil {
		return fmt.Errorf("clone repo: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("clone repo: exit %d: %s", res.ExitCode, res.Output)
	}
	return nil
}

// OpenPty opens an interactive login shell over a TTY exec.
func (h *Handle) OpenPty(ctx context.Context, cols, rows int) (sandbox.PtyHandle, error) {
	if h.Status() != sandbox.StatusRunning {
		return nil, sandbox.ErrNotRunning
	}
	create, err := h.provider.cli.ContainerExecCreate(ctx, h.id, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-l"},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		WorkingDir:   "/workspace",
	})
	if err != nil {
		return nil, fmt.Errorf("pty create: %w", err)
	}
	attach, err := h.provider.cli.ContainerExecAttach(ctx, create.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("pty attach: %w", err)
	}
	pty := &dockerPty{handle: h, execID: create.ID, conn: attach.Conn, reader: attach.Reader, close: attach.Close}
	if cols > 0 && rows > 0 {
		_ = pty.Resize(cols, rows)
	}
	return pty, nil
}

type dockerPty struct {
	handle *Handle
	execID string
	conn   io.Writer
	reader io.Reader
	close  func()
}

func (p *dockerPty) Write(b []byte) (int, error) { return p.conn.Write(b) }
func (p *dockerPty) Read(b []byte) (int, error)  { return p.reader.Read(b) }

func (p *dockerPty) Resize(cols, rows int) error {
	return p.handle.provider.cli.ContainerExecResize(context.Background(), p.execID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
}

func (p *dockerPty) Close() error {
	p.close()
	return nil
}

// Terminate stops and removes the container and all host-side artifacts.
func (h *Handle) Terminate(ctx context.Context) error {
	h.closeChannel()
	timeout := 10
	if err := h.provider.cli.ContainerStop(ctx, h.id, container.StopOptions{Timeout: &timeout}); err != nil {
		// Stop failure is tolerable; force removal below.
		_ = err
	}
	if err := h.provider.cli.ContainerRemove(ctx, h.id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	h.setStatus(sandbox.StatusStopped)
	_ = sandbox.RemoveHostDirs(h.provider.stateDir, h.sessionID)
	_ = sandbox.RemoveSecretsDir(h.provider.secretsBaseDir, h.sessionID)
	h.provider.forget(h.sessionID)
	return nil
}

// StderrTail returns the live channel's captured stderr, if any.
func (h *Handle) StderrTail() []string {
	h.mu.Lock()
	ch := h.channel
	h.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.StderrTail()
}
