// Package sandbox defines the provider abstraction the relay uses to run
// agent processes in isolated environments: a Provider creates and inspects
// sandboxes, a Handle drives one sandbox's lifecycle, and a Channel is the
// framed JSON-line duplex to the agent's standard I/O.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/pirelay/relay/internal/store"
)

// Status is a sandbox's lifecycle position as reported by the backend.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Capabilities advertises what a provider's sandboxes support.
type Capabilities struct {
	LosslessPause  bool `json:"losslessPause"`
	PersistentDisk bool `json:"persistentDisk"`
	Exec           bool `json:"exec"`
}

// ResourceLimits are the concrete caps a resource tier maps to.
type ResourceLimits struct {
	CPUShares int64
	MemoryMiB int64
}

// LimitsForTier maps the symbolic tier to concrete caps. Unknown tiers get
// the small limits.
func LimitsForTier(tier store.ResourceTier) ResourceLimits {
	switch tier {
	case store.TierMedium:
		return ResourceLimits{CPUShares: 1024, MemoryMiB: 2048}
	case store.TierLarge:
		return ResourceLimits{CPUShares: 2048, MemoryMiB: 4096}
	default:
		return ResourceLimits{CPUShares: 512, MemoryMiB: 1024}
	}
}

// CreateOptions carries everything a provider needs to build a sandbox.
type CreateOptions struct {
	SessionID          string
	Environment        *store.Environment
	Secrets            map[string]string
	RepoURL            string
	RepoBranch         string
	GitHubToken        string
	GitAuthorName      string
	GitAuthorEmail     string
	NativeToolsEnabled bool
	ResourceTier       store.ResourceTier
}

// Info describes one provider-owned sandbox for listing.
type Info struct {
	SessionID  string    `json:"sessionId"`
	ProviderID string    `json:"providerId"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ExecResult is the outcome of a command run inside the sandbox.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output"`
}

// Sandbox state errors shared by all providers.
var (
	ErrNotRunning      = errors.New("sandbox: not running")
	ErrPaused          = errors.New("sandbox: paused; resume before attaching")
	ErrNotFound        = errors.New("sandbox: not found")
	ErrExecUnsupported = errors.New("exec unsupported")
)

// MessageHandler receives one complete line from the sandbox's stdout.
type MessageHandler func(line []byte)

// CloseHandler fires exactly once when the channel closes; reason may be "".
type CloseHandler func(reason string)

// StatusHandler fires on every handle state transition.
type StatusHandler func(status Status)

// Channel is the framed JSON-line duplex over an attached sandbox's standard
// I/O. Channels never parse payloads.
type Channel interface {
	// Send writes the message followed by one newline to sandbox stdin.
	// No-op when closed.
	Send(message []byte) error
	// OnMessage registers the line handler. Leading ANSI escape sequences
	// are stripped before delivery.
	OnMessage(h MessageHandler)
	// OnClose registers the close handler; it fires exactly once.
	OnClose(h CloseHandler)
	// Close is idempotent; it destroys the underlying stream and clears all
	// handlers.
	Close()
}

// PtyHandle streams a login shell in raw mode.
type PtyHandle interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Resize(cols, rows int) error
	Close() error
}

// Handle drives one sandbox. Handles are exclusively owned by the session
// engine that created or re-acquired them.
type Handle interface {
	ProviderID() string
	ImageDigest() string
	Status() Status
	Capabilities() Capabilities

	// Attach produces the live channel. Starts a stopped sandbox first;
	// fails with ErrPaused when paused. At most one live channel exists per
	// handle: a prior channel is closed before the new one is returned.
	Attach(ctx context.Context) (Channel, error)
	// Resume refreshes on-host secret material and ends in running.
	// A no-op when already running.
	Resume(ctx context.Context, secrets map[string]string, githubToken string) error
	// Pause closes any live channel and parks the sandbox. Callers must
	// check Capabilities().LosslessPause or accept a restart.
	Pause(ctx context.Context) error
	// Exec runs a shell command; only valid in running.
	Exec(ctx context.Context, command string) (*ExecResult, error)
	// OpenPty opens a raw-mode login shell; only valid in running.
	OpenPty(ctx context.Context, cols, rows int) (PtyHandle, error)
	// Terminate closes the channel, stops, and removes the sandbox.
	Terminate(ctx context.Context) error
	// OnStatusChange registers h for every state transition, replacing any
	// previously registered handler. Re-arming a session must not stack
	// reconcile callbacks.
	OnStatusChange(h StatusHandler)

	// StderrTail returns the most recent stderr lines captured from the
	// sandbox, oldest first.
	StderrTail() []string
}

// Provider is the backend strategy. Implementations are interchangeable;
// the engine never looks past this surface.
type Provider interface {
	Key() string
	IsAvailable(ctx context.Context) error
	Capabilities() Capabilities
	// CreateSandbox is cached per session id: a second call for a session
	// with a running sandbox returns the same handle.
	CreateSandbox(ctx context.Context, opts CreateOptions) (Handle, error)
	// GetSandbox reconstructs a handle from backend inspection.
	GetSandbox(ctx context.Context, providerID string) (Handle, error)
	ListSandboxes(ctx context.Context) ([]Info, error)
	// Cleanup reaps exited sandboxes and their host-side artifacts.
	Cleanup(ctx context.Context) error
}
