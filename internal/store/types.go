package store

import (
	"encoding/json"
	"time"
)

// SessionMode selects what kind of workspace the sandbox is prepared with.
type SessionMode string

const (
	ModeChat SessionMode = "chat"
	ModeCode SessionMode = "code"
)

// SessionStatus is the session state machine position. The DB row is the
// source of truth; provider inspection may force a reconcile.
type SessionStatus string

const (
	StatusCreating SessionStatus = "creating"
	StatusActive   SessionStatus = "active"
	StatusIdle     SessionStatus = "idle"
	StatusArchived SessionStatus = "archived"
	StatusError    SessionStatus = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool { return s == StatusArchived }

// Session is one conversational unit with a backing sandbox.
type Session struct {
	ID                 string        `json:"id"`
	Mode               SessionMode   `json:"mode"`
	Status             SessionStatus `json:"status"`
	SandboxProviderKey string        `json:"sandboxProviderKey,omitempty"`
	SandboxProviderID  string        `json:"sandboxProviderId,omitempty"`
	EnvironmentID      string        `json:"environmentId"`
	ImageDigest        string        `json:"imageDigest,omitempty"`

	RepoID       string `json:"repoId,omitempty"`
	RepoPath     string `json:"repoPath,omitempty"`
	BranchName   string `json:"branchName,omitempty"`
	RepoFullName string `json:"repoFullName,omitempty"`

	ModelProvider string `json:"modelProvider,omitempty"`
	ModelID       string `json:"modelId,omitempty"`
	SystemPrompt  string `json:"systemPrompt,omitempty"`

	FirstUserMessage string `json:"firstUserMessage,omitempty"`
	Name             string `json:"name,omitempty"`

	CreatedAt       time.Time `json:"createdAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	ExtensionsStale bool      `json:"extensionsStale,omitempty"`
}

// ResourceTier is the symbolic resource class mapped to CPU/memory caps by
// the sandbox providers.
type ResourceTier string

const (
	TierSmall  ResourceTier = "small"
	TierMedium ResourceTier = "medium"
	TierLarge  ResourceTier = "large"
)

// EnvironmentConfig is the provider-facing part of an environment row.
type EnvironmentConfig struct {
	Image          string       `json:"image"`
	WorkerURL      string       `json:"workerUrl,omitempty"`
	BaseSecretID   string       `json:"baseSecretId,omitempty"`
	IdleTimeoutSec int          `json:"idleTimeoutSec,omitempty"`
	ResourceTier   ResourceTier `json:"resourceTier,omitempty"`
}

// Environment names a sandbox backend plus its configuration.
type Environment struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	SandboxType string            `json:"sandboxType"` // docker | worker | microvm
	Config      EnvironmentConfig `json:"config"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// IdleTimeout returns the configured idle timeout, defaulting to 5 minutes.
func (e *Environment) IdleTimeout() time.Duration {
	if e.Config.IdleTimeoutSec > 0 {
		return time.Duration(e.Config.IdleTimeoutSec) * time.Second
	}
	return 5 * time.Minute
}

// JournalEvent is one durable event in a session's append-only log.
// Seq is strictly increasing and gap-free per session, starting at 1.
type JournalEvent struct {
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ClientKind identifies the client application family.
type ClientKind string

const (
	ClientWeb     ClientKind = "web"
	ClientIOS     ClientKind = "ios"
	ClientMacOS   ClientKind = "macos"
	ClientUnknown ClientKind = "unknown"
)

// ClientCapabilities records what a registered client can execute for the agent.
type ClientCapabilities struct {
	NativeTools bool `json:"nativeTools"`
}

// ClientRegistration binds a client id to a session with its capabilities.
type ClientRegistration struct {
	SessionID    string             `json:"sessionId"`
	ClientID     string             `json:"clientId"`
	ClientKind   ClientKind         `json:"clientKind"`
	Capabilities ClientCapabilities `json:"capabilities"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Extension is one agent extension installed into session sandboxes at
// materialization. Mutating the set marks every non-archived session
// extensionsStale; the flag clears when the session next gets a sandbox
// built from the current set.
type Extension struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Source    string    `json:"source"` // what the sandbox installs from
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Secret is one encrypted environment variable. Ciphertext is sealed with the
// relay encryption key; KeyVersion records which key sealed it.
type Secret struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	EnvVar     string    `json:"envVar"`
	Kind       string    `json:"kind,omitempty"`
	Enabled    bool      `json:"enabled"`
	Ciphertext string    `json:"-"`
	KeyVersion int       `json:"keyVersion"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
