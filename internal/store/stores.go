package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrArchived is returned when a write would transition a session away from
// archived. Archived is terminal.
var ErrArchived = errors.New("store: session is archived")

// SessionStore persists session rows. The row is created transactionally
// before any sandbox side effect.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	// UpdateStatus fails with ErrArchived when the current status is archived
	// and the target differs.
	UpdateStatus(ctx context.Context, id string, status SessionStatus) error
	// SetSandboxRef records which backend instance backs the session.
	// Empty providerID clears the reference.
	SetSandboxRef(ctx context.Context, id, providerKey, providerID, imageDigest string) error
	SetFirstUserMessage(ctx context.Context, id, message string) error
	SetModel(ctx context.Context, id, modelProvider, modelID string) error
	SetName(ctx context.Context, id, name string) error
	// SetExtensionsStale flips the staleness flag; cleared when a sandbox is
	// built from the current extension set.
	SetExtensionsStale(ctx context.Context, id string, stale bool) error
	TouchActivity(ctx context.Context, id string) error
	// DeleteSession removes the row plus its journal and client rows.
	DeleteSession(ctx context.Context, id string) error
}

// JournalStore persists journal events. Seq assignment lives in the journal
// package; the store only enforces the (session_id, seq) uniqueness.
type JournalStore interface {
	InsertEvent(ctx context.Context, e *JournalEvent) error
	EventsAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]JournalEvent, error)
	MaxSeq(ctx context.Context, sessionID string) (int64, error)
}

// EnvironmentStore persists environment rows.
type EnvironmentStore interface {
	CreateEnvironment(ctx context.Context, e *Environment) error
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	ListEnvironments(ctx context.Context) ([]Environment, error)
	UpdateEnvironment(ctx context.Context, e *Environment) error
	DeleteEnvironment(ctx context.Context, id string) error
}

// ClientStore persists per-session client registrations.
type ClientStore interface {
	UpsertClient(ctx context.Context, c *ClientRegistration) error
	ListClients(ctx context.Context, sessionID string) ([]ClientRegistration, error)
}

// ExtensionStore persists the extension registry. Mutations also mark every
// non-archived session extensions-stale, in the same transaction.
type ExtensionStore interface {
	UpsertExtension(ctx context.Context, e *Extension) error
	ListExtensions(ctx context.Context) ([]Extension, error)
	DeleteExtension(ctx context.Context, id string) error
}

// SecretStore persists encrypted secrets. Values are sealed/opened by the
// secrets vault, not here.
type SecretStore interface {
	UpsertSecret(ctx context.Context, s *Secret) error
	GetSecret(ctx context.Context, id string) (*Secret, error)
	ListSecrets(ctx context.Context) ([]Secret, error)
	DeleteSecret(ctx context.Context, id string) error
}

// TokenStore persists the single GitHub token (sealed).
type TokenStore interface {
	SetToken(ctx context.Context, ciphertext string, keyVersion int) error
	GetToken(ctx context.Context) (ciphertext string, keyVersion int, err error)
	DeleteToken(ctx context.Context) error
}

// Stores aggregates every store the relay uses.
type Stores struct {
	Sessions     SessionStore
	Journal      JournalStore
	Environments EnvironmentStore
	Clients      ClientStore
	Secrets      SecretStore
	Tokens       TokenStore
	Extensions   ExtensionStore
}

// RawPayload marshals v for use as an opaque journal/event payload.
func RawPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
