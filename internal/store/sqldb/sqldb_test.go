package sqldb

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pirelay/relay/internal/store"
)

// openTestDB opens a fresh SQLite database in a temp dir and applies the
// initial schema.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	schema, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "sqlite", "0001_init.up.sql"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

func TestSessionCreateGetList(t *testing.T) {
	db := openTestDB(t)
	s := NewSessionStore(db)
	ctx := context.Background()

	row := &store.Session{
		ID:            "sess-1",
		Mode:          store.ModeCode,
		EnvironmentID: "env-1",
		RepoID:        "42",
		RepoFullName:  "org/repo",
		BranchName:    "pi/session-1",
	}
	if err := s.CreateSession(ctx, row); err != nil {
		t.Fatal(err)
	}
	if row.Status != store.StatusCreating {
		t.Errorf("default status = %s, want creating", row.Status)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Mode != store.ModeCode || got.RepoFullName != "org/repo" || got.EnvironmentID != "env-1" {
		t.Errorf("got %+v", got)
	}

	if _, err := s.GetSession(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing session err = %v, want ErrNotFound", err)
	}

	all, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("list returned %d rows", len(all))
	}
}

func TestCreateSessionCodeModeRequiresRepo(t *testing.T) {
	db := openTestDB(t)
	s := NewSessionStore(db)

	err := s.CreateSession(context.Background(), &store.Session{ID: "sess-1", Mode: store.ModeCode})
	if err == nil {
		t.Fatal("code mode without repoId should fail")
	}
}

func TestUpdateStatusArchivedIsTerminal(t *testing.T) {
	db := openTestDB(t)
	s := NewSessionStore(db)
	ctx := context.Background()

	if err := s.CreateSession(ctx, &store.Session{ID: "sess-1", Mode: store.ModeChat}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, "sess-1", store.StatusActive); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, "sess-1", store.StatusArchived); err != nil {
		t.Fatal(err)
	}

	// Any transition away from archived is refused.
	if err := s.UpdateStatus(ctx, "sess-1", store.StatusActive); !errors.Is(err, store.ErrArchived) {
		t.Errorf("err = %v, want ErrArchived", err)
	}
	// Re-archiving is a no-op, not an error.
	if err := s.UpdateStatus(ctx, "sess-1", store.StatusArchived); err != nil {
		t.Errorf("re-archive err = %v", err)
	}

	if err := s.UpdateStatus(ctx, "missing", store.StatusActive); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing row err = %v, want ErrNotFound", err)
	}
}

func TestSetSandboxRefAndModel(t *testing.T) {
	db := openTestDB(t)
	s := NewSessionStore(db)
	ctx := context.Background()

	if err := s.CreateSession(ctx, &store.Session{ID: "sess-1", Mode: store.ModeChat}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSandboxRef(ctx, "sess-1", "docker", "cid-1", "sha256:abc"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetModel(ctx, "sess-1", "anthropic", "claude-sonnet"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SandboxProviderKey != "docker" || got.SandboxProviderID != "cid-1" || got.ImageDigest != "sha256:abc" {
		t.Errorf("sandbox ref = %+v", got)
	}
	if got.ModelProvider != "anthropic" || got.ModelID != "claude-sonnet" {
		t.Errorf("model = %s/%s", got.ModelProvider, got.ModelID)
	}
}

func TestSetFirstUserMessageOnlyOnce(t *testing.T) {
	db := openTestDB(t)
	s := NewSessionStore(db)
	ctx := context.Background()

	if err := s.CreateSession(ctx, &store.Session{ID: "sess-1", Mode: store.ModeChat}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetFirstUserMessage(ctx, "sess-1", "first prompt"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetFirstUserMessage(ctx, "sess-1", "second prompt"); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetSession(ctx, "sess-1")
	if got.FirstUserMessage != "first prompt" {
		t.Errorf("first message = %q", got.FirstUserMessage)
	}
	if got.Name != "first prompt" {
		t.Errorf("derived name = %q", got.Name)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	db := openTestDB(t)
	sessions := NewSessionStore(db)
	journal := NewJournalStore(db)
	clients := NewClientStore(db)
	ctx := context.Background()

	if err := sessions.CreateSession(ctx, &store.Session{ID: "sess-1", Mode: store.ModeChat}); err != nil {
		t.Fatal(err)
	}
	if err := journal.InsertEvent(ctx, &store.JournalEvent{SessionID: "sess-1", Seq: 1, Type: "prompt", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatal(err)
	}
	if err := clients.UpsertClient(ctx, &store.ClientRegistration{SessionID: "sess-1", ClientID: "cl-1"}); err != nil {
		t.Fatal(err)
	}

	if err := sessions.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := sessions.GetSession(ctx, "sess-1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("session row survived delete")
	}
	if max, _ := journal.MaxSeq(ctx, "sess-1"); max != 0 {
		t.Error("journal rows survived delete")
	}
	if rows, _ := clients.ListClients(ctx, "sess-1"); len(rows) != 0 {
		t.Error("client rows survived delete")
	}
}

func TestJournalUniqueSeqEnforced(t *testing.T) {
	db := openTestDB(t)
	j := NewJournalStore(db)
	ctx := context.Background()

	e := &store.JournalEvent{SessionID: "sess-1", Seq: 1, Type: "prompt", Payload: json.RawMessage(`{"m":"hi"}`)}
	if err := j.InsertEvent(ctx, e); err != nil {
		t.Fatal(err)
	}
	if err := j.InsertEvent(ctx, e); err == nil {
		t.Error("duplicate (session_id, seq) accepted")
	}
}

func TestJournalEventsAfter(t *testing.T) {
	db := openTestDB(t)
	j := NewJournalStore(db)
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		if err := j.InsertEvent(ctx, &store.JournalEvent{SessionID: "sess-1", Seq: seq, Type: "response", Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatal(err)
		}
	}

	events, err := j.EventsAfter(ctx, "sess-1", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Seq != 3 || events[1].Seq != 4 {
		t.Errorf("events = %+v", events)
	}

	max, err := j.MaxSeq(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if max != 5 {
		t.Errorf("max = %d, want 5", max)
	}
	if max, _ := j.MaxSeq(ctx, "empty"); max != 0 {
		t.Errorf("empty session max = %d, want 0", max)
	}
}

func TestClientUpsertReplacesCapabilities(t *testing.T) {
	db := openTestDB(t)
	c := NewClientStore(db)
	ctx := context.Background()

	reg := &store.ClientRegistration{
		SessionID:    "sess-1",
		ClientID:     "cl-1",
		ClientKind:   store.ClientIOS,
		Capabilities: store.ClientCapabilities{NativeTools: false},
	}
	if err := c.UpsertClient(ctx, reg); err != nil {
		t.Fatal(err)
	}
	reg.Capabilities.NativeTools = true
	if err := c.UpsertClient(ctx, reg); err != nil {
		t.Fatal(err)
	}

	rows, err := c.ListClients(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1 (upsert should replace)", len(rows))
	}
	if !rows[0].Capabilities.NativeTools || rows[0].ClientKind != store.ClientIOS {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestEnvironmentRoundTrip(t *testing.T) {
	db := openTestDB(t)
	e := NewEnvironmentStore(db)
	ctx := context.Background()

	env := &store.Environment{
		ID:          "env-1",
		Name:        "default docker",
		SandboxType: "docker",
		Config: store.EnvironmentConfig{
			Image:          "ghcr.io/pirelay/agent:latest",
			ResourceTier:   store.TierMedium,
			IdleTimeoutSec: 600,
		},
	}
	if err := e.CreateEnvironment(ctx, env); err != nil {
		t.Fatal(err)
	}

	got, err := e.GetEnvironment(ctx, "env-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Config.Image != env.Config.Image || got.Config.ResourceTier != store.TierMedium {
		t.Errorf("config = %+v", got.Config)
	}

	got.Name = "renamed"
	got.Config.WorkerURL = "https://worker.example.com"
	if err := e.UpdateEnvironment(ctx, got); err != nil {
		t.Fatal(err)
	}
	again, _ := e.GetEnvironment(ctx, "env-1")
	if again.Name != "renamed" || again.Config.WorkerURL != "https://worker.example.com" {
		t.Errorf("updated = %+v", again)
	}

	if err := e.UpdateEnvironment(ctx, &store.Environment{ID: "missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("update missing err = %v", err)
	}

	if err := e.DeleteEnvironment(ctx, "env-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.GetEnvironment(ctx, "env-1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("environment survived delete")
	}
}

func TestSecretAndTokenStores(t *testing.T) {
	db := openTestDB(t)
	secrets := NewSecretStore(db)
	tokens := NewTokenStore(db)
	ctx := context.Background()

	row := &store.Secret{ID: "sec-1", EnvVar: "API_KEY", Enabled: true, Ciphertext: "sealed-1", KeyVersion: 1}
	if err := secrets.UpsertSecret(ctx, row); err != nil {
		t.Fatal(err)
	}
	row.Ciphertext = "sealed-2"
	if err := secrets.UpsertSecret(ctx, row); err != nil {
		t.Fatal(err)
	}

	got, err := secrets.GetSecret(ctx, "sec-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Ciphertext != "sealed-2" {
		t.Errorf("ciphertext = %q after upsert", got.Ciphertext)
	}

	if _, _, err := tokens.GetToken(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("empty token err = %v", err)
	}
	if err := tokens.SetToken(ctx, "sealed-token", 1); err != nil {
		t.Fatal(err)
	}
	if err := tokens.SetToken(ctx, "sealed-token-2", 2); err != nil {
		t.Fatal(err)
	}
	ciphertext, keyVersion, err := tokens.GetToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ciphertext != "sealed-token-2" || keyVersion != 2 {
		t.Errorf("token = %q v%d", ciphertext, keyVersion)
	}
	if err := tokens.DeleteToken(ctx); err != nil {
		t.Fatal(err)
	}
	if _, _, err := tokens.GetToken(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Error("token survived delete")
	}
}

func TestExtensionMutationFlagsSessionsStale(t *testing.T) {
	db := openTestDB(t)
	sessions := NewSessionStore(db)
	exts := NewExtensionStore(db)
	ctx := context.Background()

	if err := sessions.CreateSession(ctx, &store.Session{ID: "sess-live", Mode: store.ModeChat}); err != nil {
		t.Fatal(err)
	}
	if err := sessions.CreateSession(ctx, &store.Session{ID: "sess-done", Mode: store.ModeChat}); err != nil {
		t.Fatal(err)
	}
	if err := sessions.UpdateStatus(ctx, "sess-done", store.StatusArchived); err != nil {
		t.Fatal(err)
	}

	if err := exts.UpsertExtension(ctx, &store.Extension{ID: "ext-1", Name: "linter", Source: "ghcr.io/pi/linter"}); err != nil {
		t.Fatal(err)
	}

	live, err := sessions.GetSession(ctx, "sess-live")
	if err != nil {
		t.Fatal(err)
	}
	if !live.ExtensionsStale {
		t.Error("live session not flagged stale after extension upsert")
	}
	done, err := sessions.GetSession(ctx, "sess-done")
	if err != nil {
		t.Fatal(err)
	}
	if done.ExtensionsStale {
		t.Error("archived session flagged stale")
	}

	// A new sandbox carries the current set, so the flag clears.
	if err := sessions.SetExtensionsStale(ctx, "sess-live", false); err != nil {
		t.Fatal(err)
	}
	live, _ = sessions.GetSession(ctx, "sess-live")
	if live.ExtensionsStale {
		t.Error("flag survived clear")
	}

	// Removal is also a set change.
	if err := exts.DeleteExtension(ctx, "ext-1"); err != nil {
		t.Fatal(err)
	}
	live, _ = sessions.GetSession(ctx, "sess-live")
	if !live.ExtensionsStale {
		t.Error("live session not flagged stale after extension delete")
	}
	rows, err := exts.ListExtensions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("extensions after delete = %d, want 0", len(rows))
	}
}

func TestRebind(t *testing.T) {
	sqlite := &DB{driver: DriverSQLite}
	pg := &DB{driver: DriverPostgres}

	tests := []struct {
		in   string
		want string
	}{
		{"SELECT * FROM t WHERE a = $1 AND b = $2", "SELECT * FROM t WHERE a = ?1 AND b = ?2"},
		{"VALUES ($1,$2,$10)", "VALUES (?1,?2,?10)"},
		// Reused parameters keep one index so a single argument binds both.
		{"SET a = $1 WHERE b != 'x' OR b = $1", "SET a = ?1 WHERE b != 'x' OR b = ?1"},
		{"no placeholders", "no placeholders"},
	}
	for _, tt := range tests {
		if got := sqlite.rebind(tt.in); got != tt.want {
			t.Errorf("sqlite rebind(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if got := pg.rebind(tt.in); got != tt.in {
			t.Errorf("postgres rebind(%q) = %q, want passthrough", tt.in, got)
		}
	}
}
