package secrets

import (
	"context"
	"sync"
	"testing"

	"github.com/pirelay/relay/internal/store"
)

type memSecretStore struct {
	mu   sync.Mutex
	rows map[string]store.Secret
}

func newMemSecretStore() *memSecretStore {
	return &memSecretStore{rows: make(map[string]store.Secret)}
}

func (m *memSecretStore) UpsertSecret(ctx context.Context, row *store.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[row.ID] = *row
	return nil
}

func (m *memSecretStore) GetSecret(ctx context.Context, id string) (*store.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &row, nil
}

func (m *memSecretStore) ListSecrets(ctx context.Context) ([]store.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Secret, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, row)
	}
	return out, nil
}

func (m *memSecretStore) DeleteSecret(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

type memTokenStore struct {
	mu         sync.Mutex
	ciphertext string
	keyVersion int
	set        bool
}

func (m *memTokenStore) SetToken(ctx context.Context, ciphertext string, keyVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ciphertext, m.keyVersion, m.set = ciphertext, keyVersion, true
	return nil
}

func (m *memTokenStore) GetToken(ctx context.Context) (string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return "", 0, store.ErrNotFound
	}
	return m.ciphertext, m.keyVersion, nil
}

func (m *memTokenStore) DeleteToken(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = false
	return nil
}

func newTestVault(t *testing.T) (*Vault, *memSecretStore, *memTokenStore) {
	t.Helper()
	cipher, err := NewCipher(testKey(t), 1)
	if err != nil {
		t.Fatal(err)
	}
	ss, ts := newMemSecretStore(), &memTokenStore{}
	return NewVault(cipher, ss, ts), ss, ts
}

func TestVaultSetStoresCiphertextOnly(t *testing.T) {
	v, ss, _ := newTestVault(t)
	ctx := context.Background()

	row, err := v.Set(ctx, "", "API key", "API_KEY", "api", "plain-value", true)
	if err != nil {
		t.Fatal(err)
	}
	if row.ID == "" {
		t.Error("Set did not assign an id")
	}
	stored := ss.rows[row.ID]
	if stored.Ciphertext == "plain-value" || stored.Ciphertext == "" {
		t.Errorf("stored ciphertext = %q", stored.Ciphertext)
	}
	if stored.KeyVersion != 1 {
		t.Errorf("key version = %d, want 1", stored.KeyVersion)
	}

	got, err := v.Get(ctx, row.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != "plain-value" {
		t.Errorf("Get = %q", got)
	}
}

func TestVaultGetAllAsEnvSkipsDisabled(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	if _, err := v.Set(ctx, "", "", "ENABLED_ONE", "", "v1", true); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Set(ctx, "", "", "DISABLED_ONE", "", "v2", false); err != nil {
		t.Fatal(err)
	}

	env, err := v.GetAllAsEnv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if env["ENABLED_ONE"] != "v1" {
		t.Errorf("ENABLED_ONE = %q", env["ENABLED_ONE"])
	}
	if _, ok := env["DISABLED_ONE"]; ok {
		t.Error("disabled secret leaked into env")
	}
}

func TestVaultGitHubTokenRoundTrip(t *testing.T) {
	v, _, ts := newTestVault(t)
	ctx := context.Background()

	// Absent token is empty, not an error.
	tok, err := v.GitHubToken(ctx)
	if err != nil || tok != "" {
		t.Fatalf("empty vault token = %q, err %v", tok, err)
	}

	if err := v.SetGitHubToken(ctx, "ghp_secret"); err != nil {
		t.Fatal(err)
	}
	if ts.ciphertext == "ghp_secret" {
		t.Error("token stored in the clear")
	}
	tok, err = v.GitHubToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "ghp_secret" {
		t.Errorf("token = %q", tok)
	}

	if err := v.DeleteGitHubToken(ctx); err != nil {
		t.Fatal(err)
	}
	tok, err = v.GitHubToken(ctx)
	if err != nil || tok != "" {
		t.Errorf("deleted token = %q, err %v", tok, err)
	}
}
