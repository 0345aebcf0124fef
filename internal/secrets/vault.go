package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pirelay/relay/internal/store"
)

// Vault is the encrypted secret store the rest of the relay talks to.
// Rows hold ciphertext; values cross the Vault boundary only as plaintext
// destined for a sandbox's private secrets mount.
type Vault struct {
	cipher *Cipher
	store  store.SecretStore
	tokens store.TokenStore
}

func NewVault(cipher *Cipher, secretStore store.SecretStore, tokenStore store.TokenStore) *Vault {
	return &Vault{cipher: cipher, store: secretStore, tokens: tokenStore}
}

// Set seals and upserts one secret. A zero id creates a new row.
func (v *Vault) Set(ctx context.Context, id, name, envVar, kind, value string, enabled bool) (*store.Secret, error) {
	sealed, err := v.cipher.Seal(value)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	row := &store.Secret{
		ID:         id,
		Name:       name,
		EnvVar:     envVar,
		Kind:       kind,
		Enabled:    enabled,
		Ciphertext: sealed,
		KeyVersion: v.cipher.KeyVersion(),
	}
	if err := v.store.UpsertSecret(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Get opens one secret's value.
func (v *Vault) Get(ctx context.Context, id string) (string, error) {
	row, err := v.store.GetSecret(ctx, id)
	if err != nil {
		return "", err
	}
	return v.cipher.Open(row.Ciphertext, row.KeyVersion)
}

// List returns secret metadata without values.
func (v *Vault) List(ctx context.Context) ([]store.Secret, error) {
	return v.store.ListSecrets(ctx)
}

// Delete removes a secret.
func (v *Vault) Delete(ctx context.Context, id string) error {
	return v.store.DeleteSecret(ctx, id)
}

// GetAllAsEnv returns the decrypted env-var name → value mapping of every
// enabled secret. This is the only capability the sandbox providers consume.
func (v *Vault) GetAllAsEnv(ctx context.Context) (map[string]string, error) {
	rows, err := v.store.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(rows))
	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		value, err := v.cipher.Open(row.Ciphertext, row.KeyVersion)
		if err != nil {
			return nil, fmt.Errorf("open secret %s: %w", row.EnvVar, err)
		}
		env[row.EnvVar] = value
	}
	return env, nil
}

// SetGitHubToken seals and stores the GitHub token.
func (v *Vault) SetGitHubToken(ctx context.Context, token string) error {
	sealed, err := v.cipher.Seal(token)
	if err != nil {
		return err
	}
	return v.tokens.SetToken(ctx, sealed, v.cipher.KeyVersion())
}

// GitHubToken returns the decrypted GitHub token, or "" when none is stored.
func (v *Vault) GitHubToken(ctx context.Context) (string, error) {
	sealed, keyVersion, err := v.tokens.GetToken(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v.cipher.Open(sealed, keyVersion)
}

// DeleteGitHubToken removes the stored token.
func (v *Vault) DeleteGitHubToken(ctx context.Context) error {
	return v.tokens.DeleteToken(ctx)
}
