package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pirelay/relay/internal/store"
)

// SecretStore implements store.SecretStore. Ciphertext arrives already sealed
// by the secrets vault.
type SecretStore struct {
	db *DB
}

func NewSecretStore(db *DB) *SecretStore { return &SecretStore{db: db} }

func (s *SecretStore) UpsertSecret(ctx context.Context, row *store.Secret) error {
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	q := `INSERT INTO secrets (id, name, env_var, kind, enabled, ciphertext, key_version, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)` +
		s.db.upsertSuffix("id", "name", "env_var", "kind", "enabled", "ciphertext", "key_version", "updated_at")
	_, err := s.db.ExecContext(ctx, s.db.rebind(q),
		row.ID, row.Name, row.EnvVar, row.Kind, row.Enabled, row.Ciphertext, row.KeyVersion, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert secret: %w", err)
	}
	return nil
}

func (s *SecretStore) GetSecret(ctx context.Context, id string) (*store.Secret, error) {
	var row store.Secret
	err := s.db.QueryRowContext(ctx, s.db.rebind(
		`SELECT id, name, env_var, kind, enabled, ciphertext, key_version, created_at, updated_at
		 FROM secrets WHERE id = $1`), id).
		Scan(&row.ID, &row.Name, &row.EnvVar, &row.Kind, &row.Enabled, &row.Ciphertext, &row.KeyVersion, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return &row, nil
}

func (s *SecretStore) ListSecrets(ctx context.Context) ([]store.Secret, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, env_var, kind, enabled, ciphertext, key_version, created_at, updated_at
		 FROM secrets ORDER BY env_var`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var out []store.Secret
	for rows.Next() {
		var row store.Secret
		if err := rows.Scan(&row.ID, &row.Name, &row.EnvVar, &row.Kind, &row.Enabled, &row.Ciphertext, &row.KeyVersion, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SecretStore) DeleteSecret(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.db.rebind(`DELETE FROM secrets WHERE id = $1`), id)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

// TokenStore implements store.TokenStore for the single GitHub token row.
type TokenStore struct {
	db *DB
}

func NewTokenStore(db *DB) *TokenStore { return &TokenStore{db: db} }

func (s *TokenStore) SetToken(ctx context.Context, ciphertext string, keyVersion int) error {
	q := `INSERT INTO github_tokens (id, ciphertext, key_version, updated_at)
	      VALUES (1,$1,$2,$3)` +
		s.db.upsertSuffix("id", "ciphertext", "key_version", "updated_at")
	_, err := s.db.ExecContext(ctx, s.db.rebind(q), ciphertext, keyVersion, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set token: %w", err)
	}
	return nil
}

func (s *TokenStore) GetToken(ctx context.Context) (string, int, error) {
	var ciphertext string
	var keyVersion int
	err := s.db.QueryRowContext(ctx,
		`SELECT ciphertext, key_version FROM github_tokens WHERE id = 1`).
		Scan(&ciphertext, &keyVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, store.ErrNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("get token: %w", err)
	}
	return ciphertext, keyVersion, nil
}

func (s *TokenStore) DeleteToken(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM github_tokens WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}
