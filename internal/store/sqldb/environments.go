package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pirelay/relay/internal/store"
)

// EnvironmentStore implements store.EnvironmentStore. The config blob is
// stored as JSON so provider-specific fields never need schema changes.
type EnvironmentStore struct {
	db *DB
}

func NewEnvironmentStore(db *DB) *EnvironmentStore { return &EnvironmentStore{db: db} }

func (s *EnvironmentStore) CreateEnvironment(ctx context.Context, e *store.Environment) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	cfg, err := json.Marshal(e.Config)
	if err != nil {
		return fmt.Errorf("marshal environment config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.rebind(
		`INSERT INTO environments (id, name, sandbox_type, config, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`),
		e.ID, e.Name, e.SandboxType, cfg, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert environment: %w", err)
	}
	return nil
}

func (s *EnvironmentStore) GetEnvironment(ctx context.Context, id string) (*store.Environment, error) {
	var e store.Environment
	var cfg []byte
	err := s.db.QueryRowContext(ctx, s.db.rebind(
		`SELECT id, name, sandbox_type, config, created_at, updated_at FROM environments WHERE id = $1`),
		id).Scan(&e.ID, &e.Name, &e.SandboxType, &cfg, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get environment: %w", err)
	}
	if err := json.Unmarshal(cfg, &e.Config); err != nil {
		return nil, fmt.Errorf("decode environment config: %w", err)
	}
	return &e, nil
}

func (s *EnvironmentStore) ListEnvironments(ctx context.Context) ([]store.Environment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, sandbox_type, config, created_at, updated_at FROM environments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	var out []store.Environment
	for rows.Next() {
		var e store.Environment
		var cfg []byte
		if err := rows.Scan(&e.ID, &e.Name, &e.SandboxType, &cfg, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		if err := json.Unmarshal(cfg, &e.Config); err != nil {
			return nil, fmt.Errorf("decode environment config: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *EnvironmentStore) UpdateEnvironment(ctx context.Context, e *store.Environment) error {
	e.UpdatedAt = time.Now().UTC()
	cfg, err := json.Marshal(e.Config)
	if err != nil {
		return fmt.Errorf("marshal environment config: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.rebind(
		`UPDATE environments SET name = $1, sandbox_type = $2, config = $3, updated_at = $4 WHERE id = $5`),
		e.Name, e.SandboxType, cfg, e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("update environment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *EnvironmentStore) DeleteEnvironment(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.db.rebind(`DELETE FROM environments WHERE id = $1`), id)
	if err != nil {
		return fmt.Errorf("delete environment: %w", err)
	}
	return nil
}
