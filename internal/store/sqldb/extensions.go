package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/pirelay/relay/internal/store"
)

// ExtensionStore implements store.ExtensionStore. Mutations run in a
// transaction that also marks every non-archived session extensions-stale,
// so live sandboxes are known to carry an outdated set.
type ExtensionStore struct {
	db *DB
}

func NewExtensionStore(db *DB) *ExtensionStore { return &ExtensionStore{db: db} }

const markSessionsStale = `UPDATE sessions SET extensions_stale = TRUE WHERE status != 'archived'`

func (s *ExtensionStore) UpsertExtension(ctx context.Context, row *store.Extension) error {
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	q := `INSERT INTO extensions (id, name, source, enabled, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6)` +
		s.db.upsertSuffix("id", "name", "source", "enabled", "updated_at")
	return s.mutate(ctx, "upsert extension", q,
		row.ID, row.Name, row.Source, row.Enabled, row.CreatedAt, row.UpdatedAt)
}

func (s *ExtensionStore) DeleteExtension(ctx context.Context, id string) error {
	return s.mutate(ctx, "delete extension", `DELETE FROM extensions WHERE id = $1`, id)
}

func (s *ExtensionStore) mutate(ctx context.Context, op, query string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.rebind(query), args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, err := tx.ExecContext(ctx, markSessionsStale); err != nil {
		return fmt.Errorf("%s: flag sessions: %w", op, err)
	}
	return tx.Commit()
}

func (s *ExtensionStore) ListExtensions(ctx context.Context) ([]store.Extension, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, source, enabled, created_at, updated_at FROM extensions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list extensions: %w", err)
	}
	defer rows.Close()

	var out []store.Extension
	for rows.Next() {
		var row store.Extension
		if err := rows.Scan(&row.ID, &row.Name, &row.Source, &row.Enabled, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan extension: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
