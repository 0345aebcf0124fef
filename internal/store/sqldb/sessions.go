package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pirelay/relay/internal/store"
)

// SessionStore implements store.SessionStore.
type SessionStore struct {
	db *DB
}

func NewSessionStore(db *DB) *SessionStore { return &SessionStore{db: db} }

const sessionCols = `id, mode, status, sandbox_provider_key, sandbox_provider_id,
	environment_id, image_digest, repo_id, repo_path, branch_name, repo_full_name,
	model_provider, model_id, system_prompt, first_user_message, name,
	created_at, last_activity_at, extensions_stale`

func (s *SessionStore) CreateSession(ctx context.Context, row *store.Session) error {
	if row.Mode == store.ModeCode && row.RepoID == "" {
		return fmt.Errorf("mode=code requires repoId")
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.LastActivityAt.IsZero() {
		row.LastActivityAt = now
	}
	if row.Status == "" {
		row.Status = store.StatusCreating
	}
	_, err := s.db.ExecContext(ctx, s.db.rebind(
		`INSERT INTO sessions (`+sessionCols+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`),
		row.ID, row.Mode, row.Status, row.SandboxProviderKey, row.SandboxProviderID,
		row.EnvironmentID, row.ImageDigest, row.RepoID, row.RepoPath, row.BranchName, row.RepoFullName,
		row.ModelProvider, row.ModelID, row.SystemPrompt, row.FirstUserMessage, row.Name,
		row.CreatedAt, row.LastActivityAt, row.ExtensionsStale,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func scanSession(scan func(...any) error) (*store.Session, error) {
	var row store.Session
	err := scan(
		&row.ID, &row.Mode, &row.Status, &row.SandboxProviderKey, &row.SandboxProviderID,
		&row.EnvironmentID, &row.ImageDigest, &row.RepoID, &row.RepoPath, &row.BranchName, &row.RepoFullName,
		&row.ModelProvider, &row.ModelID, &row.SystemPrompt, &row.FirstUserMessage, &row.Name,
		&row.CreatedAt, &row.LastActivityAt, &row.ExtensionsStale,
	)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	r := s.db.QueryRowContext(ctx, s.db.rebind(
		`SELECT `+sessionCols+` FROM sessions WHERE id = $1`), id)
	row, err := scanSession(r.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return row, nil
}

func (s *SessionStore) ListSessions(ctx context.Context) ([]store.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionCols+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []store.Session
	for rows.Next() {
		row, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *row)
	}
	return out, rows.Err()
}

// UpdateStatus transitions the session status under a single UPDATE guarded
// against leaving the archived terminal state. The conditional WHERE makes
// the terminality check atomic with the write.
func (s *SessionStore) UpdateStatus(ctx context.Context, id string, status store.SessionStatus) error {
	res, err := s.db.ExecContext(ctx, s.db.rebind(
		`UPDATE sessions SET status = $1, last_activity_at = $2
		 WHERE id = $3 AND (status != 'archived' OR status = $1)`),
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either the row is missing or it is archived. Distinguish for callers.
		if _, err := s.GetSession(ctx, id); errors.Is(err, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return store.ErrArchived
	}
	return nil
}

func (s *SessionStore) SetSandboxRef(ctx context.Context, id, providerKey, providerID, imageDigest string) error {
	_, err := s.db.ExecContext(ctx, s.db.rebind(
		`UPDATE sessions SET sandbox_provider_key = $1, sandbox_provider_id = $2, image_digest = $3 WHERE id = $4`),
		providerKey, providerID, imageDigest, id)
	if err != nil {
		return fmt.Errorf("set sandbox ref: %w", err)
	}
	return nil
}

// SetFirstUserMessage records the first user turn; later calls are no-ops.
func (s *SessionStore) SetFirstUserMessage(ctx context.Context, id, message string) error {
	_, err := s.db.ExecContext(ctx, s.db.rebind(
		`UPDATE sessions SET first_user_message = $1, name = CASE WHEN name = '' THEN $1 ELSE name END
		 WHERE id = $2 AND first_user_message = ''`),
		message, id)
	if err != nil {
		return fmt.Errorf("set first user message: %w", err)
	}
	return nil
}

func (s *SessionStore) SetModel(ctx context.Context, id, modelProvider, modelID string) error {
	_, err := s.db.ExecContext(ctx, s.db.rebind(
		`UPDATE sessions SET model_provider = $1, model_id = $2 WHERE id = $3`),
		modelProvider, modelID, id)
	if err != nil {
		return fmt.Errorf("set model: %w", err)
	}
	return nil
}

func (s *SessionStore) SetName(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, s.db.rebind(
		`UPDATE sessions SET name = $1 WHERE id = $2`), name, id)
	if err != nil {
		return fmt.Errorf("set name: %w", err)
	}
	return nil
}

func (s *SessionStore) SetExtensionsStale(ctx context.Context, id string, stale bool) error {
	_, err := s.db.ExecContext(ctx, s.db.rebind(
		`UPDATE sessions SET extensions_stale = $1 WHERE id = $2`), stale, id)
	if err != nil {
		return fmt.Errorf("set extensions stale: %w", err)
	}
	return nil
}

func (s *SessionStore) TouchActivity(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.db.rebind(
		`UPDATE sessions SET last_activity_at = $1 WHERE id = $2`),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// DeleteSession hard-deletes the row plus journal and client rows in one
// transaction.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM journal_events WHERE session_id = $1`,
		`DELETE FROM session_clients WHERE session_id = $1`,
		`DELETE FROM sessions WHERE id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, s.db.rebind(q), id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	return tx.Commit()
}
