package sqldb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pirelay/relay/internal/store"
)

// ClientStore implements store.ClientStore.
type ClientStore struct {
	db *DB
}

func NewClientStore(db *DB) *ClientStore { return &ClientStore{db: db} }

func (s *ClientStore) UpsertClient(ctx context.Context, c *store.ClientRegistration) error {
	c.UpdatedAt = time.Now().UTC()
	if c.ClientKind == "" {
		c.ClientKind = store.ClientUnknown
	}
	caps, err := json.Marshal(c.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	q := `INSERT INTO session_clients (session_id, client_id, client_kind, capabilities, updated_at)
	      VALUES ($1,$2,$3,$4,$5)` +
		s.db.upsertSuffix("session_id, client_id", "client_kind", "capabilities", "updated_at")
	_, err = s.db.ExecContext(ctx, s.db.rebind(q),
		c.SessionID, c.ClientID, c.ClientKind, caps, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}
	return nil
}

func (s *ClientStore) ListClients(ctx context.Context, sessionID string) ([]store.ClientRegistration, error) {
	rows, err := s.db.QueryContext(ctx, s.db.rebind(
		`SELECT session_id, client_id, client_kind, capabilities, updated_at
		 FROM session_clients WHERE session_id = $1 ORDER BY updated_at`),
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var out []store.ClientRegistration
	for rows.Next() {
		var c store.ClientRegistration
		var caps []byte
		if err := rows.Scan(&c.SessionID, &c.ClientID, &c.ClientKind, &caps, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		if err := json.Unmarshal(caps, &c.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
