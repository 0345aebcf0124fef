package sqldb

import (
	"context"
	"fmt"

	"github.com/pirelay/relay/internal/store"
)

// JournalStore implements store.JournalStore. Seq assignment happens in the
// journal package; the UNIQUE(session_id, seq) constraint is the backstop.
type JournalStore struct {
	db *DB
}

func NewJournalStore(db *DB) *JournalStore { return &JournalStore{db: db} }

func (j *JournalStore) InsertEvent(ctx context.Context, e *store.JournalEvent) error {
	_, err := j.db.ExecContext(ctx, j.db.rebind(
		`INSERT INTO journal_events (session_id, seq, type, payload, created_at)
		 VALUES ($1,$2,$3,$4,$5)`),
		e.SessionID, e.Seq, e.Type, []byte(e.Payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert journal event: %w", err)
	}
	return nil
}

func (j *JournalStore) EventsAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]store.JournalEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, j.db.rebind(
		`SELECT session_id, seq, type, payload, created_at
		 FROM journal_events WHERE session_id = $1 AND seq > $2
		 ORDER BY seq ASC LIMIT $3`),
		sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	var out []store.JournalEvent
	for rows.Next() {
		var e store.JournalEvent
		var payload []byte
		if err := rows.Scan(&e.SessionID, &e.Seq, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal event: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *JournalStore) MaxSeq(ctx context.Context, sessionID string) (int64, error) {
	var max int64
	err := j.db.QueryRowContext(ctx, j.db.rebind(
		`SELECT COALESCE(MAX(seq), 0) FROM journal_events WHERE session_id = $1`),
		sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return max, nil
}
