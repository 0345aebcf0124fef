// Package journal provides the append-only per-session event log. Seq values
// are strictly increasing and gap-free per session, starting at 1.
package journal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pirelay/relay/internal/store"
)

// Journal assigns sequence numbers under a per-session lock so concurrent
// appends never produce duplicates or gaps. On insert failure the counter
// does not advance.
type Journal struct {
	store store.JournalStore

	mu   sync.Mutex
	seqs map[string]*sessionSeq
}

type sessionSeq struct {
	mu     sync.Mutex
	last   int64
	loaded bool
}

func New(js store.JournalStore) *Journal {
	return &Journal{store: js, seqs: make(map[string]*sessionSeq)}
}

func (j *Journal) session(id string) *sessionSeq {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.seqs[id]
	if !ok {
		s = &sessionSeq{}
		j.seqs[id] = s
	}
	return s
}

// Append persists one event with the next seq and returns the full record.
// Payloads are opaque; no schema validation happens here.
func (j *Journal) Append(ctx context.Context, sessionID, eventType string, payload json.RawMessage) (*store.JournalEvent, error) {
	s := j.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		max, err := j.store.MaxSeq(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		s.last = max
		s.loaded = true
	}

	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	event := &store.JournalEvent{
		SessionID: sessionID,
		Seq:       s.last + 1,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := j.store.InsertEvent(ctx, event); err != nil {
		// Counter untouched: the failed seq will be retried, never skipped.
		return nil, err
	}
	s.last = event.Seq
	return event, nil
}

// ReadAfter returns up to limit events with seq > afterSeq in ascending
// order, plus the maximum seq known for the session (even when no events
// fall in the requested range).
func (j *Journal) ReadAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]store.JournalEvent, int64, error) {
	events, err := j.store.EventsAfter(ctx, sessionID, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	lastSeq, err := j.LastSeq(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}
	return events, lastSeq, nil
}

// LastSeq returns the maximum seq for the session, 0 when empty.
func (j *Journal) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	s := j.session(sessionID)
	s.mu.Lock()
	if s.loaded {
		last := s.last
		s.mu.Unlock()
		return last, nil
	}
	s.mu.Unlock()
	return j.store.MaxSeq(ctx, sessionID)
}

// Forget drops the in-memory seq counter after a session is deleted. The
// next append for the same id (which should never happen) would re-read the
// store rather than resume a stale counter.
func (j *Journal) Forget(sessionID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.seqs, sessionID)
}
