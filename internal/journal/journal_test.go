package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pirelay/relay/internal/store"
)

// memJournalStore is an in-memory store.JournalStore with an injectable
// insert failure.
type memJournalStore struct {
	mu      sync.Mutex
	events  map[string][]store.JournalEvent
	failing bool
}

func newMemJournalStore() *memJournalStore {
	return &memJournalStore{events: make(map[string][]store.JournalEvent)}
}

func (m *memJournalStore) InsertEvent(ctx context.Context, e *store.JournalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("insert refused")
	}
	for _, existing := range m.events[e.SessionID] {
		if existing.Seq == e.Seq {
			return fmt.Errorf("duplicate seq %d", e.Seq)
		}
	}
	m.events[e.SessionID] = append(m.events[e.SessionID], *e)
	return nil
}

func (m *memJournalStore) EventsAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]store.JournalEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.JournalEvent
	for _, e := range m.events[sessionID] {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memJournalStore) MaxSeq(ctx context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int64
	for _, e := range m.events[sessionID] {
		if e.Seq > max {
			max = e.Seq
		}
	}
	return max, nil
}

func TestAppendAssignsSequentialSeqs(t *testing.T) {
	j := New(newMemJournalStore())
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		e, err := j.Append(ctx, "s1", "response", json.RawMessage(`{"n":1}`))
		if err != nil {
			t.Fatal(err)
		}
		if e.Seq != want {
			t.Fatalf("seq = %d, want %d", e.Seq, want)
		}
	}

	// A second session sequences independently from 1.
	e, err := j.Append(ctx, "s2", "response", nil)
	if err != nil {
		t.Fatal(err)
	}
	if e.Seq != 1 {
		t.Errorf("other session seq = %d, want 1", e.Seq)
	}
}

func TestAppendResumesFromStoredMax(t *testing.T) {
	ms := newMemJournalStore()
	ctx := context.Background()

	ms.events["s1"] = []store.JournalEvent{{SessionID: "s1", Seq: 7, Type: "response"}}

	j := New(ms)
	e, err := j.Append(ctx, "s1", "response", nil)
	if err != nil {
		t.Fatal(err)
	}
	if e.Seq != 8 {
		t.Errorf("seq = %d, want 8", e.Seq)
	}
}

func TestFailedInsertDoesNotAdvanceSeq(t *testing.T) {
	ms := newMemJournalStore()
	j := New(ms)
	ctx := context.Background()

	if _, err := j.Append(ctx, "s1", "response", nil); err != nil {
		t.Fatal(err)
	}

	ms.failing = true
	if _, err := j.Append(ctx, "s1", "response", nil); err == nil {
		t.Fatal("expected insert failure")
	}
	ms.failing = false

	// The failed seq is reused, never skipped.
	e, err := j.Append(ctx, "s1", "response", nil)
	if err != nil {
		t.Fatal(err)
	}
	if e.Seq != 2 {
		t.Errorf("seq after retry = %d, want 2", e.Seq)
	}
}

func TestConcurrentAppendsStayGapFree(t *testing.T) {
	ms := newMemJournalStore()
	j := New(ms)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := j.Append(ctx, "s1", "response", nil); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	events, _ := ms.EventsAfter(ctx, "s1", 0, n+1)
	if len(events) != n {
		t.Fatalf("got %d events, want %d", len(events), n)
	}
	seen := make(map[int64]bool, n)
	for _, e := range events {
		seen[e.Seq] = true
	}
	for s := int64(1); s <= n; s++ {
		if !seen[s] {
			t.Errorf("missing seq %d", s)
		}
	}
}

func TestEmptyPayloadBecomesEmptyObject(t *testing.T) {
	ms := newMemJournalStore()
	j := New(ms)

	e, err := j.Append(context.Background(), "s1", "status", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(e.Payload) != `{}` {
		t.Errorf("payload = %s, want {}", e.Payload)
	}
}

func TestReadAfterReturnsLastSeq(t *testing.T) {
	j := New(newMemJournalStore())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := j.Append(ctx, "s1", "response", nil); err != nil {
			t.Fatal(err)
		}
	}

	events, lastSeq, err := j.ReadAfter(ctx, "s1", 2, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Seq != 3 || events[1].Seq != 4 {
		t.Errorf("seqs = %d,%d, want 3,4", events[0].Seq, events[1].Seq)
	}
	if lastSeq != 4 {
		t.Errorf("lastSeq = %d, want 4", lastSeq)
	}

	// Out-of-range reads still report the session's max seq.
	events, lastSeq, err = j.ReadAfter(ctx, "s1", 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 || lastSeq != 4 {
		t.Errorf("got %d events lastSeq=%d, want 0 events lastSeq=4", len(events), lastSeq)
	}
}

func TestForgetReloadsFromStore(t *testing.T) {
	ms := newMemJournalStore()
	j := New(ms)
	ctx := context.Background()

	if _, err := j.Append(ctx, "s1", "response", nil); err != nil {
		t.Fatal(err)
	}
	j.Forget("s1")

	e, err := j.Append(ctx, "s1", "response", nil)
	if err != nil {
		t.Fatal(err)
	}
	if e.Seq != 2 {
		t.Errorf("seq = %d, want 2", e.Seq)
	}
}
