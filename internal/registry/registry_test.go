package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pirelay/relay/pkg/protocol"
)

// frameSink collects frames delivered to one fake connection.
type frameSink struct {
	mu     sync.Mutex
	frames []*protocol.Frame
	refuse bool
}

func (s *frameSink) send(f *protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse {
		return errors.New("queue full")
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *frameSink) all() []*protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Frame(nil), s.frames...)
}

func TestBroadcastAssignsPerConnectionSeqs(t *testing.T) {
	r := New()
	a, b, c := &frameSink{}, &frameSink{}, &frameSink{}
	r.Register("conn-a", a.send)
	r.Register("conn-b", b.send)
	r.Register("conn-c", c.send)
	r.Attach("conn-a", "s1")
	r.Attach("conn-b", "s1")

	for i := 0; i < 3; i++ {
		r.BroadcastEvent("s1", "response", json.RawMessage(`{"i":1}`))
	}

	for name, sink := range map[string]*frameSink{"conn-a": a, "conn-b": b} {
		frames := sink.all()
		if len(frames) != 3 {
			t.Fatalf("%s got %d frames, want 3", name, len(frames))
		}
		for i, f := range frames {
			if f.Seq != int64(i+1) {
				t.Errorf("%s frame %d seq = %d, want %d", name, i, f.Seq, i+1)
			}
			if f.Type != "response" || f.SessionID != "s1" {
				t.Errorf("%s frame %d = %s/%s", name, i, f.Type, f.SessionID)
			}
		}
	}
	if got := len(c.all()); got != 0 {
		t.Errorf("unattached connection got %d frames, want 0", got)
	}
}

func TestDetachStopsDelivery(t *testing.T) {
	r := New()
	a := &frameSink{}
	r.Register("conn-a", a.send)
	r.Attach("conn-a", "s1")
	r.BroadcastEvent("s1", "response", nil)
	r.Detach("conn-a", "s1")
	r.BroadcastEvent("s1", "response", nil)

	if got := len(a.all()); got != 1 {
		t.Errorf("got %d frames after detach, want 1", got)
	}
	if r.Attached("s1") {
		t.Error("Attached() = true after detach")
	}
}

func TestResumeReplaysUndeliveredEvents(t *testing.T) {
	r := New()
	a := &frameSink{}
	r.Register("conn-a", a.send)
	r.Attach("conn-a", "s1")

	payloads := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`, `{"n":5}`}
	for _, p := range payloads {
		r.BroadcastEvent("s1", "response", json.RawMessage(p))
	}

	// The client acked seq 3 before the connection dropped.
	r.Remove("conn-a")

	b := &frameSink{}
	r.Register("conn-b", b.send)
	replayed := r.Resume("conn-b", "conn-a", map[string]int64{"s1": 3})

	if replayed["s1"] != 2 {
		t.Fatalf("replayed = %d, want 2", replayed["s1"])
	}
	frames := b.all()
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	// Replay carries fresh per-connection seqs starting at 1.
	for i, f := range frames {
		if f.Seq != int64(i+1) {
			t.Errorf("frame %d seq = %d, want %d", i, f.Seq, i+1)
		}
	}
	if string(frames[0].Payload) != `{"n":4}` || string(frames[1].Payload) != `{"n":5}` {
		t.Errorf("replayed payloads = %s, %s", frames[0].Payload, frames[1].Payload)
	}

	// Live delivery continues with seqs after the replay.
	r.BroadcastEvent("s1", "response", json.RawMessage(`{"n":6}`))
	frames = b.all()
	if frames[2].Seq != 3 {
		t.Errorf("post-replay seq = %d, want 3", frames[2].Seq)
	}
}

func TestResumeCaughtUpSessionReplaysNothing(t *testing.T) {
	r := New()
	a := &frameSink{}
	r.Register("conn-a", a.send)
	r.Attach("conn-a", "s1")
	r.BroadcastEvent("s1", "response", nil)
	r.Remove("conn-a")

	b := &frameSink{}
	r.Register("conn-b", b.send)
	replayed := r.Resume("conn-b", "conn-a", map[string]int64{"s1": 1})

	n, ok := replayed["s1"]
	if !ok {
		t.Fatal("caught-up session missing from replay report")
	}
	if n != 0 {
		t.Errorf("replayed = %d, want 0", n)
	}
	if !r.Attached("s1") {
		t.Error("resume did not re-attach the session")
	}
}

func TestResumeUnknownPriorConnection(t *testing.T) {
	r := New()
	b := &frameSink{}
	r.Register("conn-b", b.send)
	r.BroadcastEvent("s1", "response", nil)

	replayed := r.Resume("conn-b", "never-existed", map[string]int64{"s1": 0})
	if _, ok := replayed["s1"]; ok {
		t.Error("unknown prior connection should not report a resumed session")
	}
	// Still attached for future events.
	if !r.Attached("s1") {
		t.Error("resume did not attach the session")
	}
}

func TestReplayBufferCapEviction(t *testing.T) {
	r := New()
	r.maxBuf = 3
	a := &frameSink{}
	r.Register("conn-a", a.send)
	r.Attach("conn-a", "s1")
	for i := 0; i < 5; i++ {
		r.BroadcastEvent("s1", "response", json.RawMessage(`{}`))
	}
	r.Remove("conn-a")

	b := &frameSink{}
	r.Register("conn-b", b.send)
	// The client saw nothing, but only the newest 3 events survive.
	replayed := r.Resume("conn-b", "conn-a", map[string]int64{"s1": 0})
	if replayed["s1"] != 3 {
		t.Errorf("replayed = %d, want 3", replayed["s1"])
	}
}

func TestReplayWindowEviction(t *testing.T) {
	r := New()
	r.window = 10 * time.Millisecond
	a := &frameSink{}
	r.Register("conn-a", a.send)
	r.Attach("conn-a", "s1")

	r.BroadcastEvent("s1", "response", json.RawMessage(`{"old":true}`))
	time.Sleep(20 * time.Millisecond)
	r.BroadcastEvent("s1", "response", json.RawMessage(`{"new":true}`))
	r.Remove("conn-a")

	b := &frameSink{}
	r.Register("conn-b", b.send)
	replayed := r.Resume("conn-b", "conn-a", map[string]int64{"s1": 0})
	if replayed["s1"] != 1 {
		t.Fatalf("replayed = %d, want 1", replayed["s1"])
	}
	if string(b.all()[0].Payload) != `{"new":true}` {
		t.Errorf("replayed payload = %s, want the newer event", b.all()[0].Payload)
	}
}

func TestSendToConnectionIsDirected(t *testing.T) {
	r := New()
	a, b := &frameSink{}, &frameSink{}
	r.Register("conn-a", a.send)
	r.Register("conn-b", b.send)
	r.Attach("conn-a", "s1")
	r.Attach("conn-b", "s1")

	if err := r.SendToConnection("conn-a", "s1", "native_tool_request", json.RawMessage(`{"callId":"c1"}`)); err != nil {
		t.Fatal(err)
	}
	if got := len(b.all()); got != 0 {
		t.Fatalf("non-target connection got %d frames, want 0", got)
	}
	frames := a.all()
	if len(frames) != 1 || frames[0].Seq != 1 || frames[0].Type != "native_tool_request" {
		t.Fatalf("unexpected directed frame: %+v", frames[0])
	}

	// Directed events consume the receiver's seq; broadcasts account for it.
	r.BroadcastEvent("s1", "response", nil)
	if got := a.all()[1].Seq; got != 2 {
		t.Errorf("target seq after broadcast = %d, want 2", got)
	}
	if got := b.all()[0].Seq; got != 1 {
		t.Errorf("bystander seq = %d, want 1", got)
	}
}

func TestSendToConnectionErrors(t *testing.T) {
	r := New()
	a := &frameSink{}
	r.Register("conn-a", a.send)

	if err := r.SendToConnection("ghost", "s1", "x", nil); err == nil {
		t.Error("expected error for unknown connection")
	}
	if err := r.SendToConnection("conn-a", "s1", "x", nil); err == nil {
		t.Error("expected error for unattached session")
	}
}

func TestSlowConsumerDoesNotStallBroadcast(t *testing.T) {
	r := New()
	slow, ok := &frameSink{refuse: true}, &frameSink{}
	r.Register("conn-slow", slow.send)
	r.Register("conn-ok", ok.send)
	r.Attach("conn-slow", "s1")
	r.Attach("conn-ok", "s1")

	r.BroadcastEvent("s1", "response", nil)

	if got := len(ok.all()); got != 1 {
		t.Errorf("healthy connection got %d frames, want 1", got)
	}
	if got := len(slow.all()); got != 0 {
		t.Errorf("slow connection got %d frames, want 0", got)
	}
}

func TestGhostPrunedAfterWindow(t *testing.T) {
	r := New()
	r.window = time.Millisecond
	a := &frameSink{}
	r.Register("conn-a", a.send)
	r.Attach("conn-a", "s1")
	r.BroadcastEvent("s1", "response", nil)
	r.Remove("conn-a")

	time.Sleep(5 * time.Millisecond)
	// Any Remove prunes expired ghosts.
	r.Register("conn-x", (&frameSink{}).send)
	r.Remove("conn-x")

	b := &frameSink{}
	r.Register("conn-b", b.send)
	replayed := r.Resume("conn-b", "conn-a", map[string]int64{"s1": 0})
	if _, ok := replayed["s1"]; ok {
		t.Error("expired ghost should not allow replay positioning")
	}
}
