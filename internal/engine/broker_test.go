package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pirelay/relay/internal/registry"
	"github.com/pirelay/relay/pkg/protocol"
)

// ownerClient is a registered, attached fake connection that records the
// tool frames it receives.
type ownerClient struct {
	mu     sync.Mutex
	frames []*protocol.Frame
}

func (o *ownerClient) send(f *protocol.Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, f)
	return nil
}

func (o *ownerClient) waitFrame(t *testing.T, eventType string) *protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		o.mu.Lock()
		for _, f := range o.frames {
			if f.Type == eventType {
				o.mu.Unlock()
				return f
			}
		}
		o.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no %s frame delivered", eventType)
	return nil
}

func newBrokerFixture(t *testing.T) (*NativeToolBroker, *ownerClient) {
	t.Helper()
	reg := registry.New()
	owner := &ownerClient{}
	reg.Register("conn-owner", owner.send)
	reg.Attach("conn-owner", "s1")
	b := NewNativeToolBroker(reg)
	b.SetOwner("s1", "conn-owner")
	return b, owner
}

func TestRequestCallResolvedByResponse(t *testing.T) {
	b, owner := newBrokerFixture(t)

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := b.RequestCall(context.Background(), "s1", "native_fs_read", json.RawMessage(`{"path":"a"}`))
		done <- outcome{res, err}
	}()

	frame := owner.waitFrame(t, protocol.EventNativeToolRequest)
	var req struct {
		CallID   string          `json:"callId"`
		ToolName string          `json:"toolName"`
		Args     json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		t.Fatal(err)
	}
	if req.CallID == "" || req.ToolName != "native_fs_read" {
		t.Fatalf("bad request payload: %s", frame.Payload)
	}

	b.Resolve(req.CallID, json.RawMessage(`{"data":"ok"}`), nil)

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatal(out.err)
		}
		if string(out.result) != `{"data":"ok"}` {
			t.Errorf("result = %s", out.result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestCall never returned")
	}
}

func TestRequestCallWithoutOwner(t *testing.T) {
	b := NewNativeToolBroker(registry.New())
	if _, err := b.RequestCall(context.Background(), "s1", "native_fs_read", nil); !errors.Is(err, ErrNoToolOwner) {
		t.Errorf("err = %v, want ErrNoToolOwner", err)
	}
}

func TestDuplicateAndStaleResolvesIgnored(t *testing.T) {
	b, owner := newBrokerFixture(t)

	errs := make(chan error, 1)
	go func() {
		_, err := b.RequestCall(context.Background(), "s1", "native_fs_read", nil)
		errs <- err
	}()

	frame := owner.waitFrame(t, protocol.EventNativeToolRequest)
	var req struct {
		CallID string `json:"callId"`
	}
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		t.Fatal(err)
	}

	// Unknown callIds never panic or resolve anything.
	b.Resolve("no-such-call", nil, nil)

	b.Resolve(req.CallID, nil, nil)
	if err := <-errs; err != nil {
		t.Fatal(err)
	}
	// First response won; the duplicate is dropped.
	b.Resolve(req.CallID, nil, errors.New("late failure"))
}

func TestContextCancelEmitsCancelEvent(t *testing.T) {
	b, owner := newBrokerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := b.RequestCall(ctx, "s1", "native_fs_read", nil)
		errs <- err
	}()
	owner.waitFrame(t, protocol.EventNativeToolRequest)

	cancel()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrToolAborted) {
			t.Errorf("err = %v, want ErrToolAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestCall ignored context cancellation")
	}
	owner.waitFrame(t, protocol.EventNativeToolCancel)
}

func TestCancelSessionFailsPendingCalls(t *testing.T) {
	b, owner := newBrokerFixture(t)

	errs := make(chan error, 1)
	go func() {
		_, err := b.RequestCall(context.Background(), "s1", "native_fs_read", nil)
		errs <- err
	}()
	owner.waitFrame(t, protocol.EventNativeToolRequest)

	b.CancelSession("s1")

	select {
	case err := <-errs:
		if !errors.Is(err, ErrToolAborted) {
			t.Errorf("err = %v, want ErrToolAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call survived session cancel")
	}
	owner.waitFrame(t, protocol.EventNativeToolCancel)
}

func TestOwnerDisconnectFailsOwnedCalls(t *testing.T) {
	b, owner := newBrokerFixture(t)

	errs := make(chan error, 1)
	go func() {
		_, err := b.RequestCall(context.Background(), "s1", "native_fs_read", nil)
		errs <- err
	}()
	owner.waitFrame(t, protocol.EventNativeToolRequest)

	b.ConnectionClosed("conn-owner")

	select {
	case err := <-errs:
		if !errors.Is(err, ErrToolOwnerLost) {
			t.Errorf("err = %v, want ErrToolOwnerLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call survived owner disconnect")
	}
	if _, ok := b.Owner("s1"); ok {
		t.Error("ownership survived disconnect")
	}
}

func TestLaterAttachmentDisplacesOwner(t *testing.T) {
	b, _ := newBrokerFixture(t)
	b.SetOwner("s1", "conn-newer")

	owner, ok := b.Owner("s1")
	if !ok || owner != "conn-newer" {
		t.Errorf("owner = %q, want conn-newer", owner)
	}

	// Closing the displaced connection leaves the new owner in place.
	b.ConnectionClosed("conn-owner")
	if owner, ok := b.Owner("s1"); !ok || owner != "conn-newer" {
		t.Errorf("owner after old conn closed = %q", owner)
	}
}
