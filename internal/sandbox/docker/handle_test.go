package docker

import (
	"testing"

	"github.com/pirelay/relay/internal/sandbox"
)

func TestStatusHandlerReplacedOnReRegister(t *testing.T) {
	h := newHandle(nil, "cid-1", "sess-1", "sha256:abc", sandbox.StatusRunning)

	var first, second int
	h.OnStatusChange(func(sandbox.Status) { first++ })
	h.OnStatusChange(func(sandbox.Status) { second++ })

	h.setStatus(sandbox.StatusStopped)
	if first != 0 {
		t.Errorf("replaced handler fired %d times", first)
	}
	if second != 1 {
		t.Errorf("current handler fired %d times, want 1", second)
	}

	// Same status again: no transition, no callback.
	h.setStatus(sandbox.StatusStopped)
	if second != 1 {
		t.Errorf("handler fired on non-transition, count = %d", second)
	}
}
