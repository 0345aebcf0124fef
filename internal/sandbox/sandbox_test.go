package sandbox

import "testing"

// Clients match on this message verbatim, so it is part of the API.
func TestExecUnsupportedMessage(t *testing.T) {
	if got := ErrExecUnsupported.Error(); got != "exec unsupported" {
		t.Errorf("message = %q, want %q", got, "exec unsupported")
	}
}
