package worker

import "testing"

func TestProviderIDRoundTrip(t *testing.T) {
	tests := []struct {
		workerURL string
		id        string
	}{
		{"https://worker-1.example.com", "sbx-abc"},
		{"http://10.0.0.5:9100", "sbx-def"},
		// Fragments in the URL are tolerated: the split uses the last '#'.
		{"https://worker.example.com/base#frag", "sbx-ghi"},
	}
	for _, tt := range tests {
		joined := joinProviderID(tt.workerURL, tt.id)
		gotURL, gotID, err := splitProviderID(joined)
		if err != nil {
			t.Fatal(err)
		}
		if gotURL != tt.workerURL || gotID != tt.id {
			t.Errorf("split(%q) = %q, %q", joined, gotURL, gotID)
		}
	}
}

func TestSplitProviderIDMalformed(t *testing.T) {
	if _, _, err := splitProviderID("no-separator"); err == nil {
		t.Error("expected error for id without separator")
	}
}
