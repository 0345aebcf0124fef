package bridge

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWSURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://10.0.0.5:9100", "ws://10.0.0.5:9100"},
		{"https://bridge.example.com", "wss://bridge.example.com"},
		{"ws://already-ws", "ws://already-ws"},
	}
	for _, tt := range tests {
		if got := WSURL(tt.in); got != tt.want {
			t.Errorf("WSURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClientExec(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/exec" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"exitCode":2,"stdout":"out","stderr":"err"}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL).Exec(context.Background(), "false")
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 2 {
		t.Errorf("exit code = %d, want 2", res.ExitCode)
	}
	if res.Output != "outerr" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestClientBackupRestore(t *testing.T) {
	archive := []byte("gzip-tar-bytes")
	var restored []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/backup":
			w.Header().Set("Content-Type", "application/gzip")
			w.Write(archive)
		case r.Method == http.MethodPost && r.URL.Path == "/restore":
			restored, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	body, err := c.Backup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, archive) {
		t.Errorf("backup = %q", got)
	}

	if err := c.Restore(context.Background(), bytes.NewReader(got)); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored, archive) {
		t.Errorf("restore uploaded %q", restored)
	}
}

func TestClientRestoreError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "corrupt archive", http.StatusBadRequest)
	}))
	defer srv.Close()
	if err := NewClient(srv.URL).Restore(context.Background(), bytes.NewReader([]byte("x"))); err == nil {
		t.Error("restore of rejected archive reported no error")
	}
}

func TestClientHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","pi":"running","wsClients":1}`))
	}))
	defer healthy.Close()
	h, err := NewClient(healthy.URL).Health(context.Background())
	if err != nil {
		t.Fatalf("healthy bridge reported %v", err)
	}
	if h.Status != "ok" || h.Pi != "running" {
		t.Errorf("health = %+v", h)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	if _, err := NewClient(down.URL).Health(context.Background()); err == nil {
		t.Error("unhealthy bridge reported no error")
	}
}
