package sandbox

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *captureWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *captureWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func collectMessages(c *JSONLChannel) (<-chan []byte, <-chan string) {
	msgs := make(chan []byte, 16)
	closed := make(chan string, 1)
	c.OnMessage(func(m []byte) { msgs <- m })
	c.OnClose(func(reason string) { closed <- reason })
	return msgs, closed
}

func waitMessage(t *testing.T, msgs <-chan []byte) []byte {
	t.Helper()
	select {
	case m := <-msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestSendAppendsNewline(t *testing.T) {
	stdin := &captureWriter{}
	c := NewJSONLChannel("s1", stdin, strings.NewReader(""), nil, nil)
	defer c.Close()

	if err := c.Send([]byte(`{"type":"prompt"}`)); err != nil {
		t.Fatal(err)
	}
	if got := stdin.String(); got != "{\"type\":\"prompt\"}\n" {
		t.Errorf("stdin = %q", got)
	}
}

func TestReadDeliversOneMessagePerLine(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	c := NewJSONLChannel("s1", &captureWriter{}, stdoutR, nil, nil)
	msgs, _ := collectMessages(c)

	go func() {
		io.WriteString(stdoutW, `{"a":1}`+"\n"+`{"b":2}`+"\n")
		stdoutW.Close()
	}()

	if got := string(waitMessage(t, msgs)); got != `{"a":1}` {
		t.Errorf("first message = %q", got)
	}
	if got := string(waitMessage(t, msgs)); got != `{"b":2}` {
		t.Errorf("second message = %q", got)
	}
}

func TestReadStripsANSIPrefix(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	c := NewJSONLChannel("s1", &captureWriter{}, stdoutR, nil, nil)
	msgs, _ := collectMessages(c)

	go func() {
		io.WriteString(stdoutW, "\x1b[2K\x1b[0m{\"a\":1}\n")
		stdoutW.Close()
	}()

	if got := string(waitMessage(t, msgs)); got != `{"a":1}` {
		t.Errorf("message = %q, want ANSI prefix stripped", got)
	}
}

func TestBlankLinesSkipped(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	c := NewJSONLChannel("s1", &captureWriter{}, stdoutR, nil, nil)
	msgs, _ := collectMessages(c)

	go func() {
		io.WriteString(stdoutW, "\n\x1b[0m\n{\"a\":1}\n")
		stdoutW.Close()
	}()

	if got := string(waitMessage(t, msgs)); got != `{"a":1}` {
		t.Errorf("message = %q, blank lines should be skipped", got)
	}
}

func TestCloseFiresOnCloseOnce(t *testing.T) {
	stdin := &captureWriter{}
	destroyed := 0
	c := NewJSONLChannel("s1", stdin, strings.NewReader(""), nil, func() { destroyed++ })

	closed := make(chan string, 2)
	c.OnClose(func(reason string) { closed <- reason })

	c.Close()
	c.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired")
	}
	select {
	case <-closed:
		t.Fatal("OnClose fired twice")
	case <-time.After(50 * time.Millisecond):
	}
	if destroyed != 1 {
		t.Errorf("destroy ran %d times, want 1", destroyed)
	}
	if !stdin.closed {
		t.Error("stdin not closed")
	}
}

func TestOnCloseAfterCloseFiresImmediately(t *testing.T) {
	c := NewJSONLChannel("s1", &captureWriter{}, strings.NewReader(""), nil, nil)
	c.Close()

	closed := make(chan string, 1)
	c.OnClose(func(reason string) { closed <- reason })

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("late OnClose registration never fired")
	}
}

func TestStdoutEOFClosesChannel(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	c := NewJSONLChannel("s1", &captureWriter{}, stdoutR, nil, nil)
	_, closed := collectMessages(c)

	stdoutW.Close()

	select {
	case reason := <-closed:
		if reason != "" {
			t.Errorf("clean EOF reason = %q, want empty", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel never closed on EOF")
	}
}

func TestSendAfterCloseIsNoop(t *testing.T) {
	stdin := &captureWriter{}
	c := NewJSONLChannel("s1", stdin, strings.NewReader(""), nil, nil)
	c.Close()

	if err := c.Send([]byte(`{}`)); err != nil {
		t.Fatalf("send after close returned %v", err)
	}
	if got := stdin.String(); got != "" {
		t.Errorf("stdin = %q, want nothing written", got)
	}
}

func TestStderrTailKeepsNewestLines(t *testing.T) {
	stderrR, stderrW := io.Pipe()
	c := NewJSONLChannel("s1", &captureWriter{}, strings.NewReader(""), stderrR, nil)
	defer c.Close()

	go func() {
		for i := 0; i < stderrRingSize+10; i++ {
			io.WriteString(stderrW, "line\n")
		}
		io.WriteString(stderrW, "final\n")
		stderrW.Close()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		tail := c.StderrTail()
		if len(tail) == stderrRingSize && tail[len(tail)-1] == "final" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("tail len=%d, want len=%d ending in final", len(tail), stderrRingSize)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStripANSIPrefix(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"color reset", "\x1b[0m{}", "{}"},
		{"stacked sequences", "\x1b[2K\x1b[1G{}", "{}"},
		{"mid-line escape untouched", `{"a":"[0m"}`, `{"a":"[0m"}`},
		{"only escape", "\x1b[0m", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(stripANSIPrefix([]byte(tt.in))); got != tt.want {
				t.Errorf("stripANSIPrefix(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
