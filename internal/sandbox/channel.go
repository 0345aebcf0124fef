package sandbox

import (
	"bufio"
	"io"
	"log/slog"
	"sync"
)

// stderrRingSize bounds the in-memory stderr tail kept per channel.
const stderrRingSize = 200

// maxLineBytes bounds one stdout line; agent frames are small, but a
// runaway process must not grow the scanner buffer unbounded.
const maxLineBytes = 4 * 1024 * 1024

// JSONLChannel is the framed JSON-line duplex used by every provider: writes
// go to sandbox stdin with a trailing newline, reads deliver one handler call
// per complete stdout line. Payloads are never parsed here.
type JSONLChannel struct {
	sessionID string

	mu        sync.Mutex
	stdin     io.WriteCloser
	onMessage MessageHandler
	onClose   CloseHandler
	closed    bool
	reason    string

	stderrMu   sync.Mutex
	stderrRing []string

	destroy func() // tears down the underlying stream; may be nil
}

// NewJSONLChannel wires a channel over the sandbox's attached streams.
// stdout is drained on a goroutine; stderr (optional) is drained
// concurrently into the log and the ring. destroy tears down the transport
// on Close.
func NewJSONLChannel(sessionID string, stdin io.WriteCloser, stdout io.Reader, stderr io.Reader, destroy func()) *JSONLChannel {
	c := &JSONLChannel{sessionID: sessionID, stdin: stdin, destroy: destroy}
	go c.readLoop(stdout)
	if stderr != nil {
		go c.stderrLoop(stderr)
	}
	return c
}

func (c *JSONLChannel) Send(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if _, err := c.stdin.Write(append(message, '\n')); err != nil {
		c.closeLocked("stdin write failed: " + err.Error())
		return err
	}
	return nil
}

func (c *JSONLChannel) OnMessage(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = h
}

func (c *JSONLChannel) OnClose(h CloseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		// Already closed: fire immediately so callers never wait forever.
		go h(c.reason)
		return
	}
	c.onClose = h
}

func (c *JSONLChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked("")
}

func (c *JSONLChannel) closeLocked(reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.reason = reason
	c.stdin.Close()
	if c.destroy != nil {
		c.destroy()
	}
	if h := c.onClose; h != nil {
		go h(reason)
	}
	c.onMessage = nil
	c.onClose = nil
}

func (c *JSONLChannel) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := stripANSIPrefix(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		c.mu.Lock()
		h := c.onMessage
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if h != nil {
			// Copy: the scanner reuses its buffer on the next Scan.
			h(append([]byte(nil), line...))
		}
	}
	reason := ""
	if err := scanner.Err(); err != nil {
		reason = "stdout read failed: " + err.Error()
	}
	c.mu.Lock()
	c.closeLocked(reason)
	c.mu.Unlock()
}

func (c *JSONLChannel) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		slog.Debug("sandbox stderr", "session", c.sessionID, "line", line)
		c.stderrMu.Lock()
		c.stderrRing = append(c.stderrRing, line)
		if len(c.stderrRing) > stderrRingSize {
			c.stderrRing = c.stderrRing[len(c.stderrRing)-stderrRingSize:]
		}
		c.stderrMu.Unlock()
	}
}

// StderrTail returns the captured stderr lines, oldest first.
func (c *JSONLChannel) StderrTail() []string {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	return append([]string(nil), c.stderrRing...)
}

// stripANSIPrefix removes ANSI escape sequences at the start of a line. The
// agent writes clean JSONL, but shells and runtimes sometimes prepend cursor
// or color resets.
func stripANSIPrefix(line []byte) []byte {
	for len(line) >= 2 && line[0] == 0x1b && line[1] == '[' {
		i := 2
		for i < len(line) {
			b := line[i]
			if b >= 0x40 && b <= 0x7e { // final byte of a CSI sequence
				i++
				break
			}
			i++
		}
		line = line[i:]
	}
	return line
}
