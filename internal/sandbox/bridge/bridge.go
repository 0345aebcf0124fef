// Package bridge speaks to the process that every sandbox image embeds: an
// HTTP endpoint for health, exec, and backup/restore of persistent state, and
// a WebSocket that carries the agent's stdin/stdout as one JSON document per
// message. The worker and microVM providers both reach their sandboxes
// through it.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pirelay/relay/internal/sandbox"
)

// Health is the bridge's /health report.
type Health struct {
	Status    string `json:"status"`
	Pi        string `json:"pi"`
	WSClients int    `json:"wsClients"`
}

// Client issues HTTP calls against one bridge.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a bridge client for the given http(s) base URL.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: 60 * time.Second}}
}

// Health probes the bridge.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge health: %s", resp.Status)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Exec runs one shell command inside the sandbox.
func (c *Client) Exec(ctx context.Context, command string) (*sandbox.ExecResult, error) {
	raw, _ := json.Marshal(map[string]string{"command": command})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/exec", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bridge exec: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	var out struct {
		ExitCode int    `json:"exitCode"`
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &sandbox.ExecResult{ExitCode: out.ExitCode, Output: out.Stdout + out.Stderr}, nil
}

// Backup streams a gzip tar of the sandbox's persistent directories. The
// caller owns the returned reader.
func (c *Client) Backup(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/backup", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("bridge backup: %s", resp.Status)
	}
	return resp.Body, nil
}

// Restore ingests a backup archive; the bridge starts the agent if it was
// waiting on restored state.
func (c *Client) Restore(ctx context.Context, archive io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/restore", archive)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/gzip")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("bridge restore: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

// StartAgent asks the bridge to (re)start the agent process.
func (c *Client) StartAgent(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/start-pi", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("bridge start-pi: %s", resp.Status)
	}
	return nil
}

// WSURL rewrites an http(s) bridge base into its WebSocket form.
func WSURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}

// Channel adapts a bridge WebSocket to the sandbox Channel contract. The
// bridge already frames the agent's stdin/stdout as one JSON document per
// message, so no line scanning happens on this path.
type Channel struct {
	sessionID string
	conn      *websocket.Conn

	mu        sync.Mutex
	onMessage sandbox.MessageHandler
	onClose   sandbox.CloseHandler
	closed    bool
	reason    string
}

// Dial opens the agent channel on a bridge.
func Dial(ctx context.Context, sessionID, baseURL string) (*Channel, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, WSURL(baseURL), nil)
	if err != nil {
		return nil, err
	}
	c := &Channel{sessionID: sessionID, conn: conn}
	go c.readLoop()
	return c, nil
}

func (c *Channel) Send(message []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, message); err != nil {
		c.closeWith("bridge write failed: " + err.Error())
		return err
	}
	return nil
}

func (c *Channel) OnMessage(h sandbox.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = h
}

func (c *Channel) OnClose(h sandbox.CloseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		go h(c.reason)
		return
	}
	c.onClose = h
}

func (c *Channel) Close() { c.closeWith("") }

func (c *Channel) closeWith(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.reason = reason
	h := c.onClose
	c.onMessage = nil
	c.onClose = nil
	c.mu.Unlock()

	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	if h != nil {
		go h(reason)
	}
}

func (c *Channel) readLoop() {
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.closeWith("")
			} else {
				slog.Debug("bridge read ended", "session", c.sessionID, "error", err)
				c.closeWith("bridge read failed: " + err.Error())
			}
			return
		}
		c.mu.Lock()
		h := c.onMessage
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if h != nil {
			h(data)
		}
	}
}
