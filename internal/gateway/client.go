package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pirelay/relay/internal/store"
	"github.com/pirelay/relay/pkg/protocol"
)

const (
	// outboundQueue bounds the per-connection send buffer. A full queue
	// drops events; the client recovers via resume or get_messages.
	outboundQueue = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second

	maxFrameBytes = 4 * 1024 * 1024
)

// errQueueFull reports a slow consumer to the registry's send path.
var errQueueFull = errors.New("outbound queue full")

// ClientSession is one client WebSocket: a read loop that routes request
// frames and a write pump draining the outbound queue.
type ClientSession struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send chan *protocol.Frame

	mu        sync.Mutex
	didHello  bool
	caps      store.ClientCapabilities // advertised in hello
	closeOnce sync.Once
	closed    chan struct{}
}

func newClientSession(conn *websocket.Conn, s *Server) *ClientSession {
	return &ClientSession{
		id:     uuid.Must(uuid.NewV7()).String(),
		conn:   conn,
		server: s,
		send:   make(chan *protocol.Frame, outboundQueue),
		closed: make(chan struct{}),
	}
}

// ID returns the server-assigned connection id.
func (c *ClientSession) ID() string { return c.id }

func (c *ClientSession) helloed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.didHello
}

func (c *ClientSession) markHelloed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.didHello {
		return false
	}
	c.didHello = true
	return true
}

func (c *ClientSession) setCapabilities(caps store.ClientCapabilities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caps = caps
}

// capabilities returns what the client advertised in hello. Used as the
// default when session.attach carries no capabilities of its own.
func (c *ClientSession) capabilities() store.ClientCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// SendFrame queues one frame without blocking. A full queue returns
// errQueueFull and the frame is dropped for this connection.
func (c *ClientSession) SendFrame(f *protocol.Frame) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		return errQueueFull
	}
}

// Close tears the connection down. Idempotent.
func (c *ClientSession) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
		c.server.rateLimiter.Forget(c.id)
	})
}

// Run pumps the connection until either side goes away.
func (c *ClientSession) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *ClientSession) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "connection", c.id, "error", err)
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendOrLog(protocol.ErrorFrame("", "", protocol.ErrParse, "malformed frame"))
			continue
		}
		if frame.Kind != protocol.KindRequest {
			// Clients only send requests; anything else is a protocol slip.
			c.sendOrLog(protocol.ErrorFrame(frame.ID, frame.SessionID, protocol.ErrInvalidRequest, "expected a request frame"))
			continue
		}
		if frame.Method != protocol.MethodHello && !c.helloed() {
			c.sendOrLog(protocol.ErrorFrame(frame.ID, frame.SessionID, protocol.ErrInvalidRequest, "hello required first"))
			continue
		}
		if !c.server.rateLimiter.Allow(c.id) {
			c.sendOrLog(protocol.ErrorFrame(frame.ID, frame.SessionID, protocol.ErrRateLimited, "rate limit exceeded"))
			continue
		}
		c.server.router.Dispatch(ctx, c, &frame)
	}
}

func (c *ClientSession) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				slog.Debug("websocket write failed", "connection", c.id, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *ClientSession) sendOrLog(f *protocol.Frame) {
	if err := c.SendFrame(f); err != nil {
		slog.Debug("frame dropped", "connection", c.id, "error", err)
	}
}

// respond marshals a success result back to the client.
func (c *ClientSession) respond(req *protocol.Frame, result any) {
	frame, err := protocol.ResponseFrame(req.ID, req.SessionID, result)
	if err != nil {
		c.sendOrLog(protocol.ErrorFrame(req.ID, req.SessionID, protocol.ErrHandler, "result encoding failed"))
		return
	}
	c.sendOrLog(frame)
}

// fail sends an error response.
func (c *ClientSession) fail(req *protocol.Frame, code, message string) {
	c.sendOrLog(protocol.ErrorFrame(req.ID, req.SessionID, code, message))
}
