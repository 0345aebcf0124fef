// Package registry tracks open client connections, their session
// attachments, per-connection event sequencing, and the bounded replay
// buffers used for fast resumption after a network blip.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pirelay/relay/pkg/protocol"
)

const (
	// DefaultReplayWindow bounds how old a buffered event may be before it
	// is evicted and only the journal can serve it.
	DefaultReplayWindow = 60 * time.Second
	// DefaultMaxBuffered bounds the per-session replay buffer size.
	DefaultMaxBuffered = 1000
)

// SendFunc delivers one frame to a client connection. Implementations must
// not block; a full outbound queue returns an error and the event is dropped
// for that connection (the client recovers via resume or get_messages).
type SendFunc func(*protocol.Frame) error

// Connection is the registry's view of one client WebSocket.
type Connection struct {
	ID   string
	send SendFunc

	mu       sync.Mutex
	sessions map[string]*attachment
}

// attachment carries the per-(connection, session) sequencing state.
type attachment struct {
	seq     int64 // last per-connection seq delivered
	lastBuf int64 // buffer seq of the last delivered event
}

// SessionIDs returns the sessions this connection is attached to.
func (c *Connection) SessionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	return out
}

type bufferedEvent struct {
	bufSeq  int64
	typ     string
	payload json.RawMessage
	at      time.Time
}

type replayBuffer struct {
	nextBuf int64
	events  []bufferedEvent
}

// ghost retains a closed connection's sequencing state for one replay window
// so a resuming client can be positioned in the buffer.
type ghost struct {
	sessions map[string]attachment
	closedAt time.Time
}

// Registry is the connection and fan-out hub. All state is guarded by one
// lock; sends happen outside it via the non-blocking SendFunc.
type Registry struct {
	window time.Duration
	maxBuf int

	mu      sync.Mutex
	conns   map[string]*Connection
	buffers map[string]*replayBuffer
	ghosts  map[string]*ghost
}

func New() *Registry {
	return &Registry{
		window:  DefaultReplayWindow,
		maxBuf:  DefaultMaxBuffered,
		conns:   make(map[string]*Connection),
		buffers: make(map[string]*replayBuffer),
		ghosts:  make(map[string]*ghost),
	}
}

// ReplayWindow returns the configured replay window.
func (r *Registry) ReplayWindow() time.Duration { return r.window }

// Register stores a connection's send capability and returns its handle.
func (r *Registry) Register(connectionID string, send SendFunc) *Connection {
	c := &Connection{ID: connectionID, send: send, sessions: make(map[string]*attachment)}
	r.mu.Lock()
	r.conns[connectionID] = c
	r.mu.Unlock()
	return c
}

// Attach marks the connection as interested in a session. Idempotent: an
// existing attachment keeps its seq counter.
func (r *Registry) Attach(connectionID, sessionID string) {
	r.mu.Lock()
	c, ok := r.conns[connectionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[sessionID]; !ok {
		c.sessions[sessionID] = &attachment{}
	}
}

// Detach removes the connection's interest in a session. Idempotent.
func (r *Registry) Detach(connectionID, sessionID string) {
	r.mu.Lock()
	c, ok := r.conns[connectionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// Attached reports whether any open connection is attached to the session.
func (r *Registry) Attached(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		c.mu.Lock()
		_, ok := c.sessions[sessionID]
		c.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// Remove finalizes a connection. Its sequencing state is kept as a ghost for
// one replay window so the client can resume. Returns the removed connection
// (nil if unknown) so callers can fail its pending native tool calls.
func (r *Registry) Remove(connectionID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connectionID]
	if !ok {
		return nil
	}
	delete(r.conns, connectionID)

	g := &ghost{sessions: make(map[string]attachment), closedAt: time.Now()}
	c.mu.Lock()
	for id, att := range c.sessions {
		g.sessions[id] = *att
	}
	c.mu.Unlock()
	r.ghosts[connectionID] = g
	r.pruneGhostsLocked()
	return c
}

func (r *Registry) pruneGhostsLocked() {
	cutoff := time.Now().Add(-r.window)
	for id, g := range r.ghosts {
		if g.closedAt.Before(cutoff) {
			delete(r.ghosts, id)
		}
	}
}

// BroadcastEvent delivers one event to every connection attached to the
// session, assigning each its next per-connection seq, and appends the event
// to the session's replay buffer.
func (r *Registry) BroadcastEvent(sessionID, eventType string, payload json.RawMessage) {
	r.mu.Lock()
	buf, ok := r.buffers[sessionID]
	if !ok {
		buf = &replayBuffer{nextBuf: 1}
		r.buffers[sessionID] = buf
	}
	bufSeq := buf.nextBuf
	buf.nextBuf++
	buf.events = append(buf.events, bufferedEvent{bufSeq: bufSeq, typ: eventType, payload: payload, at: time.Now()})
	r.evictLocked(buf)

	targets := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.mu.Lock()
		att, attached := c.sessions[sessionID]
		if !attached {
			c.mu.Unlock()
			continue
		}
		att.seq++
		att.lastBuf = bufSeq
		frame := protocol.EventFrame(sessionID, eventType, payload)
		frame.Seq = att.seq
		c.mu.Unlock()

		if err := c.send(frame); err != nil {
			// Slow consumer: drop this event for this connection. It catches
			// up through resume or get_messages.
			slog.Warn("event dropped for slow client", "connection", c.ID, "session", sessionID, "error", err)
		}
	}
}

// SendToConnection delivers one event to a single attached connection,
// buffering it like a broadcast so resume sequencing stays coherent for the
// receiver. Other attached connections never see it live.
func (r *Registry) SendToConnection(connectionID, sessionID, eventType string, payload json.RawMessage) error {
	r.mu.Lock()
	c, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("connection %s not open", connectionID)
	}
	buf, okBuf := r.buffers[sessionID]
	if !okBuf {
		buf = &replayBuffer{nextBuf: 1}
		r.buffers[sessionID] = buf
	}
	bufSeq := buf.nextBuf
	buf.nextBuf++
	buf.events = append(buf.events, bufferedEvent{bufSeq: bufSeq, typ: eventType, payload: payload, at: time.Now()})
	r.evictLocked(buf)
	r.mu.Unlock()

	c.mu.Lock()
	att, attached := c.sessions[sessionID]
	if !attached {
		c.mu.Unlock()
		return fmt.Errorf("connection %s not attached to session %s", connectionID, sessionID)
	}
	att.seq++
	att.lastBuf = bufSeq
	frame := protocol.EventFrame(sessionID, eventType, payload)
	frame.Seq = att.seq
	c.mu.Unlock()

	return c.send(frame)
}

func (r *Registry) evictLocked(buf *replayBuffer) {
	cutoff := time.Now().Add(-r.window)
	idx := 0
	for idx < len(buf.events) && buf.events[idx].at.Before(cutoff) {
		idx++
	}
	if over := len(buf.events) - idx - r.maxBuf; over > 0 {
		idx += over
	}
	if idx > 0 {
		buf.events = append([]bufferedEvent(nil), buf.events[idx:]...)
	}
}

// DropSession discards the session's replay buffer (archive/delete).
func (r *Registry) DropSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, sessionID)
}

// Resume re-attaches the new connection to every session named in
// lastSeqBySession and replays buffered events the old connection never
// delivered, in buffer order, with fresh per-connection seqs. Events outside
// the replay window are silently skipped; the client refetches via
// get_messages. Returns the number of replayed events per session.
func (r *Registry) Resume(newConnectionID, oldConnectionID string, lastSeqBySession map[string]int64) map[string]int {
	replayed := make(map[string]int, len(lastSeqBySession))

	r.mu.Lock()
	newConn, ok := r.conns[newConnectionID]
	if !ok {
		r.mu.Unlock()
		return replayed
	}
	g := r.ghosts[oldConnectionID]
	r.mu.Unlock()

	for sessionID, lastSeq := range lastSeqBySession {
		r.Attach(newConnectionID, sessionID)

		var cutoffBuf int64 = -1
		if g != nil {
			if old, ok := g.sessions[sessionID]; ok && old.seq >= lastSeq {
				// Per-connection seq advanced 1:1 with buffer deliveries, so
				// the buffer position of the client's lastSeq is recoverable.
				cutoffBuf = old.lastBuf - (old.seq - lastSeq)
			}
		}
		if cutoffBuf < 0 {
			// Unknown prior connection: nothing to replay, client refetches.
			continue
		}
		// A caught-up session replays zero events but still resumed cleanly.
		replayed[sessionID] = 0

		r.mu.Lock()
		buf := r.buffers[sessionID]
		var pending []bufferedEvent
		if buf != nil {
			for _, e := range buf.events {
				if e.bufSeq > cutoffBuf {
					pending = append(pending, e)
				}
			}
		}
		r.mu.Unlock()

		for _, e := range pending {
			newConn.mu.Lock()
			att := newConn.sessions[sessionID]
			att.seq++
			att.lastBuf = e.bufSeq
			frame := protocol.EventFrame(sessionID, e.typ, e.payload)
			frame.Seq = att.seq
			newConn.mu.Unlock()

			if err := newConn.send(frame); err != nil {
				slog.Warn("replay dropped for slow client", "connection", newConn.ID, "session", sessionID, "error", err)
				break
			}
			replayed[sessionID]++
		}
	}
	return replayed
}
