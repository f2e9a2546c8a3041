// Package gateway owns the WebSocket transport: the connection registry with
// its participant/session/role bindings, the client message protocol, and the
// periodic heartbeat broadcast.
package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bubblesim/sim-engine/internal/metrics"
)

// Envelope is the JSON wire format in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SessionID int64           `json:"sessionId,omitempty"`
}

// Conn is one live transport connection. Created on connect, bound to a
// participant on authenticate, bound to a session on join, destroyed on
// close. Owned exclusively by the hub; other components refer to it by ID.
type Conn struct {
	id string
	ws *websocket.Conn

	// writeMu serializes writes; gorilla connections allow one writer.
	writeMu sync.Mutex

	// Bindings, guarded by the hub mutex.
	participantID string
	sessionID     int64
	role          string
}

// ID returns the opaque connection identifier.
func (c *Conn) ID() string { return c.id }

// Hub is the connection registry: it maps connection IDs to their bindings
// and provides addressed unicast, session-scoped multicast, and global
// broadcast. Delivery is best-effort, at-most-once: sends to a dead
// connection are dropped, never raised to the caller.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	bySession map[int64]map[string]*Conn
}

// NewHub creates an empty connection registry.
func NewHub() *Hub {
	return &Hub{
		conns:     make(map[string]*Conn),
		bySession: make(map[int64]map[string]*Conn),
	}
}

// Register adds a freshly upgraded connection and assigns its ID.
func (h *Hub) Register(ws *websocket.Conn) *Conn {
	c := &Conn{id: uuid.New().String(), ws: ws}

	h.mu.Lock()
	h.conns[c.id] = c
	total := len(h.conns)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(total))
	slog.Info("ws client connected", "conn", c.id, "total", total)
	return c
}

// Unregister removes a connection and closes its socket. Idempotent; invoked
// on transport close and on write failures.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
		if set, joined := h.bySession[c.sessionID]; joined {
			delete(set, id)
			if len(set) == 0 {
				delete(h.bySession, c.sessionID)
			}
		}
	}
	total := len(h.conns)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.ws.Close()
	metrics.WebSocketClients.Set(float64(total))
	slog.Info("ws client disconnected", "conn", id, "total", total)
}

// Bind attaches a participant identity to a connection after authenticate.
func (h *Hub) Bind(id, participantID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[id]; ok {
		c.participantID = participantID
	}
}

// Join binds a connection to a session. From the moment Join returns, the
// connection receives every broadcast for that session; no session message
// is delivered before the join completes.
func (h *Hub) Join(id string, sessionID int64, role string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[id]
	if !ok {
		return
	}
	if prev, joined := h.bySession[c.sessionID]; joined {
		delete(prev, id)
	}
	c.sessionID = sessionID
	c.role = role
	set := h.bySession[sessionID]
	if set == nil {
		set = make(map[string]*Conn)
		h.bySession[sessionID] = set
	}
	set[id] = c
}

// SetRole updates the connection's bound role after a role switch.
func (h *Hub) SetRole(id, role string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[id]; ok {
		c.role = role
	}
}

// Binding returns the connection's current participant/session/role binding.
func (h *Hub) Binding(id string) (participantID string, sessionID int64, role string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[id]; ok {
		return c.participantID, c.sessionID, c.role
	}
	return "", 0, ""
}

// Send delivers one message to one connection. Failures close and drop the
// connection; they are never surfaced to the caller.
func (h *Hub) Send(id, msgType string, payload any) {
	h.mu.RLock()
	c, ok := h.conns[id]
	var sid int64
	if ok {
		sid = c.sessionID
	}
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.write(c, sid, msgType, payload)
}

// BroadcastToSession fans a message out to every connection bound to a
// session, in registry order. The connection set is snapshotted before any
// write so a disconnect mid-broadcast cannot corrupt or skip delivery.
func (h *Hub) BroadcastToSession(sessionID int64, msgType string, payload any) {
	h.broadcastSession(sessionID, msgType, payload, "")
}

// BroadcastToSessionExcept is BroadcastToSession minus one connection,
// typically the sender.
func (h *Hub) BroadcastToSessionExcept(sessionID int64, msgType string, payload any, excludeID string) {
	h.broadcastSession(sessionID, msgType, payload, excludeID)
}

func (h *Hub) broadcastSession(sessionID int64, msgType string, payload any, excludeID string) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.bySession[sessionID]))
	for id, c := range h.bySession[sessionID] {
		if id != excludeID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.write(c, sessionID, msgType, payload)
	}
}

// BroadcastAll sends a message to every registered connection.
func (h *Hub) BroadcastAll(msgType string, payload any) {
	type target struct {
		c   *Conn
		sid int64
	}
	h.mu.RLock()
	targets := make([]target, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, target{c, c.sessionID})
	}
	h.mu.RUnlock()

	for _, t := range targets {
		h.write(t.c, t.sid, msgType, payload)
	}
}

// SessionConnections returns how many connections are bound to a session.
func (h *Hub) SessionConnections(sessionID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySession[sessionID])
}

func (h *Hub) write(c *Conn, sessionID int64, msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("encode payload failed", "type", msgType, "err", err)
		return
	}
	data, err := json.Marshal(Envelope{Type: msgType, Payload: raw, SessionID: sessionID})
	if err != nil {
		return
	}

	c.writeMu.Lock()
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		// Dead connection: drop it, delivery is best-effort.
		h.Unregister(c.id)
	}
}
