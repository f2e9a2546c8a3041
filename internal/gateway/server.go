package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bubblesim/sim-engine/internal/session"
	"github.com/bubblesim/sim-engine/internal/store"
)

const (
	readDeadline = 60 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// Server dispatches client messages into the session coordinator. One
// instance serves all connections; per-connection state lives in the hub.
type Server struct {
	hub   *Hub
	coord *session.Coordinator
}

// NewServer creates the WebSocket protocol server.
func NewServer(hub *Hub, coord *session.Coordinator) *Server {
	return &Server{hub: hub, coord: coord}
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws, then runs
// the connection's read loop until the client disconnects. Actions arriving
// on one connection are dispatched synchronously in receipt order.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := s.hub.Register(ws)
	defer s.hub.Unregister(c.id)

	// Ping ticker to keep the connection alive through proxies.
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := ws.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	ws.SetReadDeadline(time.Now().Add(readDeadline))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		ws.SetReadDeadline(time.Now().Add(readDeadline))
		s.dispatch(r, c, data)
	}
}

// dispatch decodes one client envelope and routes it. Every failure is
// answered with an error message on the offending connection only; the
// connection always stays open.
func (s *Server) dispatch(r *http.Request, c *Conn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(c, "malformed message")
		return
	}
	if env.Type == "" {
		s.sendError(c, "message type is required")
		return
	}

	switch env.Type {
	case "authenticate":
		s.handleAuthenticate(c, env.Payload)
	case "join_session":
		s.handleJoinSession(r, c, env.Payload)
	case "player_action":
		s.handlePlayerAction(r, c, env.Payload)
	case "switch_role":
		s.handleSwitchRole(r, c, env.Payload)
	case "request_historical_data":
		s.handleHistoricalData(c, env.Payload)
	case "reset_simulation":
		s.handleReset(r, c, env.Payload)
	default:
		s.sendError(c, "unknown message type: "+env.Type)
	}
}

func (s *Server) handleAuthenticate(c *Conn, payload json.RawMessage) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.UserID == "" {
		s.sendError(c, "userId is required")
		return
	}

	s.hub.Bind(c.id, req.UserID)
	_, sessionID, role := s.hub.Binding(c.id)
	s.hub.Send(c.id, "authentication_success", map[string]any{
		"userId":    req.UserID,
		"sessionId": sessionID,
		"role":      role,
	})
}

func (s *Server) handleJoinSession(r *http.Request, c *Conn, payload json.RawMessage) {
	participantID, _, _ := s.hub.Binding(c.id)
	if participantID == "" {
		s.sendError(c, "authenticate before joining a session")
		return
	}

	var req struct {
		SessionID   int64  `json:"sessionId"`
		SessionName string `json:"sessionName"`
	}
	if payload != nil {
		if err := json.Unmarshal(payload, &req); err != nil {
			s.sendError(c, "malformed join_session payload")
			return
		}
	}

	sess, err := s.coord.CreateOrJoin(r.Context(), session.JoinRequest{
		SessionID:   req.SessionID,
		SessionName: req.SessionName,
		OwnerID:     participantID,
	})
	if err != nil {
		s.replyError(c, err)
		return
	}

	// Insert into the session set before acknowledging: from here on the
	// connection sees every broadcast for the session, and nothing earlier.
	s.hub.Join(c.id, sess.ID, sess.CurrentRole)

	s.hub.Send(c.id, "session_joined", map[string]any{
		"session":     sess,
		"marketState": sess.Market,
		"policyState": sess.Policy,
	})
	s.hub.BroadcastToSessionExcept(sess.ID, "player_joined", map[string]any{
		"userId": participantID,
		"role":   sess.CurrentRole,
	}, c.id)
}

func (s *Server) handlePlayerAction(r *http.Request, c *Conn, payload json.RawMessage) {
	participantID, sessionID, role := s.hub.Binding(c.id)
	if participantID == "" || sessionID == 0 {
		s.sendError(c, "authenticate and join a session before acting")
		return
	}

	var req struct {
		ActionType string         `json:"actionType"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ActionType == "" {
		s.sendError(c, "actionType is required")
		return
	}

	result, err := s.coord.SubmitAction(r.Context(), sessionID, participantID, role, req.ActionType, req.Parameters)
	if err != nil {
		s.replyError(c, err)
		return
	}

	// The market_update broadcast already went out inside the coordinator's
	// critical section. A persistence failure is reported to the actor only.
	if result.StorageErr != nil {
		s.sendError(c, "your action was applied but could not be saved")
	}
}

func (s *Server) handleSwitchRole(r *http.Request, c *Conn, payload json.RawMessage) {
	participantID, sessionID, _ := s.hub.Binding(c.id)
	if participantID == "" || sessionID == 0 {
		s.sendError(c, "authenticate and join a session before switching roles")
		return
	}

	var req struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Role == "" {
		s.sendError(c, "role is required")
		return
	}

	if err := s.coord.SwitchRole(r.Context(), sessionID, req.Role); err != nil {
		s.replyError(c, err)
		return
	}

	s.hub.SetRole(c.id, req.Role)
	s.hub.Send(c.id, "role_switched", map[string]any{"role": req.Role})
	s.hub.BroadcastToSessionExcept(sessionID, "player_role_changed", map[string]any{
		"userId": participantID,
		"role":   req.Role,
	}, c.id)
}

func (s *Server) handleHistoricalData(c *Conn, payload json.RawMessage) {
	_, sessionID, _ := s.hub.Binding(c.id)
	if sessionID == 0 {
		s.sendError(c, "join a session first")
		return
	}

	var req struct {
		Quarter *float64 `json:"quarter"`
	}
	if payload != nil {
		if err := json.Unmarshal(payload, &req); err != nil {
			s.sendError(c, "malformed request_historical_data payload")
			return
		}
	}

	cmp, market, err := s.coord.HistoricalData(sessionID, req.Quarter)
	if err != nil {
		s.replyError(c, err)
		return
	}

	s.hub.Send(c.id, "historical_comparison", map[string]any{
		"currentRisk":     cmp.CurrentRisk,
		"historicalEvent": cmp.HistoricalEvent,
	})
	s.hub.Send(c.id, "historical_data", map[string]any{
		"comparison":  cmp,
		"marketState": market,
	})
}

func (s *Server) handleReset(r *http.Request, c *Conn, payload json.RawMessage) {
	_, sessionID, _ := s.hub.Binding(c.id)
	if sessionID == 0 {
		s.sendError(c, "join a session first")
		return
	}

	var req struct {
		Quarter *float64 `json:"quarter"`
	}
	if payload != nil {
		if err := json.Unmarshal(payload, &req); err != nil {
			s.sendError(c, "malformed reset_simulation payload")
			return
		}
	}

	result, err := s.coord.Reset(r.Context(), sessionID, req.Quarter)
	if err != nil {
		s.replyError(c, err)
		return
	}
	// simulation_reset is broadcast by the coordinator.
	if result.StorageErr != nil {
		s.sendError(c, "the reset was applied but could not be saved")
	}
}

// replyError maps coordinator errors onto client-facing error messages.
func (s *Server) replyError(c *Conn, err error) {
	var storageErr *session.StorageError
	switch {
	case errors.Is(err, session.ErrValidation):
		s.sendError(c, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.sendError(c, "session not found")
	case errors.As(err, &storageErr):
		slog.Error("storage failure", "err", err)
		s.sendError(c, "a storage error occurred")
	default:
		slog.Error("request failed", "err", err)
		s.sendError(c, "internal error")
	}
}

func (s *Server) sendError(c *Conn, message string) {
	s.hub.Send(c.id, "error", map[string]string{"message": message})
}
