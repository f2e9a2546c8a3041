package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/bubblesim/sim-engine/internal/session"
)

// Heartbeat periodically broadcasts the current state of every active
// session to its participants, so idle clients see live state even when
// nobody acts. Canceled as a unit through its context; no dangling timers.
type Heartbeat struct {
	hub      *Hub
	coord    *session.Coordinator
	interval time.Duration
}

// NewHeartbeat creates the periodic broadcaster.
func NewHeartbeat(hub *Hub, coord *session.Coordinator, interval time.Duration) *Heartbeat {
	return &Heartbeat{hub: hub, coord: coord, interval: interval}
}

// Run broadcasts on every tick until ctx is canceled. Call in a goroutine.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	slog.Info("heartbeat started", "interval", h.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("heartbeat stopped")
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Heartbeat) tick() {
	now := time.Now().UTC()
	for _, sess := range h.coord.ActiveSessions() {
		if h.hub.SessionConnections(sess.ID) == 0 {
			continue
		}
		h.hub.BroadcastToSession(sess.ID, "periodic_market_update", map[string]any{
			"marketState": sess.Market,
			"policyState": sess.Policy,
			"timestamp":   now,
		})
	}
}
