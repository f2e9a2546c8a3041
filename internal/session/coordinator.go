// Package session owns the authoritative simulation state for every active
// session. The coordinator holds one engine instance per session behind a
// per-session mutex: actions for the same session apply strictly one at a
// time in arrival order, while different sessions proceed independently.
// After each action it persists the decision, the emitted events, and the
// updated snapshot through the record sink, then broadcasts the outcome —
// still inside the critical section, so broadcast order always equals apply
// order.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bubblesim/sim-engine/internal/engine"
	"github.com/bubblesim/sim-engine/internal/metrics"
	"github.com/bubblesim/sim-engine/internal/model"
	"github.com/bubblesim/sim-engine/internal/store"
)

// Broadcaster fans a message out to every connection bound to a session.
// Implemented by the gateway hub; nil disables broadcasting (tests).
type Broadcaster interface {
	BroadcastToSession(sessionID int64, msgType string, payload any)
}

// StorageError wraps a record-sink failure. The in-memory state change has
// already been applied and broadcast when one of these is returned; callers
// surface it to the acting participant only.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Result is the outcome of one applied action.
type Result struct {
	Events []model.Event     `json:"events"`
	Market model.MarketState `json:"marketState"`
	Policy model.PolicyState `json:"policyState"`

	// StorageErr is non-nil when persistence failed after the state change
	// was applied. The broadcast has still happened.
	StorageErr error `json:"-"`
}

// liveSession pairs a session row with its engine. The mutex is the single
// serialization point for that session's state.
type liveSession struct {
	mu     sync.Mutex
	engine *engine.Engine
	row    model.Session
}

// Coordinator routes actions to per-session engines and owns their lifecycle.
type Coordinator struct {
	mu       sync.RWMutex
	sessions map[int64]*liveSession
	store    store.Store
	bc       Broadcaster
	now      func() time.Time
}

// NewCoordinator creates a coordinator over the given record sink.
// Pass nil for bc if broadcasting is not needed.
func NewCoordinator(st store.Store, bc Broadcaster) *Coordinator {
	return &Coordinator{
		sessions: make(map[int64]*liveSession),
		store:    st,
		bc:       bc,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// JoinRequest identifies the session to join or describes the one to create.
type JoinRequest struct {
	SessionID   int64  `json:"sessionId,omitempty"`
	SessionName string `json:"sessionName,omitempty"`
	OwnerID     string `json:"ownerId"`
}

// CreateOrJoin resolves an existing session by ID or name, or creates and
// persists a new one seeded from a fresh engine. Returns the snapshot.
func (c *Coordinator) CreateOrJoin(ctx context.Context, req JoinRequest) (*model.Session, error) {
	if req.SessionID != 0 {
		if ls := c.live(req.SessionID); ls != nil {
			return c.snapshotLocked(ls), nil
		}
		sess, err := c.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		return c.adopt(sess), nil
	}

	if req.SessionName != "" {
		sess, err := c.store.GetSessionByName(ctx, req.SessionName)
		if err == nil {
			if ls := c.live(sess.ID); ls != nil {
				return c.snapshotLocked(ls), nil
			}
			return c.adopt(sess), nil
		}
	}

	eng := engine.New()
	name := req.SessionName
	if name == "" {
		name = fmt.Sprintf("classroom-%s", uuid.New().String()[:8])
	}
	now := c.now()
	sess := &model.Session{
		OwnerID:     req.OwnerID,
		Name:        name,
		CurrentRole: model.RoleHomebuyer,
		Active:      true,
		Market:      eng.Market(),
		Policy:      eng.Policy(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateSession(ctx, sess); err != nil {
		return nil, &StorageError{Op: "create session", Err: err}
	}

	ls := &liveSession{engine: eng, row: *sess}
	c.mu.Lock()
	c.sessions[sess.ID] = ls
	c.mu.Unlock()
	metrics.ActiveSessions.Inc()

	slog.Info("session created", "session", sess.ID, "name", name, "owner", req.OwnerID)
	cp := *sess
	return &cp, nil
}

// adopt hydrates an engine from a persisted snapshot and registers it.
// Exactly one live engine exists per session: a concurrent adopt of the same
// session keeps the first registration.
func (c *Coordinator) adopt(sess *model.Session) *model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sessions[sess.ID]; ok {
		return c.snapshotLocked(existing)
	}
	c.sessions[sess.ID] = &liveSession{
		engine: engine.Restore(sess.Market, sess.Policy),
		row:    *sess,
	}
	metrics.ActiveSessions.Inc()
	slog.Info("session restored", "session", sess.ID, "name", sess.Name)
	cp := *sess
	return &cp
}

func (c *Coordinator) live(id int64) *liveSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[id]
}

// snapshotLocked copies the row with the engine's current state folded in.
func (c *Coordinator) snapshotLocked(ls *liveSession) *model.Session {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	row := ls.row
	row.Market = ls.engine.Market()
	row.Policy = ls.engine.Policy()
	return &row
}

// Snapshot returns the current state of a live session.
func (c *Coordinator) Snapshot(sessionID int64) (*model.Session, error) {
	ls := c.live(sessionID)
	if ls == nil {
		return nil, fmt.Errorf("session %d: %w", sessionID, store.ErrNotFound)
	}
	return c.snapshotLocked(ls), nil
}

// ActiveSessions returns snapshots of every live session, for the heartbeat
// and REST reads.
func (c *Coordinator) ActiveSessions() []model.Session {
	c.mu.RLock()
	live := make([]*liveSession, 0, len(c.sessions))
	for _, ls := range c.sessions {
		live = append(live, ls)
	}
	c.mu.RUnlock()

	out := make([]model.Session, 0, len(live))
	for _, ls := range live {
		out = append(out, *c.snapshotLocked(ls))
	}
	return out
}

// SubmitAction applies one action against a session. This is the single
// serialization point: under the session mutex it validates the parameter
// shape, runs the transition plus the dynamics step, persists the decision,
// events, and snapshot, and broadcasts the market update. A persistence
// failure does not roll back or suppress the broadcast; it is reported in
// Result.StorageErr for the acting participant only.
func (c *Coordinator) SubmitAction(ctx context.Context, sessionID int64, participantID, role, actionType string, params map[string]any) (res *Result, err error) {
	ls := c.live(sessionID)
	if ls == nil {
		return nil, fmt.Errorf("session %d: %w", sessionID, store.ErrNotFound)
	}

	if err := validateAction(role, actionType, params); err != nil {
		return nil, err
	}

	start := time.Now()
	ls.mu.Lock()
	defer ls.mu.Unlock()

	// A panic inside a transition must not take down the event loop.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("transition panicked", "session", sessionID, "action", actionType, "panic", r)
			res, err = nil, fmt.Errorf("%w: transition failed", ErrValidation)
		}
	}()

	action := model.Action{
		ParticipantID: participantID,
		Role:          role,
		Type:          actionType,
		Params:        params,
	}
	events := ls.engine.ApplyAction(action)
	ls.engine.UpdateDynamics()

	for i := range events {
		events[i].ID = uuid.New().String()
	}

	ls.row.Market = ls.engine.Market()
	ls.row.Policy = ls.engine.Policy()
	ls.row.UpdatedAt = c.now()

	storageErr := c.persistAction(ctx, ls, &action, events)

	result := &Result{
		Events:     events,
		Market:     ls.row.Market,
		Policy:     ls.row.Policy,
		StorageErr: storageErr,
	}

	metrics.ActionsTotal.WithLabelValues(role, actionType).Inc()
	metrics.ActionLatency.WithLabelValues(role).Observe(time.Since(start).Seconds())
	slog.Info("action applied",
		"session", sessionID,
		"participant", participantID,
		"role", role,
		"action", actionType,
		"events", len(events),
		"timeStep", result.Market.TimeStep,
	)

	if c.bc != nil {
		c.bc.BroadcastToSession(sessionID, "market_update", map[string]any{
			"marketState": result.Market,
			"policyState": result.Policy,
			"events":      events,
			"triggeredBy": participantID,
		})
		metrics.BroadcastsTotal.Inc()
	}

	return result, nil
}

// persistAction writes the decision record, each event, and the updated
// session row. The first failure is returned; later writes are still
// attempted so partial records survive a flaky sink.
func (c *Coordinator) persistAction(ctx context.Context, ls *liveSession, action *model.Action, events []model.Event) error {
	var firstErr error
	fail := func(op string, err error) {
		metrics.StorageErrors.Inc()
		slog.Error("persistence failed", "op", op, "session", ls.row.ID, "err", err)
		if firstErr == nil {
			firstErr = &StorageError{Op: op, Err: err}
		}
	}

	rec := &model.DecisionRecord{
		ID:            uuid.New().String(),
		SessionID:     ls.row.ID,
		ParticipantID: action.ParticipantID,
		Role:          action.Role,
		ActionType:    action.Type,
		Params:        action.Params,
		CreatedAt:     c.now(),
	}
	if err := c.store.RecordDecision(ctx, rec); err != nil {
		fail("record decision", err)
	}
	for i := range events {
		if err := c.store.RecordEvent(ctx, ls.row.ID, &events[i]); err != nil {
			fail("record event", err)
		}
	}
	if err := c.store.UpdateSession(ctx, &ls.row); err != nil {
		fail("update session", err)
	}
	return firstErr
}

// SwitchRole updates the session's current role and persists it. Market and
// policy state are untouched.
func (c *Coordinator) SwitchRole(ctx context.Context, sessionID int64, newRole string) error {
	switch newRole {
	case model.RoleHomebuyer, model.RoleInvestor, model.RoleRegulator:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrValidation, newRole)
	}

	ls := c.live(sessionID)
	if ls == nil {
		return fmt.Errorf("session %d: %w", sessionID, store.ErrNotFound)
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.row.CurrentRole = newRole
	ls.row.UpdatedAt = c.now()
	if err := c.store.UpdateSessionRole(ctx, sessionID, newRole); err != nil {
		metrics.StorageErrors.Inc()
		return &StorageError{Op: "update role", Err: err}
	}
	return nil
}

// HistoricalData optionally teleports the session to a historical quarter,
// then returns the comparison against the reference timeline plus the
// current market state. Nothing is persisted.
func (c *Coordinator) HistoricalData(sessionID int64, quarter *float64) (engine.Comparison, model.MarketState, error) {
	ls := c.live(sessionID)
	if ls == nil {
		return engine.Comparison{}, model.MarketState{}, fmt.Errorf("session %d: %w", sessionID, store.ErrNotFound)
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if quarter != nil {
		ls.engine.ResetToHistoricalPeriod(*quarter)
	}
	m := ls.engine.Market()
	return ls.engine.HistoricalComparison(m.TimeStep), m, nil
}

// Reset rewinds the session — to a historical quarter when given, otherwise
// to the simulation's fixed starting point — persists the overwritten
// snapshot, and signals every participant.
func (c *Coordinator) Reset(ctx context.Context, sessionID int64, quarter *float64) (*Result, error) {
	ls := c.live(sessionID)
	if ls == nil {
		return nil, fmt.Errorf("session %d: %w", sessionID, store.ErrNotFound)
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	q := 0.0
	if quarter != nil {
		q = *quarter
		ls.engine.ResetToHistoricalPeriod(q)
	} else {
		ls.engine = engine.New()
	}

	ls.row.Market = ls.engine.Market()
	ls.row.Policy = ls.engine.Policy()
	ls.row.UpdatedAt = c.now()

	var storageErr error
	if err := c.store.UpdateSession(ctx, &ls.row); err != nil {
		metrics.StorageErrors.Inc()
		slog.Error("persistence failed", "op", "reset session", "session", sessionID, "err", err)
		storageErr = &StorageError{Op: "reset session", Err: err}
	}

	slog.Info("simulation reset", "session", sessionID, "quarter", q)
	if c.bc != nil {
		c.bc.BroadcastToSession(sessionID, "simulation_reset", map[string]any{
			"marketState": ls.row.Market,
			"policyState": ls.row.Policy,
			"quarter":     q,
		})
		metrics.BroadcastsTotal.Inc()
	}

	return &Result{Market: ls.row.Market, Policy: ls.row.Policy, StorageErr: storageErr}, nil
}
