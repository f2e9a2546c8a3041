package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/bubblesim/sim-engine/internal/model"
	"github.com/bubblesim/sim-engine/internal/session"
	"github.com/bubblesim/sim-engine/internal/store"
)

// recordingBroadcaster captures session broadcasts in order.
type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []broadcastMsg
}

type broadcastMsg struct {
	sessionID int64
	msgType   string
	payload   any
}

func (b *recordingBroadcaster) BroadcastToSession(sessionID int64, msgType string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, broadcastMsg{sessionID, msgType, payload})
}

func (b *recordingBroadcaster) messages() []broadcastMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broadcastMsg, len(b.msgs))
	copy(out, b.msgs)
	return out
}

func newTestEnv(t *testing.T) (*session.Coordinator, *store.MemoryStore, *recordingBroadcaster) {
	t.Helper()
	ms := store.NewMemoryStore()
	bc := &recordingBroadcaster{}
	return session.NewCoordinator(ms, bc), ms, bc
}

func createSession(t *testing.T, c *session.Coordinator, owner string) *model.Session {
	t.Helper()
	sess, err := c.CreateOrJoin(context.Background(), session.JoinRequest{OwnerID: owner})
	if err != nil {
		t.Fatalf("CreateOrJoin: %v", err)
	}
	return sess
}

// --- Session lifecycle ---

func TestCreateOrJoin_CreatesAndPersists(t *testing.T) {
	c, ms, _ := newTestEnv(t)
	sess := createSession(t, c, "teacher1")

	if sess.ID == 0 {
		t.Fatal("expected an assigned session ID")
	}
	if sess.CurrentRole != model.RoleHomebuyer {
		t.Errorf("currentRole = %q, want homebuyer default", sess.CurrentRole)
	}
	if sess.Market.MedianPrice != 220000 {
		t.Errorf("medianPrice = %v, want seed 220000", sess.Market.MedianPrice)
	}

	stored, err := ms.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if stored.Market != sess.Market {
		t.Errorf("persisted snapshot differs from returned snapshot")
	}
}

func TestCreateOrJoin_ExistingByID(t *testing.T) {
	c, _, _ := newTestEnv(t)
	first := createSession(t, c, "teacher1")

	again, err := c.CreateOrJoin(context.Background(), session.JoinRequest{SessionID: first.ID, OwnerID: "student1"})
	if err != nil {
		t.Fatalf("join existing: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("joined session %d, want %d", again.ID, first.ID)
	}
}

func TestCreateOrJoin_RestoresFromStore(t *testing.T) {
	ms := store.NewMemoryStore()
	c1 := session.NewCoordinator(ms, nil)
	sess := createSession(t, c1, "teacher1")

	// Mutate through the first coordinator so the stored snapshot moves.
	if _, err := c1.SubmitAction(context.Background(), sess.ID, "p1", model.RoleHomebuyer, "wait", nil); err != nil {
		t.Fatalf("SubmitAction: %v", err)
	}

	// A second coordinator over the same sink must resume from the snapshot.
	c2 := session.NewCoordinator(ms, nil)
	resumed, err := c2.CreateOrJoin(context.Background(), session.JoinRequest{SessionID: sess.ID, OwnerID: "student1"})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if resumed.Market.TimeStep != 0.25 {
		t.Errorf("restored timeStep = %v, want 0.25", resumed.Market.TimeStep)
	}
}

func TestCreateOrJoin_UnknownIDFails(t *testing.T) {
	c, _, _ := newTestEnv(t)
	_, err := c.CreateOrJoin(context.Background(), session.JoinRequest{SessionID: 404, OwnerID: "x"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Action submission ---

func TestSubmitAction_AppliesPersistsAndBroadcasts(t *testing.T) {
	c, ms, bc := newTestEnv(t)
	sess := createSession(t, c, "teacher1")

	result, err := c.SubmitAction(context.Background(), sess.ID, "buyer1", model.RoleHomebuyer, "purchase",
		map[string]any{"price": 300000.0, "income": 75000.0, "downPayment": 10.0})
	if err != nil {
		t.Fatalf("SubmitAction: %v", err)
	}
	if result.StorageErr != nil {
		t.Fatalf("unexpected storage error: %v", result.StorageErr)
	}
	if len(result.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(result.Events))
	}
	if result.Events[0].ID == "" {
		t.Error("event ID not assigned")
	}
	if result.Market.TimeStep != 0.25 {
		t.Errorf("timeStep = %v, want 0.25", result.Market.TimeStep)
	}

	// Decision, event, and snapshot all reached the sink.
	if got := len(ms.Decisions()); got != 1 {
		t.Errorf("decisions persisted = %d, want 1", got)
	}
	events, _ := ms.EventsBySession(context.Background(), sess.ID)
	if len(events) != 1 {
		t.Errorf("events persisted = %d, want 1", len(events))
	}
	stored, _ := ms.GetSession(context.Background(), sess.ID)
	if stored.Market.TimeStep != 0.25 {
		t.Errorf("persisted timeStep = %v, want 0.25", stored.Market.TimeStep)
	}

	// Exactly one market_update broadcast for the session.
	msgs := bc.messages()
	if len(msgs) != 1 || msgs[0].msgType != "market_update" || msgs[0].sessionID != sess.ID {
		t.Errorf("broadcasts = %+v, want one market_update for session %d", msgs, sess.ID)
	}
}

func TestSubmitAction_MissingParamRejectedBeforeMutation(t *testing.T) {
	c, _, bc := newTestEnv(t)
	sess := createSession(t, c, "teacher1")

	_, err := c.SubmitAction(context.Background(), sess.ID, "buyer1", model.RoleHomebuyer, "purchase",
		map[string]any{"price": 300000.0}) // income, downPayment missing
	if !errors.Is(err, session.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	snap, _ := c.Snapshot(sess.ID)
	if snap.Market.TimeStep != 0 {
		t.Errorf("state mutated on rejected action: timeStep = %v", snap.Market.TimeStep)
	}
	if len(bc.messages()) != 0 {
		t.Errorf("broadcast sent for rejected action")
	}
}

func TestSubmitAction_OutOfRangeLeverRejected(t *testing.T) {
	c, _, _ := newTestEnv(t)
	sess := createSession(t, c, "teacher1")

	_, err := c.SubmitAction(context.Background(), sess.ID, "reg1", model.RoleRegulator, "set_fed_rate",
		map[string]any{"rate": 42.0})
	if !errors.Is(err, session.ErrValidation) {
		t.Errorf("expected ErrValidation for rate 42, got %v", err)
	}
}

func TestSubmitAction_UnknownTypeStillAdvancesTime(t *testing.T) {
	c, _, bc := newTestEnv(t)
	sess := createSession(t, c, "teacher1")

	result, err := c.SubmitAction(context.Background(), sess.ID, "b1", model.RoleHomebuyer, "refinance", nil)
	if err != nil {
		t.Fatalf("unknown action must not error: %v", err)
	}
	if len(result.Events) != 0 {
		t.Errorf("unknown action emitted events")
	}
	if result.Market.TimeStep != 0.25 {
		t.Errorf("timeStep = %v, want 0.25", result.Market.TimeStep)
	}
	if len(bc.messages()) != 1 {
		t.Errorf("expected the market_update broadcast even for a no-op action")
	}
}

// Isolation: actions against session A never touch session B.
func TestSubmitAction_SessionIsolation(t *testing.T) {
	c, _, _ := newTestEnv(t)
	a := createSession(t, c, "teacherA")
	b := createSession(t, c, "teacherB")

	before, _ := c.Snapshot(b.ID)
	for i := 0; i < 5; i++ {
		if _, err := c.SubmitAction(context.Background(), a.ID, "inv1", model.RoleInvestor, "buy_properties",
			map[string]any{"quantity": 5.0, "leverage": 80.0}); err != nil {
			t.Fatalf("SubmitAction: %v", err)
		}
	}
	after, _ := c.Snapshot(b.ID)

	if before.Market != after.Market {
		t.Errorf("session B market changed by session A actions:\n%+v\n%+v", before.Market, after.Market)
	}
	if before.Policy != after.Policy {
		t.Errorf("session B policy changed by session A actions")
	}
}

// Ordering: concurrent submissions broadcast in the exact order they were
// applied — timeStep inside each broadcast payload is strictly increasing.
func TestSubmitAction_BroadcastOrderMatchesApplyOrder(t *testing.T) {
	c, _, bc := newTestEnv(t)
	sess := createSession(t, c, "teacher1")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			participant := fmt.Sprintf("p%d", i%7)
			if _, err := c.SubmitAction(context.Background(), sess.ID, participant, model.RoleHomebuyer, "wait", nil); err != nil {
				t.Errorf("SubmitAction: %v", err)
			}
		}(i)
	}
	wg.Wait()

	msgs := bc.messages()
	if len(msgs) != n {
		t.Fatalf("broadcasts = %d, want %d", len(msgs), n)
	}
	prev := 0.0
	for i, m := range msgs {
		payload := m.payload.(map[string]any)
		market := payload["marketState"].(model.MarketState)
		if market.TimeStep <= prev {
			t.Fatalf("broadcast %d out of order: timeStep %v after %v", i, market.TimeStep, prev)
		}
		prev = market.TimeStep
	}
	if prev != 0.25*n {
		t.Errorf("final timeStep = %v, want %v", prev, 0.25*n)
	}
}

// --- Storage failures ---

// failingStore wraps MemoryStore and fails all writes after creation.
type failingStore struct {
	*store.MemoryStore
	failing bool
}

func (s *failingStore) RecordDecision(ctx context.Context, rec *model.DecisionRecord) error {
	if s.failing {
		return errors.New("sink unavailable")
	}
	return s.MemoryStore.RecordDecision(ctx, rec)
}

func (s *failingStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	if s.failing {
		return errors.New("sink unavailable")
	}
	return s.MemoryStore.UpdateSession(ctx, sess)
}

func TestSubmitAction_StorageFailureKeepsStateAndBroadcast(t *testing.T) {
	fs := &failingStore{MemoryStore: store.NewMemoryStore()}
	bc := &recordingBroadcaster{}
	c := session.NewCoordinator(fs, bc)
	sess := createSession(t, c, "teacher1")

	fs.failing = true
	result, err := c.SubmitAction(context.Background(), sess.ID, "b1", model.RoleHomebuyer, "wait", nil)
	if err != nil {
		t.Fatalf("SubmitAction must not fail outright on storage errors: %v", err)
	}

	var storageErr *session.StorageError
	if !errors.As(result.StorageErr, &storageErr) {
		t.Fatalf("expected StorageError in result, got %v", result.StorageErr)
	}

	// The in-memory state advanced and was broadcast regardless.
	if result.Market.TimeStep != 0.25 {
		t.Errorf("timeStep = %v, want 0.25", result.Market.TimeStep)
	}
	if len(bc.messages()) != 1 {
		t.Errorf("broadcast suppressed on storage failure")
	}

	// The next action proceeds normally once the sink recovers.
	fs.failing = false
	result, err = c.SubmitAction(context.Background(), sess.ID, "b1", model.RoleHomebuyer, "wait", nil)
	if err != nil || result.StorageErr != nil {
		t.Fatalf("recovered action failed: %v / %v", err, result.StorageErr)
	}
}

// --- Role switching ---

func TestSwitchRole_PersistsAndLeavesStateAlone(t *testing.T) {
	c, ms, _ := newTestEnv(t)
	sess := createSession(t, c, "teacher1")
	before, _ := c.Snapshot(sess.ID)

	if err := c.SwitchRole(context.Background(), sess.ID, model.RoleRegulator); err != nil {
		t.Fatalf("SwitchRole: %v", err)
	}

	stored, _ := ms.GetSession(context.Background(), sess.ID)
	if stored.CurrentRole != model.RoleRegulator {
		t.Errorf("persisted role = %q, want regulator", stored.CurrentRole)
	}
	after, _ := c.Snapshot(sess.ID)
	if before.Market != after.Market || before.Policy != after.Policy {
		t.Errorf("role switch mutated market/policy state")
	}
}

func TestSwitchRole_UnknownRoleRejected(t *testing.T) {
	c, _, _ := newTestEnv(t)
	sess := createSession(t, c, "teacher1")
	if err := c.SwitchRole(context.Background(), sess.ID, "banker"); !errors.Is(err, session.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

// --- Historical features ---

func TestHistoricalData_WithQuarterTeleports(t *testing.T) {
	c, _, _ := newTestEnv(t)
	sess := createSession(t, c, "teacher1")

	quarter := 12.0
	cmp, market, err := c.HistoricalData(sess.ID, &quarter)
	if err != nil {
		t.Fatalf("HistoricalData: %v", err)
	}
	if market.TimeStep != 12 {
		t.Errorf("timeStep = %v, want 12", market.TimeStep)
	}
	if market.BubbleRisk != 75 {
		t.Errorf("bubbleRisk = %v, want 75", market.BubbleRisk)
	}
	if cmp.CurrentRisk != 75 {
		t.Errorf("comparison currentRisk = %v, want 75", cmp.CurrentRisk)
	}
}

func TestReset_PersistsAndSignals(t *testing.T) {
	c, ms, bc := newTestEnv(t)
	sess := createSession(t, c, "teacher1")

	quarter := 12.0
	result, err := c.Reset(context.Background(), sess.ID, &quarter)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if result.Market.BubbleRisk != 75 || result.Market.PriceGrowth != -11 {
		t.Errorf("reset state = risk %v growth %v, want 75 / -11", result.Market.BubbleRisk, result.Market.PriceGrowth)
	}

	stored, _ := ms.GetSession(context.Background(), sess.ID)
	if stored.Market.TimeStep != 12 {
		t.Errorf("persisted timeStep = %v, want 12", stored.Market.TimeStep)
	}

	msgs := bc.messages()
	if len(msgs) != 1 || msgs[0].msgType != "simulation_reset" {
		t.Errorf("expected one simulation_reset broadcast, got %+v", msgs)
	}
}

func TestReset_NoQuarterRestartsFromSeed(t *testing.T) {
	c, _, _ := newTestEnv(t)
	sess := createSession(t, c, "teacher1")

	for i := 0; i < 4; i++ {
		c.SubmitAction(context.Background(), sess.ID, "b1", model.RoleHomebuyer, "wait", nil)
	}

	result, err := c.Reset(context.Background(), sess.ID, nil)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if result.Market.TimeStep != 0 || result.Market.MedianPrice != 220000 {
		t.Errorf("expected seed state after full reset, got %+v", result.Market)
	}
}
