package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/bubblesim/sim-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	sessions  map[int64]*model.Session
	decisions []model.DecisionRecord
	events    map[int64][]model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[int64]*model.Session),
		events:   make(map[int64][]model.Event),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	sess.ID = s.nextID

	// Store a copy to avoid external mutation.
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id int64) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) GetSessionByName(_ context.Context, name string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessions {
		if sess.Active && sess.Name == name {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("session %q: %w", name, ErrNotFound)
}

func (s *MemoryStore) UpdateSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("session %d: %w", sess.ID, ErrNotFound)
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateSessionRole(_ context.Context, id int64, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	sess.CurrentRole = role
	return nil
}

func (s *MemoryStore) ListActiveSessions(_ context.Context) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]model.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Active {
			sessions = append(sessions, *sess)
		}
	}
	return sessions, nil
}

func (s *MemoryStore) RecordDecision(_ context.Context, rec *model.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.decisions = append(s.decisions, *rec)
	return nil
}

func (s *MemoryStore) RecordEvent(_ context.Context, sessionID int64, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[sessionID] = append(s.events[sessionID], *ev)
	return nil
}

func (s *MemoryStore) EventsBySession(_ context.Context, sessionID int64) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]model.Event, len(s.events[sessionID]))
	copy(events, s.events[sessionID])
	return events, nil
}

// Decisions returns a copy of every recorded decision, for tests.
func (s *MemoryStore) Decisions() []model.DecisionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.DecisionRecord, len(s.decisions))
	copy(out, s.decisions)
	return out
}
