package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bubblesim/sim-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for session reads. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary. The periodic
// heartbeat and REST reads hit sessions every tick, so this keeps steady-state
// read load off the database.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateSession(ctx context.Context, sess *model.Session) error {
	if err := s.primary.CreateSession(ctx, sess); err != nil {
		return err
	}
	s.cacheSession(ctx, sess)
	return nil
}

func (s *CachedStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	if err := s.primary.UpdateSession(ctx, sess); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the committed row.
	s.rdb.Del(ctx, sessionKey(sess.ID), nameKey(sess.Name))
	return nil
}

func (s *CachedStore) UpdateSessionRole(ctx context.Context, id int64, role string) error {
	if err := s.primary.UpdateSessionRole(ctx, id, role); err != nil {
		return err
	}
	s.rdb.Del(ctx, sessionKey(id))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSession(ctx context.Context, id int64) (*model.Session, error) {
	data, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err == nil {
		var sess model.Session
		if json.Unmarshal(data, &sess) == nil {
			return &sess, nil
		}
	}

	sess, err := s.primary.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheSession(ctx, sess)
	return sess, nil
}

func (s *CachedStore) GetSessionByName(ctx context.Context, name string) (*model.Session, error) {
	// Try cache via name→ID mapping.
	idStr, err := s.rdb.Get(ctx, nameKey(name)).Result()
	if err == nil {
		var id int64
		if _, scanErr := fmt.Sscan(idStr, &id); scanErr == nil {
			return s.GetSession(ctx, id)
		}
	}

	sess, err := s.primary.GetSessionByName(ctx, name)
	if err != nil {
		return nil, err
	}

	s.cacheSession(ctx, sess)
	s.rdb.Set(ctx, nameKey(name), fmt.Sprint(sess.ID), s.ttl)
	return sess, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListActiveSessions(ctx context.Context) ([]model.Session, error) {
	return s.primary.ListActiveSessions(ctx)
}

func (s *CachedStore) RecordDecision(ctx context.Context, rec *model.DecisionRecord) error {
	return s.primary.RecordDecision(ctx, rec)
}

func (s *CachedStore) RecordEvent(ctx context.Context, sessionID int64, ev *model.Event) error {
	return s.primary.RecordEvent(ctx, sessionID, ev)
}

func (s *CachedStore) EventsBySession(ctx context.Context, sessionID int64) ([]model.Event, error) {
	return s.primary.EventsBySession(ctx, sessionID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheSession(ctx context.Context, sess *model.Session) {
	if data, err := json.Marshal(sess); err == nil {
		s.rdb.Set(ctx, sessionKey(sess.ID), data, s.ttl)
	}
}

func sessionKey(id int64) string { return fmt.Sprintf("session:%d", id) }
func nameKey(name string) string { return fmt.Sprintf("session-name:%s", name) }
