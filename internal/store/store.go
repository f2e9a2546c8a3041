// Package store defines the record sink for the simulation server.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for session reads), and in-memory (for testing and development).
//
// The sink holds three kinds of records: session rows with their latest
// state snapshot, append-only decision records, and append-only event
// records. Decisions and events are never updated or deleted.
package store

import (
	"context"
	"errors"

	"github.com/bubblesim/sim-engine/internal/model"
)

// ErrNotFound is returned when a session lookup misses.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface consumed by the session coordinator.
type Store interface {
	// --- Session rows ---

	// CreateSession persists a new session and assigns its ID.
	CreateSession(ctx context.Context, sess *model.Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id int64) (*model.Session, error)

	// GetSessionByName retrieves an active session by display name.
	GetSessionByName(ctx context.Context, name string) (*model.Session, error)

	// UpdateSession overwrites the session row, including the embedded
	// market/policy snapshot.
	UpdateSession(ctx context.Context, sess *model.Session) error

	// UpdateSessionRole updates only the session's current role.
	UpdateSessionRole(ctx context.Context, id int64, role string) error

	// ListActiveSessions returns every session still marked active.
	ListActiveSessions(ctx context.Context) ([]model.Session, error)

	// --- Append-only records ---

	// RecordDecision appends an immutable decision record.
	RecordDecision(ctx context.Context, rec *model.DecisionRecord) error

	// RecordEvent appends an immutable event record for a session.
	RecordEvent(ctx context.Context, sessionID int64, ev *model.Event) error

	// EventsBySession returns all recorded events for a session in
	// insertion order.
	EventsBySession(ctx context.Context, sessionID int64) ([]model.Event, error)
}
