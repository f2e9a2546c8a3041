package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bubblesim/sim-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// State snapshots and action parameters are stored as JSONB; decision and
// event rows are append-only.
//
// Expected schema:
//
//	CREATE TABLE sessions (
//	    id            BIGSERIAL PRIMARY KEY,
//	    owner_id      TEXT NOT NULL,
//	    name          TEXT NOT NULL,
//	    current_role  TEXT NOT NULL,
//	    active        BOOLEAN NOT NULL DEFAULT TRUE,
//	    market_state  JSONB NOT NULL,
//	    policy_state  JSONB NOT NULL,
//	    created_at    TIMESTAMPTZ NOT NULL,
//	    updated_at    TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE decisions (
//	    id             UUID PRIMARY KEY,
//	    session_id     BIGINT NOT NULL REFERENCES sessions(id),
//	    participant_id TEXT NOT NULL,
//	    role           TEXT NOT NULL,
//	    action_type    TEXT NOT NULL,
//	    parameters     JSONB,
//	    created_at     TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE events (
//	    id           UUID PRIMARY KEY,
//	    session_id   BIGINT NOT NULL REFERENCES sessions(id),
//	    seq          BIGSERIAL,
//	    event_type   TEXT NOT NULL,
//	    event_data   JSONB,
//	    triggered_by TEXT NOT NULL,
//	    impact       JSONB
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
	market, policy, err := marshalStates(sess)
	if err != nil {
		return err
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO sessions (owner_id, name, current_role, active, market_state, policy_state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		sess.OwnerID, sess.Name, sess.CurrentRole, sess.Active,
		market, policy, sess.CreatedAt, sess.UpdatedAt,
	).Scan(&sess.ID)
}

func (s *PostgresStore) GetSession(ctx context.Context, id int64) (*model.Session, error) {
	return s.scanSession(s.pool.QueryRow(ctx, sessionSelect+` WHERE id = $1`, id), id)
}

func (s *PostgresStore) GetSessionByName(ctx context.Context, name string) (*model.Session, error) {
	return s.scanSession(s.pool.QueryRow(ctx,
		sessionSelect+` WHERE name = $1 AND active ORDER BY created_at DESC LIMIT 1`, name), 0)
}

const sessionSelect = `SELECT id, owner_id, name, current_role, active, market_state, policy_state, created_at, updated_at FROM sessions`

func (s *PostgresStore) scanSession(row pgx.Row, id int64) (*model.Session, error) {
	var sess model.Session
	var market, policy []byte

	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.Name, &sess.CurrentRole, &sess.Active,
		&market, &policy, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	if err := json.Unmarshal(market, &sess.Market); err != nil {
		return nil, fmt.Errorf("decode market state: %w", err)
	}
	if err := json.Unmarshal(policy, &sess.Policy); err != nil {
		return nil, fmt.Errorf("decode policy state: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	market, policy, err := marshalStates(sess)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE sessions
		 SET owner_id = $2, name = $3, current_role = $4, active = $5,
		     market_state = $6, policy_state = $7, updated_at = $8
		 WHERE id = $1`,
		sess.ID, sess.OwnerID, sess.Name, sess.CurrentRole, sess.Active,
		market, policy, sess.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateSessionRole(ctx context.Context, id int64, role string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET current_role = $2, updated_at = NOW() WHERE id = $1`,
		id, role,
	)
	return err
}

func (s *PostgresStore) ListActiveSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx, sessionSelect+` WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := s.scanSession(rows, 0)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) RecordDecision(ctx context.Context, rec *model.DecisionRecord) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("encode decision params: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO decisions (id, session_id, participant_id, role, action_type, parameters, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.SessionID, rec.ParticipantID, rec.Role, rec.ActionType, params, rec.CreatedAt,
	)
	return err
}

func (s *PostgresStore) RecordEvent(ctx context.Context, sessionID int64, ev *model.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	impact, err := json.Marshal(ev.Impact)
	if err != nil {
		return fmt.Errorf("encode event impact: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO events (id, session_id, event_type, event_data, triggered_by, impact)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, sessionID, ev.Type, data, ev.TriggeredBy, impact,
	)
	return err
}

func (s *PostgresStore) EventsBySession(ctx context.Context, sessionID int64) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_type, event_data, triggered_by, impact
		 FROM events WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var data, impact []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &data, &ev.TriggeredBy, &impact); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &ev.Data); err != nil {
			return nil, fmt.Errorf("decode event data: %w", err)
		}
		if err := json.Unmarshal(impact, &ev.Impact); err != nil {
			return nil, fmt.Errorf("decode event impact: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func marshalStates(sess *model.Session) (market, policy []byte, err error) {
	market, err = json.Marshal(sess.Market)
	if err != nil {
		return nil, nil, fmt.Errorf("encode market state: %w", err)
	}
	policy, err = json.Marshal(sess.Policy)
	if err != nil {
		return nil, nil, fmt.Errorf("encode policy state: %w", err)
	}
	return market, policy, nil
}
