package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cowritehq/cowrite/internal/domain/operation"
	"github.com/cowritehq/cowrite/internal/domain/session"
	"github.com/cowritehq/cowrite/internal/repository"
)

const persistMaxRetries = 5

// SessionStore implements repository.SessionStore for SQLite. It backs both
// the engine's persistence collaborator and its resource-state provider:
// the latest snapshot persisted for a resource is what seeds a freshly
// re-created session after eviction.
type SessionStore struct {
	db     *DB
	logger *slog.Logger
}

// NewSessionStore creates a new SessionStore
func NewSessionStore(db *DB, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{db: db, logger: logger}
}

var _ repository.SessionStore = (*SessionStore)(nil)

// PersistSession upserts the session snapshot and appends any log entries
// not yet stored. Transient lock conflicts are retried with exponential
// backoff; the caller treats any returned error as a persistence failure
// to log, never as fatal to live collaboration.
func (s *SessionStore) PersistSession(ctx context.Context, snap session.Snapshot) error {
	op := func() error {
		err := s.persistOnce(ctx, snap)
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), persistMaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("persisting session %s: %w", snap.ID, err)
	}
	return nil
}

func (s *SessionStore) persistOnce(ctx context.Context, snap session.Snapshot) error {
	participants, err := json.Marshal(snap.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO collab_sessions (id, resource_id, resource_type, workspace_id, participants, state, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = excluded.participants,
			state = excluded.state,
			last_activity = excluded.last_activity
	`,
		snap.ID,
		snap.ResourceID,
		string(snap.ResourceType),
		snap.WorkspaceID,
		string(participants),
		string(state),
		snap.CreatedAt,
		snap.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	for _, op := range snap.Operations {
		payload, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("encode operation: %w", err)
		}
		// The snapshot carries the engine's recent log tail, most of
		// which is already stored; the unique (session_id, id) key
		// makes the append idempotent. Composed operations keep their
		// original id, so their latest payload wins.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO collab_operations (id, session_id, user_id, type, payload, created_at, applied_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, id) DO UPDATE SET payload = excluded.payload
		`,
			op.ID,
			snap.ID,
			op.UserID,
			string(op.Type),
			string(payload),
			op.Timestamp,
			op.AppliedAt,
		)
		if err != nil {
			return fmt.Errorf("append operation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetSession loads the most recently persisted snapshot of a session,
// including its full operation log.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*session.Snapshot, error) {
	query := `
		SELECT id, resource_id, resource_type, workspace_id, participants, state, created_at, last_activity
		FROM collab_sessions
		WHERE id = ?
	`

	var snap session.Snapshot
	var resourceType, participants, state string
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&snap.ID,
		&snap.ResourceID,
		&resourceType,
		&snap.WorkspaceID,
		&participants,
		&state,
		&snap.CreatedAt,
		&snap.LastActivity,
	)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	snap.ResourceType = session.ResourceType(resourceType)
	if err := json.Unmarshal([]byte(participants), &snap.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	snap.State = &operation.State{}
	if err := json.Unmarshal([]byte(state), snap.State); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}

	ops, err := s.Operations(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load operations: %w", err)
	}
	snap.Operations = ops

	return &snap, nil
}

// ResourceState returns the latest persisted document state for a resource,
// or nil when the resource has never been persisted. A nil state primes an
// empty document in the engine.
func (s *SessionStore) ResourceState(ctx context.Context, resourceID string, resourceType session.ResourceType) (*operation.State, error) {
	query := `
		SELECT state
		FROM collab_sessions
		WHERE resource_id = ? AND resource_type = ?
		ORDER BY last_activity DESC
		LIMIT 1
	`

	var raw string
	err := s.db.QueryRowContext(ctx, query, resourceID, string(resourceType)).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource state: %w", err)
	}

	state := &operation.State{}
	if err := json.Unmarshal([]byte(raw), state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}

// Operations returns up to limit most recent log entries for a session in
// admission order. A limit of zero or less returns the full log.
func (s *SessionStore) Operations(ctx context.Context, sessionID string, limit int) ([]operation.Operation, error) {
	query := `
		SELECT payload FROM (
			SELECT seq, payload
			FROM collab_operations
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []operation.Operation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		var op operation.Operation
		if err := json.Unmarshal([]byte(payload), &op); err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}

	return ops, nil
}

// DeleteBefore prunes log entries older than the cutoff for sessions whose
// snapshot already incorporates them. Intended for an operator cron, not
// the live path.
func (s *SessionStore) DeleteBefore(ctx context.Context, sessionID string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM collab_operations WHERE session_id = ? AND applied_at < ?`,
		sessionID, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
