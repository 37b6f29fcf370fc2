package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/rift/internal/doc"
	"github.com/roach88/rift/internal/remote"
)

// SessionStore persists state snapshots for one session id.
// It satisfies state.Persister.
type SessionStore struct {
	store     *Store
	sessionID string
}

// Session returns the snapshot store for sessionID.
func (s *Store) Session(sessionID string) *SessionStore {
	return &SessionStore{store: s, sessionID: sessionID}
}

// ID returns the session id.
func (ss *SessionStore) ID() string {
	return ss.sessionID
}

// Load returns the saved snapshot, or nil when none exists.
// A row that does not decode to an object is reported as an error; callers
// treat that as an empty snapshot.
func (ss *SessionStore) Load(ctx context.Context) (map[string]any, error) {
	var raw string
	err := ss.store.db.QueryRowContext(ctx,
		"SELECT data FROM session_snapshots WHERE session_id = ?", ss.sessionID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", ss.sessionID, err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("load session %s: corrupt snapshot: %w", ss.sessionID, err)
	}
	return data, nil
}

// Save replaces the snapshot.
func (ss *SessionStore) Save(ctx context.Context, data map[string]any) error {
	raw, err := doc.MarshalCanonical(data)
	if err != nil {
		return fmt.Errorf("save session %s: marshal: %w", ss.sessionID, err)
	}
	_, err = ss.store.db.ExecContext(ctx, `
		INSERT INTO session_snapshots (session_id, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, ss.sessionID, string(raw), remote.FormatTimestamp(ss.store.clock.Now()))
	if err != nil {
		return fmt.Errorf("save session %s: %w", ss.sessionID, err)
	}
	return nil
}

// Clear removes the snapshot.
func (ss *SessionStore) Clear(ctx context.Context) error {
	if _, err := ss.store.db.ExecContext(ctx,
		"DELETE FROM session_snapshots WHERE session_id = ?", ss.sessionID,
	); err != nil {
		return fmt.Errorf("clear session %s: %w", ss.sessionID, err)
	}
	return nil
}
