package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when no session exists for a folder.
var ErrSessionNotFound = errors.New("store: session not found")

// SetSession creates or overwrites the session token for a group folder
// Session: "created/overwritten whenever a container run emits a
// newSessionId").
func (s *Store) SetSession(ctx context.Context, folder, sessionID string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (folder, session_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(folder) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = excluded.updated_at
	`, folder, sessionID, now)
	if err != nil {
		return fmt.Errorf("set session for %q: %w", folder, err)
	}
	return nil
}

// GetSession returns the current session token for a group folder, or
// ErrSessionNotFound if the group has never completed a run.
func (s *Store) GetSession(ctx context.Context, folder string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE folder = ?`, folder).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get session for %q: %w", folder, err)
	}
	return sessionID, nil
}

// ListSessions returns a snapshot of all folder→sessionID pairs. The host
// does not call it at startup; a group's session is read with GetSession
// when a run is spawned.
func (s *Store) ListSessions(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT folder, session_id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var folder, sessionID string
		if err := rows.Scan(&folder, &sessionID); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out[folder] = sessionID
	}
	return out, rows.Err()
}
