package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRouterStateNotFound is returned by GetRouterState when the requested
// key has not been set.
var ErrRouterStateNotFound = errors.New("store: router state key not found")

// RouterState is the tiny string/string map persisted for process-level
// scalars (e.g. last-agent-activity bookkeeping).

// RouterStateKeyLastActivity returns the router_state key under which a
// group's last-observed-output timestamp (RFC3339, UTC) is persisted.
func RouterStateKeyLastActivity(groupID string) string {
	return "last_activity:" + groupID
}

// SetRouterState upserts a key/value pair, recording the current time.
func (s *Store) SetRouterState(ctx context.Context, key, value string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO router_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, now)
	if err != nil {
		return fmt.Errorf("router state: set %q: %w", key, err)
	}
	return nil
}

// GetRouterState returns the value for key, or ErrRouterStateNotFound.
func (s *Store) GetRouterState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM router_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRouterStateNotFound
	}
	if err != nil {
		return "", fmt.Errorf("router state: get %q: %w", key, err)
	}
	return value, nil
}

// ListRouterState returns a snapshot of all router state key/value pairs,
// ordered by key. The host does not call it at startup.
func (s *Store) ListRouterState(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM router_state ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("router state: list: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("router state: scan: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
