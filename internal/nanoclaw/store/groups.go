package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrGroupNotFound is returned when a group lookup finds no matching row.
var ErrGroupNotFound = errors.New("store: group not found")

// ErrGroupExists is returned by CreateGroup when the folder is already taken.
var ErrGroupExists = errors.New("store: group already exists")

// Group mirrors the Group entity of the data model: a named execution
// context with its own folder, trigger, and optional container override.
type Group struct {
	ID              string
	DisplayName     string
	Folder          string
	Trigger         string
	ContainerImage  sql.NullString
	ContainerConfig sql.NullString
	AddedAt         time.Time
}

// CreateGroup inserts a new group. Returns ErrGroupExists if the folder is
// already registered.
func (s *Store) CreateGroup(ctx context.Context, g *Group) error {
	g.AddedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, display_name, folder, trigger, container_image, container_config, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, g.ID, g.DisplayName, g.Folder, g.Trigger, g.ContainerImage, g.ContainerConfig, g.AddedAt)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return ErrGroupExists
		}
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

// GetGroup retrieves a group by folder (the routing key).
func (s *Store) GetGroup(ctx context.Context, folder string) (*Group, error) {
	g := &Group{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, folder, trigger, container_image, container_config, added_at
		FROM groups WHERE folder = ?
	`, folder).Scan(&g.ID, &g.DisplayName, &g.Folder, &g.Trigger, &g.ContainerImage, &g.ContainerConfig, &g.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group %q: %w", folder, err)
	}
	return g, nil
}

// ListGroups returns all registered groups ordered by registration time.
func (s *Store) ListGroups(ctx context.Context) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, folder, trigger, container_image, container_config, added_at
		FROM groups ORDER BY added_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []*Group
	for rows.Next() {
		g := &Group{}
		if err := rows.Scan(&g.ID, &g.DisplayName, &g.Folder, &g.Trigger, &g.ContainerImage, &g.ContainerConfig, &g.AddedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ExistsGroup reports whether a group with the given folder is registered.
func (s *Store) ExistsGroup(ctx context.Context, folder string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM groups WHERE folder = ?`, folder).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("exists group %q: %w", folder, err)
	}
	return n > 0, nil
}

func isUniqueConstraintErr(err error) bool {
	// modernc.org/sqlite wraps libc errno-derived messages rather than a
	// typed sentinel, so match on message text.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
