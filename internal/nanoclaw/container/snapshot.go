package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	"github.com/nanoclaw/host/internal/nanoclaw/group"
	"github.com/nanoclaw/host/internal/nanoclaw/store"
)

// taskSnapshotEntry mirrors the shape the in-container agent's list_tasks
// tool reads from its tasks snapshot.
type taskSnapshotEntry struct {
	ID            string  `json:"id"`
	GroupFolder   string  `json:"groupFolder"`
	Prompt        string  `json:"prompt"`
	ScheduleType  string  `json:"schedule_type"`
	ScheduleValue string  `json:"schedule_value"`
	Status        string  `json:"status"`
	NextRun       *string `json:"next_run"`
}

// groupSnapshotEntry mirrors the registry projection the in-container agent
// reads from its groups snapshot.
type groupSnapshotEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	LastActivity string `json:"lastActivity"`
	IsRegistered bool   `json:"isRegistered"`
}

// WriteSnapshots materializes the tasks and groups snapshot files the
// in-container agent reads for folder/isMain: all
// tasks/groups for main, only the caller's own otherwise, at
// <snapshotsDir>/<folder>/{tasks,groups}.json. Writes are atomic (temp file
// + rename) so a concurrently-reading container never observes a
// half-written file.
func WriteSnapshots(ctx context.Context, st *store.Store, reg *group.Registry, snapshotsDir, folder string, isMain bool) error {
	dir := filepath.Join(snapshotsDir, folder)
	if err := writeTasksSnapshot(ctx, st, dir, folder, isMain); err != nil {
		return err
	}
	return writeGroupsSnapshot(ctx, st, reg, dir, folder, isMain)
}

func writeTasksSnapshot(ctx context.Context, st *store.Store, dir, folder string, isMain bool) error {
	var tasks []*store.Task
	var err error
	if isMain {
		tasks, err = st.ListTasks(ctx)
	} else {
		tasks, err = st.ListTasksByGroup(ctx, folder)
	}
	if err != nil {
		return fmt.Errorf("load tasks for snapshot: %w", err)
	}

	entries := make([]taskSnapshotEntry, 0, len(tasks))
	for _, t := range tasks {
		entry := taskSnapshotEntry{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			Status:        t.Status,
		}
		if t.NextRun.Valid {
			s := t.NextRun.Time.Format(time.RFC3339)
			entry.NextRun = &s
		}
		entries = append(entries, entry)
	}

	return writeJSONAtomic(filepath.Join(dir, "tasks.json"), entries)
}

func writeGroupsSnapshot(ctx context.Context, st *store.Store, reg *group.Registry, dir, folder string, isMain bool) error {
	all := reg.List()
	var entries []groupSnapshotEntry
	if isMain {
		entries = make([]groupSnapshotEntry, 0, len(all))
		for _, g := range all {
			entries = append(entries, groupSnapshotEntry{ID: g.ID, Name: g.DisplayName, LastActivity: lastActivity(ctx, st, g), IsRegistered: true})
		}
	} else {
		for _, g := range all {
			if g.ID == folder {
				entries = []groupSnapshotEntry{{ID: g.ID, Name: g.DisplayName, LastActivity: lastActivity(ctx, st, g), IsRegistered: true}}
				break
			}
		}
	}

	return writeJSONAtomic(filepath.Join(dir, "groups.json"), entries)
}

// lastActivity returns g's last-observed-output timestamp from router_state,
// falling back to its registration time if no run has produced output yet.
func lastActivity(ctx context.Context, st *store.Store, g *group.Group) string {
	v, err := st.GetRouterState(ctx, store.RouterStateKeyLastActivity(g.ID))
	if err != nil {
		return g.AddedAt
	}
	return v
}

func writeJSONAtomic(path string, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir for %q: %w", path, err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(encoded)); err != nil {
		return fmt.Errorf("write snapshot %q: %w", path, err)
	}
	return nil
}
