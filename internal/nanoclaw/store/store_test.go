package store_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nanoclaw/host/internal/nanoclaw/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "nanoclaw-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func TestCreateAndGetGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := &store.Group{ID: "main", DisplayName: "Main", Folder: "main", Trigger: "@assistant"}
	if err := s.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	got, err := s.GetGroup(ctx, "main")
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if got.DisplayName != "Main" {
		t.Errorf("DisplayName: got %q, want %q", got.DisplayName, "Main")
	}
}

func TestCreateGroup_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := &store.Group{ID: "main", DisplayName: "Main", Folder: "main"}
	if err := s.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	err := s.CreateGroup(ctx, &store.Group{ID: "main2", DisplayName: "Main 2", Folder: "main"})
	if !errors.Is(err, store.ErrGroupExists) {
		t.Fatalf("expected ErrGroupExists, got %v", err)
	}
}

func TestGetGroup_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetGroup(context.Background(), "missing")
	if !errors.Is(err, store.ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestListGroups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateGroup(ctx, &store.Group{ID: "main", DisplayName: "Main", Folder: "main"})
	s.CreateGroup(ctx, &store.Group{ID: "team-a", DisplayName: "Team A", Folder: "team-a"})

	groups, err := s.ListGroups(ctx)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateGroup(ctx, &store.Group{ID: "main", DisplayName: "Main", Folder: "main"})

	if _, err := s.GetSession(ctx, "main"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	if err := s.SetSession(ctx, "main", "sess-1"); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	got, err := s.GetSession(ctx, "main")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != "sess-1" {
		t.Errorf("got %q, want %q", got, "sess-1")
	}

	if err := s.SetSession(ctx, "main", "sess-2"); err != nil {
		t.Fatalf("SetSession overwrite: %v", err)
	}
	got, _ = s.GetSession(ctx, "main")
	if got != "sess-2" {
		t.Errorf("overwrite: got %q, want %q", got, "sess-2")
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateGroup(ctx, &store.Group{ID: "main", DisplayName: "Main", Folder: "main"})

	now := time.Now().Truncate(time.Second)
	task := &store.Task{
		ID: "01TASK", GroupFolder: "main", ChatJID: "main", Prompt: "report",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "300000",
		ContextMode: store.ContextIsolated, Status: store.TaskActive,
		NextRun: sql.NullTime{Time: now, Valid: true},
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	due, err := s.ListDueTasks(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("ListDueTasks: %v", err)
	}
	if len(due) != 1 || due[0].ID != "01TASK" {
		t.Fatalf("expected due task 01TASK, got %v", due)
	}

	next := now.Add(5 * time.Minute)
	if err := s.AdvanceNextRun(ctx, "01TASK", sql.NullTime{Time: next, Valid: true}); err != nil {
		t.Fatalf("AdvanceNextRun: %v", err)
	}
	got, err := s.GetTask(ctx, "01TASK")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !got.NextRun.Time.Equal(next) {
		t.Errorf("next_run: got %v, want %v", got.NextRun.Time, next)
	}

	if err := s.UpdateTaskStatus(ctx, "01TASK", store.TaskPaused); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	got, _ = s.GetTask(ctx, "01TASK")
	if got.Status != store.TaskPaused {
		t.Errorf("status: got %q, want %q", got.Status, store.TaskPaused)
	}

	if err := s.DeleteTask(ctx, "01TASK"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask(ctx, "01TASK"); !errors.Is(err, store.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound after delete, got %v", err)
	}
}

func TestRouterStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetRouterState(ctx, "last_activity"); !errors.Is(err, store.ErrRouterStateNotFound) {
		t.Fatalf("expected ErrRouterStateNotFound, got %v", err)
	}
	if err := s.SetRouterState(ctx, "last_activity", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("SetRouterState: %v", err)
	}
	got, err := s.GetRouterState(ctx, "last_activity")
	if err != nil {
		t.Fatalf("GetRouterState: %v", err)
	}
	if got != "2026-01-01T00:00:00Z" {
		t.Errorf("got %q", got)
	}

	all, err := s.ListRouterState(ctx)
	if err != nil {
		t.Fatalf("ListRouterState: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(all))
	}
}
