package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTaskNotFound is returned when a task lookup finds no matching row.
var ErrTaskNotFound = errors.New("store: task not found")

// Schedule type and task status constants.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"

	ContextGroup    = "group"
	ContextIsolated = "isolated"

	TaskActive = "active"
	TaskPaused = "paused"
)

// Task mirrors the Task entity of the data model.
type Task struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
	Status        string
	NextRun       sql.NullTime
	CreatedAt     time.Time
}

// CreateTask inserts a new scheduled task (produced by IPC schedule_task).
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	t.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue, t.ContextMode, t.Status, t.NextRun, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t := &Task{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at
		FROM tasks WHERE id = ?
	`, id).Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue, &t.ContextMode, &t.Status, &t.NextRun, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %q: %w", id, err)
	}
	return t, nil
}

// ListTasks returns every task ordered by creation time, used to serve the
// main group's tasks snapshot. The scheduler does not use it; it reads due
// tasks with ListDueTasks on each tick.
func (s *Store) ListTasks(ctx context.Context) ([]*Task, error) {
	return s.queryTasks(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at
		FROM tasks ORDER BY created_at ASC
	`)
}

// ListTasksByGroup returns tasks owned by a single group folder (the
// restricted view a non-main group's snapshot is allowed to see).
func (s *Store) ListTasksByGroup(ctx context.Context, folder string) ([]*Task, error) {
	return s.queryTasks(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at
		FROM tasks WHERE group_folder = ? ORDER BY created_at ASC
	`, folder)
}

// ListDueTasks returns active tasks whose next_run has passed, ordered by
// next_run ascending with id as the tie-break.
func (s *Store) ListDueTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	return s.queryTasks(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at
		FROM tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC, id ASC
	`, TaskActive, now)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t := &Task{}
		if err := rows.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue, &t.ContextMode, &t.Status, &t.NextRun, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus sets a task's status (pause_task / resume_task / scheduler
// marking an orphaned task paused when its target group disappears).
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update task status %q: %w", id, err)
	}
	return rowsAffectedOrNotFound(res, ErrTaskNotFound)
}

// AdvanceNextRun persists a new next_run for a task. The scheduler calls this
// *before* awaiting the outcome of the corresponding prompt submission, so a
// crash mid-fire loses at most one occurrence rather than replaying it.
func (s *Store) AdvanceNextRun(ctx context.Context, id string, nextRun sql.NullTime) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET next_run = ? WHERE id = ?`, nextRun, id)
	if err != nil {
		return fmt.Errorf("advance next_run %q: %w", id, err)
	}
	return rowsAffectedOrNotFound(res, ErrTaskNotFound)
}

// DeleteTask removes a task (cancel_task, or completing a `once` fire).
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %q: %w", id, err)
	}
	return rowsAffectedOrNotFound(res, ErrTaskNotFound)
}

func rowsAffectedOrNotFound(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
