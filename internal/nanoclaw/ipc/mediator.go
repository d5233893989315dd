// Package ipc polls the per-group inbox directory tree for agent-originated
// message/task-op/group-registration files, authorizes and applies each,
// then deletes it (or quarantines it on failure).
package ipc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nanoclaw/host/internal/nanoclaw/group"
	"github.com/nanoclaw/host/internal/nanoclaw/router"
	"github.com/nanoclaw/host/internal/nanoclaw/scheduler"
	"github.com/nanoclaw/host/internal/nanoclaw/store"
)

const defaultPollInterval = 250 * time.Millisecond

// Config controls the mediator's poll cadence and assistant-name prefix.
type Config struct {
	PollInterval  time.Duration
	AssistantName string
	Location      *time.Location
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Mediator is the IPC inbox scanner/authorizer/applier.
type Mediator struct {
	st     *store.Store
	reg    *group.Registry
	out    *router.Router
	dataDir string
	cfg    Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	ticker  *time.Ticker
	running bool
	done    chan struct{}
}

// New constructs a Mediator. dataDir is the root containing the `ipc/`
// subtree.
func New(st *store.Store, reg *group.Registry, out *router.Router, dataDir string, cfg Config) *Mediator {
	return &Mediator{st: st, reg: reg, out: out, dataDir: dataDir, cfg: cfg.withDefaults()}
}

// Start begins the poll loop in a background goroutine.
func (m *Mediator) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("ipc mediator: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.ticker = time.NewTicker(m.cfg.PollInterval)
	m.done = make(chan struct{})
	m.running = true
	m.mu.Unlock()

	go m.run(runCtx)
	return nil
}

// Stop halts the poll loop and waits for it to exit.
func (m *Mediator) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	done := m.done
	m.running = false
	m.mu.Unlock()
	<-done
}

func (m *Mediator) run(ctx context.Context) {
	defer close(m.done)
	defer m.ticker.Stop()
	m.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ticker.C:
			m.pollOnce(ctx)
		}
	}
}

// pollOnce scans every <dataDir>/ipc/<sourceGroup>/{messages,tasks}/*.json
// file once. Scan errors for an individual source-group directory are
// logged and do not stop the rest of the sweep.
func (m *Mediator) pollOnce(ctx context.Context) {
	root := filepath.Join(m.dataDir, "ipc")
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("ipc mediator: failed to resolve inbox root", "error", err)
		}
		return
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("ipc mediator: failed to list inbox root", "error", err)
		}
		return
	}

	for _, entry := range entries {
		if entry.Name() == "errors" {
			continue
		}
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		sourceGroup := entry.Name()
		for _, sub := range []string{"messages", "tasks"} {
			dir := filepath.Join(root, sourceGroup, sub)
			files, err := os.ReadDir(dir)
			if err != nil {
				if !os.IsNotExist(err) {
					slog.Error("ipc mediator: failed to list inbox dir", "dir", dir, "error", err)
				}
				continue
			}
			for _, f := range files {
				if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
					continue
				}
				m.processFile(ctx, realRoot, sourceGroup, filepath.Join(dir, f.Name()), f.Name())
			}
		}
	}
}

// resolveWithinRoot resolves path's real location, following every symlink
// in its full chain of path components, and reports whether that real
// location is realRoot itself or sits beneath it. sourceGroup/isMain
// identity is derived from a directory name the caller does not otherwise
// control; a symlinked directory or file lets an attacker point that name
// at arbitrary host content, so every file must be proven to resolve inside
// the inbox tree before its directory name is trusted.
func resolveWithinRoot(realRoot, path string) (real string, ok bool) {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", false
	}
	if real == realRoot {
		return real, true
	}
	return real, strings.HasPrefix(real, realRoot+string(os.PathSeparator))
}

func (m *Mediator) processFile(ctx context.Context, realRoot, sourceGroup, path, filename string) {
	if real, ok := resolveWithinRoot(realRoot, path); !ok {
		slog.Error("ipc mediator: rejecting inbox file whose real path escapes the inbox tree",
			"source_group", sourceGroup, "file", filename, "real_path", real)
		m.remove(path)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("ipc mediator: failed to read inbox file", "path", path, "error", err)
		}
		return
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		m.quarantine(sourceGroup, filename, path, data, fmt.Errorf("malformed json: %w", err))
		return
	}

	if err := validatePayload(envelope.Type, data); err != nil {
		m.quarantine(sourceGroup, filename, path, data, err)
		return
	}

	isMain := sourceGroup == m.reg.MainGroupID()

	var applyErr error
	authorized := true
	switch envelope.Type {
	case "message":
		authorized, applyErr = m.applyMessage(ctx, sourceGroup, isMain, data)
	case "schedule_task":
		authorized, applyErr = m.applyScheduleTask(ctx, sourceGroup, isMain, data)
	case "pause_task":
		authorized, applyErr = m.applyTaskOp(ctx, sourceGroup, isMain, data, store.TaskPaused)
	case "resume_task":
		authorized, applyErr = m.applyTaskOp(ctx, sourceGroup, isMain, data, store.TaskActive)
	case "cancel_task":
		authorized, applyErr = m.applyCancelTask(ctx, sourceGroup, isMain, data)
	case "register_group":
		authorized, applyErr = m.applyRegisterGroup(ctx, sourceGroup, isMain, data)
	default:
		m.quarantine(sourceGroup, filename, path, data, fmt.Errorf("unknown ipc type %q", envelope.Type))
		return
	}

	if !authorized {
		slog.Warn("ipc mediator: unauthorized request dropped", "source_group", sourceGroup, "type", envelope.Type, "file", filename)
		m.remove(path)
		return
	}
	if applyErr != nil {
		m.quarantine(sourceGroup, filename, path, data, applyErr)
		return
	}
	m.remove(path)
}

func (m *Mediator) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Error("ipc mediator: failed to delete applied inbox file", "path", path, "error", err)
	}
}

// quarantine moves a file that failed parsing/application to
// <dataDir>/ipc/errors/<sourceGroup>-<filename>, preserving its original
// bytes for inspection.
func (m *Mediator) quarantine(sourceGroup, filename, path string, data []byte, cause error) {
	slog.Error("ipc mediator: quarantining inbox file", "source_group", sourceGroup, "file", filename, "error", cause)
	errDir := filepath.Join(m.dataDir, "ipc", "errors")
	if err := os.MkdirAll(errDir, 0o755); err != nil {
		slog.Error("ipc mediator: failed to create errors dir", "error", err)
		return
	}
	dest := filepath.Join(errDir, sourceGroup+"-"+filename)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		slog.Error("ipc mediator: failed to write quarantined file", "dest", dest, "error", err)
		return
	}
	m.remove(path)
}

type messagePayload struct {
	ChatJID string `json:"chatJid"`
	Text    string `json:"text"`
}

// applyMessage authorizes and delivers an agent→host async message to the
// target group's output router slot, prefixed with the assistant name.
func (m *Mediator) applyMessage(ctx context.Context, sourceGroup string, isMain bool, data []byte) (authorized bool, err error) {
	var p messagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return true, fmt.Errorf("decode message payload: %w", err)
	}

	target, err := group.NormalizeGroupID(p.ChatJID)
	if err != nil {
		return true, fmt.Errorf("invalid chatJid %q: %w", p.ChatJID, err)
	}
	if !isMain && target != sourceGroup {
		return false, nil
	}

	prefixed := m.cfg.AssistantName + ": " + p.Text
	m.out.Emit(target, router.Event{Kind: router.KindMessage, Text: prefixed})
	return true, nil
}

type scheduleTaskPayload struct {
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	TargetJID     string `json:"targetJid"`
	ContextMode   string `json:"contextMode"`
}

// applyScheduleTask authorizes and persists a new scheduled task, computing
// its initial nextRun per the per-scheduleType rules below.
func (m *Mediator) applyScheduleTask(ctx context.Context, sourceGroup string, isMain bool, data []byte) (authorized bool, err error) {
	var p scheduleTaskPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return true, fmt.Errorf("decode schedule_task payload: %w", err)
	}

	target, err := group.NormalizeGroupID(p.TargetJID)
	if err != nil {
		return true, fmt.Errorf("invalid targetJid %q: %w", p.TargetJID, err)
	}
	if !m.reg.Exists(target) {
		return true, fmt.Errorf("schedule_task target group %q is not registered", target)
	}
	if !isMain && target != sourceGroup {
		return false, nil
	}

	nextRun, err := computeInitialNextRun(p.ScheduleType, p.ScheduleValue, m.cfg.Location)
	if err != nil {
		return true, fmt.Errorf("invalid schedule for task: %w", err)
	}

	contextMode := p.ContextMode
	if contextMode != store.ContextGroup && contextMode != store.ContextIsolated {
		contextMode = store.ContextIsolated
	}

	task := &store.Task{
		ID:            ulid.Make().String(),
		GroupFolder:   target,
		ChatJID:       target,
		Prompt:        p.Prompt,
		ScheduleType:  p.ScheduleType,
		ScheduleValue: p.ScheduleValue,
		ContextMode:   contextMode,
		Status:        store.TaskActive,
		NextRun:       nextRun,
	}
	if err := m.st.CreateTask(ctx, task); err != nil {
		return true, fmt.Errorf("persist scheduled task: %w", err)
	}
	return true, nil
}

// computeInitialNextRun mirrors scheduler.advance's per-scheduleType
// computation for a task's first nextRun at creation time.
func computeInitialNextRun(scheduleType, scheduleValue string, loc *time.Location) (sql.NullTime, error) {
	switch scheduleType {
	case store.ScheduleCron:
		if err := scheduler.ValidateCronExpression(scheduleValue); err != nil {
			return sql.NullTime{}, err
		}
		next, err := scheduler.NextCronOccurrence(scheduleValue, time.Now().In(loc))
		if err != nil {
			return sql.NullTime{}, err
		}
		return sql.NullTime{Time: next, Valid: true}, nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return sql.NullTime{}, fmt.Errorf("interval scheduleValue must be a positive integer of milliseconds, got %q", scheduleValue)
		}
		return sql.NullTime{Time: time.Now().Add(time.Duration(ms) * time.Millisecond), Valid: true}, nil
	case store.ScheduleOnce:
		ts, err := time.Parse(time.RFC3339, scheduleValue)
		if err != nil {
			return sql.NullTime{}, fmt.Errorf("once scheduleValue must be an ISO timestamp, got %q: %w", scheduleValue, err)
		}
		return sql.NullTime{Time: ts, Valid: true}, nil
	default:
		return sql.NullTime{}, fmt.Errorf("unknown scheduleType %q", scheduleType)
	}
}

type taskOpPayload struct {
	TaskID string `json:"taskId"`
}

// applyTaskOp authorizes and applies pause_task/resume_task, setting the
// task's status and (for resume) restoring a nextRun if it had none.
func (m *Mediator) applyTaskOp(ctx context.Context, sourceGroup string, isMain bool, data []byte, newStatus string) (authorized bool, err error) {
	var p taskOpPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return true, fmt.Errorf("decode task op payload: %w", err)
	}

	task, err := m.st.GetTask(ctx, p.TaskID)
	if err != nil {
		return true, fmt.Errorf("look up task %q: %w", p.TaskID, err)
	}
	if !isMain && task.GroupFolder != sourceGroup {
		return false, nil
	}

	if newStatus == store.TaskActive && !task.NextRun.Valid && task.ScheduleType != store.ScheduleOnce {
		nextRun, err := computeInitialNextRun(task.ScheduleType, task.ScheduleValue, m.cfg.Location)
		if err == nil {
			if err := m.st.AdvanceNextRun(ctx, task.ID, nextRun); err != nil {
				return true, fmt.Errorf("restore next_run on resume: %w", err)
			}
		}
	}

	if err := m.st.UpdateTaskStatus(ctx, p.TaskID, newStatus); err != nil {
		return true, fmt.Errorf("update task status: %w", err)
	}
	return true, nil
}

// applyCancelTask authorizes and deletes a task outright.
func (m *Mediator) applyCancelTask(ctx context.Context, sourceGroup string, isMain bool, data []byte) (authorized bool, err error) {
	var p taskOpPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return true, fmt.Errorf("decode cancel_task payload: %w", err)
	}

	task, err := m.st.GetTask(ctx, p.TaskID)
	if err != nil {
		return true, fmt.Errorf("look up task %q: %w", p.TaskID, err)
	}
	if !isMain && task.GroupFolder != sourceGroup {
		return false, nil
	}

	if err := m.st.DeleteTask(ctx, p.TaskID); err != nil {
		return true, fmt.Errorf("delete cancelled task: %w", err)
	}
	return true, nil
}

type registerGroupPayload struct {
	JID             string                 `json:"jid"`
	Name            string                 `json:"name"`
	Folder          string                 `json:"folder"`
	Trigger         string                 `json:"trigger"`
	ContainerConfig map[string]interface{} `json:"containerConfig"`
}

// applyRegisterGroup authorizes (main only) and registers a new group.
func (m *Mediator) applyRegisterGroup(ctx context.Context, sourceGroup string, isMain bool, data []byte) (authorized bool, err error) {
	if !isMain {
		return false, nil
	}

	var p registerGroupPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return true, fmt.Errorf("decode register_group payload: %w", err)
	}

	if _, err := m.reg.Register(ctx, p.Folder, p.Name, p.Trigger); err != nil {
		if errors.Is(err, group.ErrInvalidGroupID) {
			return true, err
		}
		return true, fmt.Errorf("register group %q: %w", p.Folder, err)
	}
	return true, nil
}
