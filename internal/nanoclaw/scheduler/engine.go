// Package scheduler fires scheduled prompts (cron, interval, once) into the
// group queue at their due time and persists the next occurrence before the
// firing outcome is known, so a crash mid-fire never replays an already-fired
// occurrence.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nanoclaw/host/internal/nanoclaw/store"
)

// GroupExistence is the narrow registry view the scheduler needs: whether a
// task's target group is currently registered.
type GroupExistence interface {
	Exists(groupID string) bool
}

// PromptSubmitter is the narrow group-queue view the scheduler needs to fire
// a task. sessionOverride, when non-nil and empty, forces an isolated run
// (null sessionId for that run only, without touching the persisted session).
type PromptSubmitter interface {
	Submit(ctx context.Context, groupID, prompt string, sessionOverride *string) error
}

// Config controls tick cadence and shutdown behavior.
type Config struct {
	TickInterval    time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Engine is the single-loop scheduler: on each tick it
// loads due tasks and fires them in nextRun order, advancing persisted state
// before awaiting the submission outcome.
type Engine struct {
	store     *store.Store
	groups    GroupExistence
	submitter PromptSubmitter
	cfg       Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	ticker  *time.Ticker
	running bool
	done    chan struct{}
}

// New constructs an Engine. groups and submitter are typically the group
// registry and group queue respectively.
func New(st *store.Store, groups GroupExistence, submitter PromptSubmitter, cfg Config) *Engine {
	return &Engine{
		store:     st,
		groups:    groups,
		submitter: submitter,
		cfg:       cfg.withDefaults(),
	}
}

// Start begins the tick loop in a background goroutine. It returns
// immediately; call Stop to drain and halt it.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.ticker = time.NewTicker(e.cfg.TickInterval)
	e.done = make(chan struct{})
	e.running = true
	e.mu.Unlock()

	go e.run(runCtx)
	slog.Info("scheduler started", "tick_interval", e.cfg.TickInterval)
}

// Stop halts the tick loop, waiting up to the configured shutdown timeout
// for the current tick (if any) to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	ticker := e.ticker
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	cancel()

	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownTimeout):
		slog.Warn("scheduler stop timed out waiting for in-flight tick")
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-e.ticker.C:
			e.onTick(ctx)
		case <-ctx.Done():
			slog.Info("scheduler tick loop stopped")
			return
		}
	}
}

func (e *Engine) onTick(ctx context.Context) {
	now := time.Now()
	due, err := e.store.ListDueTasks(ctx, now)
	if err != nil {
		slog.Error("scheduler: failed to load due tasks", "error", err)
		return
	}
	for _, t := range due {
		e.fire(ctx, t, now)
	}
}

func (e *Engine) fire(ctx context.Context, t *store.Task, firingInstant time.Time) {
	log := slog.With("task_id", t.ID, "group_folder", t.GroupFolder, "chat_jid", t.ChatJID)

	if !e.groups.Exists(t.ChatJID) {
		log.Warn("scheduler: target group not registered, pausing task")
		if err := e.store.UpdateTaskStatus(ctx, t.ID, store.TaskPaused); err != nil {
			log.Error("scheduler: failed to pause task for unregistered group", "error", err)
		}
		return
	}

	if err := e.advance(ctx, t, firingInstant); err != nil {
		log.Error("scheduler: failed to advance next_run before firing", "error", err)
		return
	}

	var sessionOverride *string
	if t.ContextMode == store.ContextIsolated {
		empty := ""
		sessionOverride = &empty
	}

	if err := e.submitter.Submit(ctx, t.ChatJID, t.Prompt, sessionOverride); err != nil {
		log.Error("scheduler: submit failed, will not retry this occurrence", "error", err)
	}
}

// advance persists the task's next occurrence (or deletes it, for `once`)
// before the submission outcome is known.
func (e *Engine) advance(ctx context.Context, t *store.Task, firingInstant time.Time) error {
	switch t.ScheduleType {
	case store.ScheduleCron:
		next, err := NextCronOccurrence(t.ScheduleValue, firingInstant)
		if err != nil {
			return err
		}
		return e.store.AdvanceNextRun(ctx, t.ID, nullTime(next))

	case store.ScheduleInterval:
		ms, err := parseMillis(t.ScheduleValue)
		if err != nil {
			return fmt.Errorf("parse interval value %q: %w", t.ScheduleValue, err)
		}
		next := firingInstant.Add(time.Duration(ms) * time.Millisecond)
		return e.store.AdvanceNextRun(ctx, t.ID, nullTime(next))

	case store.ScheduleOnce:
		return e.store.DeleteTask(ctx, t.ID)

	default:
		return fmt.Errorf("unknown schedule type %q", t.ScheduleType)
	}
}
