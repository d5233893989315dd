package group

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"github.com/nanoclaw/host/internal/nanoclaw/runtime"
	"github.com/nanoclaw/host/internal/nanoclaw/store"
)

// ErrPendingPromptConflict is returned by Submit when a prompt is already
// pending for the group and has not yet been observed (open question:
// second-submit semantics).
var ErrPendingPromptConflict = errors.New("group: a prompt is already pending for this group")

// SubmitOutcome reports whether a prompt was written directly to a live
// subprocess's stdin, or queued to run the next time one is spawned.
type SubmitOutcome int

const (
	Piped SubmitOutcome = iota
	Queued
)

func (o SubmitOutcome) String() string {
	if o == Piped {
		return "piped"
	}
	return "queued"
}

// ProcessPromptFunc spawns (or resumes) a container run for groupID using the
// group's current pending prompt. It is supplied by the container runner via
// SetProcessPromptFn.
type ProcessPromptFunc func(ctx context.Context, groupID string) error

const (
	defaultIdleTimeout    = 30 * time.Second
	defaultStdinEOFGrace  = 10 * time.Second
	defaultKillGrace      = 10 * time.Second
)

// QueueConfig controls idle and shutdown timings.
type QueueConfig struct {
	IdleTimeout   time.Duration
	StdinEOFGrace time.Duration
	KillGrace     time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.StdinEOFGrace <= 0 {
		c.StdinEOFGrace = defaultStdinEOFGrace
	}
	if c.KillGrace <= 0 {
		c.KillGrace = defaultKillGrace
	}
	return c
}

type processHandle struct {
	handle        runtime.ContainerHandle
	containerName string
	folder        string
	ipcDir        string
	stdin         io.WriteCloser
	stdinClosed   bool
}

// ipcInputMessage mirrors the shape the in-container agent's ipc/input
// poller expects (original agent-runner src/tools.py input handling):
// one temp-then-rename JSON file per follow-up prompt piped to an already
// live subprocess. This augments, not replaces, the direct stdin write.
type ipcInputMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func writeCloseSentinel(ipcDir string) {
	if ipcDir == "" {
		return
	}
	path := filepath.Join(ipcDir, "input", "_close")
	if err := atomic.WriteFile(path, bytes.NewReader(nil)); err != nil {
		slog.Error("group queue: failed to write close sentinel", "path", path, "error", err)
	}
}

func writeIPCInputFile(ipcDir, name string, v any) {
	if ipcDir == "" {
		return
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		slog.Error("group queue: failed to encode ipc input file", "error", err)
		return
	}
	path := filepath.Join(ipcDir, "input", name+".json")
	if err := atomic.WriteFile(path, bytes.NewReader(encoded)); err != nil {
		slog.Error("group queue: failed to write ipc input file", "path", path, "error", err)
	}
}

type pendingPrompt struct {
	prompt          string
	sessionOverride *string
}

type groupState struct {
	mu              sync.Mutex
	proc            *processHandle
	pending         *pendingPrompt
	pendingObserved bool
	idleTimer       *time.Timer
}

// Queue is the per-group prompt serializer: at most one live
// subprocess per group, FIFO within a group, independent across groups.
type Queue struct {
	rt  runtime.Runtime
	st  *store.Store
	cfg QueueConfig

	mu       sync.Mutex
	groups   map[string]*groupState
	draining bool

	processPromptFn ProcessPromptFunc
}

// NewQueue constructs a Queue bound to a container runtime (used to signal
// terminate/kill on idle timeout and shutdown drain) and the store (used to
// persist each group's last-observed-output timestamp).
func NewQueue(rt runtime.Runtime, st *store.Store, cfg QueueConfig) *Queue {
	return &Queue{
		rt:     rt,
		st:     st,
		cfg:    cfg.withDefaults(),
		groups: make(map[string]*groupState),
	}
}

// SetProcessPromptFn installs the callback used to spawn a container run for
// a queued (not piped) prompt.
func (q *Queue) SetProcessPromptFn(fn ProcessPromptFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processPromptFn = fn
}

func (q *Queue) stateFor(groupID string) *groupState {
	q.mu.Lock()
	defer q.mu.Unlock()
	gs, ok := q.groups[groupID]
	if !ok {
		gs = &groupState{}
		q.groups[groupID] = gs
	}
	return gs
}

// Submit writes prompt to the group's live subprocess stdin if one is
// attached and open (returning Piped), otherwise stores it in the pending
// slot and triggers process-now (returning Queued). sessionOverride, when
// non-nil, is threaded through to the eventual container spawn to force an
// isolated (null sessionId) run for this submission only — the scheduler
// uses this for contextMode=isolated tasks; HTTP chat always passes nil.
func (q *Queue) Submit(ctx context.Context, groupID, prompt string, sessionOverride *string) (SubmitOutcome, error) {
	q.mu.Lock()
	draining := q.draining
	q.mu.Unlock()
	if draining {
		return Queued, fmt.Errorf("group: queue is draining, rejecting submit for %q", groupID)
	}

	gs := q.stateFor(groupID)

	gs.mu.Lock()
	if gs.proc != nil && gs.proc.stdin != nil && !gs.proc.stdinClosed {
		stdin := gs.proc.stdin
		ipcDir := gs.proc.ipcDir
		gs.mu.Unlock()

		if _, err := io.WriteString(stdin, prompt+"\n"); err != nil {
			gs.mu.Lock()
			if gs.proc != nil {
				gs.proc.stdin = nil
			}
			gs.mu.Unlock()
			slog.Warn("group queue: stdin write failed, falling back to queued", "group_id", groupID, "error", err)
			return q.enqueue(ctx, groupID, gs, prompt, sessionOverride)
		}
		writeIPCInputFile(ipcDir, uuid.NewString(), ipcInputMessage{Type: "message", Text: prompt})
		return Piped, nil
	}
	gs.mu.Unlock()

	return q.enqueue(ctx, groupID, gs, prompt, sessionOverride)
}

func (q *Queue) enqueue(ctx context.Context, groupID string, gs *groupState, prompt string, sessionOverride *string) (SubmitOutcome, error) {
	gs.mu.Lock()
	if gs.pending != nil && !gs.pendingObserved {
		gs.mu.Unlock()
		return Queued, ErrPendingPromptConflict
	}
	gs.pending = &pendingPrompt{prompt: prompt, sessionOverride: sessionOverride}
	gs.pendingObserved = false
	gs.mu.Unlock()

	q.mu.Lock()
	fn := q.processPromptFn
	q.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, groupID); err != nil {
			return Queued, fmt.Errorf("process prompt for %q: %w", groupID, err)
		}
	}
	return Queued, nil
}

// SubmitForScheduler adapts Submit to the single-error-return shape the
// scheduler's PromptSubmitter interface expects.
func (q *Queue) SubmitForScheduler(ctx context.Context, groupID, prompt string, sessionOverride *string) error {
	_, err := q.Submit(ctx, groupID, prompt, sessionOverride)
	return err
}

// TakePendingPrompt is called by the container runner when it is about to
// spawn a run for groupID; it marks the pending slot observed and returns the
// prompt (and any session override) to use.
func (q *Queue) TakePendingPrompt(groupID string) (prompt string, sessionOverride *string, ok bool) {
	gs := q.stateFor(groupID)
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.pending == nil {
		return "", nil, false
	}
	p := gs.pending
	gs.pendingObserved = true
	gs.pending = nil
	return p.prompt, p.sessionOverride, true
}

// RegisterProcess records a freshly spawned subprocess's handle and stdin,
// and resets the idle timer. Called by the container runner as soon as the
// subprocess is spawned.
func (q *Queue) RegisterProcess(groupID string, handle runtime.ContainerHandle, containerName, folder, ipcDir string, stdin io.WriteCloser) {
	gs := q.stateFor(groupID)
	gs.mu.Lock()
	gs.proc = &processHandle{handle: handle, containerName: containerName, folder: folder, ipcDir: ipcDir, stdin: stdin}
	gs.mu.Unlock()
	q.resetIdleTimer(groupID, gs)
}

// NotifyOutput resets the idle timer; called by the container runner on
// every parsed output record from the subprocess.
func (q *Queue) NotifyOutput(groupID string) {
	gs := q.stateFor(groupID)
	q.resetIdleTimer(groupID, gs)
}

func (q *Queue) resetIdleTimer(groupID string, gs *groupState) {
	q.recordActivity(groupID)

	gs.mu.Lock()
	if gs.idleTimer != nil {
		gs.idleTimer.Stop()
	}
	gs.idleTimer = time.AfterFunc(q.cfg.IdleTimeout, func() {
		q.onIdle(groupID, gs)
	})
	gs.mu.Unlock()
}

// recordActivity persists groupID's last-observed-output timestamp, read
// back by container.WriteSnapshots for the groups snapshot's lastActivity
// field. Best-effort: a failure here does not interrupt the run.
func (q *Queue) recordActivity(groupID string) {
	if q.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := q.st.SetRouterState(ctx, store.RouterStateKeyLastActivity(groupID), now); err != nil {
		slog.Error("group queue: failed to persist last activity", "group_id", groupID, "error", err)
	}
}

func (q *Queue) onIdle(groupID string, gs *groupState) {
	gs.mu.Lock()
	proc := gs.proc
	gs.mu.Unlock()
	if proc == nil {
		return
	}

	slog.Info("group queue: idle timeout, closing stdin", "group_id", groupID)
	writeCloseSentinel(proc.ipcDir)
	q.closeStdin(gs)

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.StdinEOFGrace+q.cfg.KillGrace+5*time.Second)
	defer cancel()
	q.waitForExitOrKill(ctx, groupID, proc)
}

// CloseStdin closes the live subprocess's standard input for groupID, if any.
func (q *Queue) CloseStdin(groupID string) {
	gs := q.stateFor(groupID)
	q.closeStdin(gs)
}

func (q *Queue) closeStdin(gs *groupState) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.proc == nil || gs.proc.stdin == nil || gs.proc.stdinClosed {
		return
	}
	_ = gs.proc.stdin.Close()
	gs.proc.stdinClosed = true
}

// waitForExitOrKill waits StdinEOFGrace for the subprocess to exit on its
// own after stdin EOF; if not, sends a terminate signal (Stop) and waits
// KillGrace more, then force-removes (kill) the container.
func (q *Queue) waitForExitOrKill(ctx context.Context, groupID string, proc *processHandle) {
	if q.rt == nil {
		return
	}
	if exited := q.pollUntilExited(ctx, proc.handle, q.cfg.StdinEOFGrace); exited {
		return
	}

	slog.Warn("group queue: subprocess did not exit after stdin EOF, sending terminate", "group_id", groupID)
	if err := q.rt.Stop(ctx, proc.handle); err != nil {
		slog.Error("group queue: terminate signal failed", "group_id", groupID, "error", err)
	}
	if exited := q.pollUntilExited(ctx, proc.handle, q.cfg.KillGrace); exited {
		return
	}

	slog.Warn("group queue: subprocess did not exit after terminate, force killing", "group_id", groupID)
	if err := q.rt.Remove(ctx, proc.handle); err != nil {
		slog.Error("group queue: kill (force remove) failed", "group_id", groupID, "error", err)
	}
}

func (q *Queue) pollUntilExited(ctx context.Context, handle runtime.ContainerHandle, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		status, err := q.rt.Status(ctx, handle)
		if err == nil && status.State != runtime.StateRunning {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
	}
	return false
}

// StopSession sends a terminate signal to groupID's live subprocess, if any,
// and closes its stdin. Reports whether a live subprocess existed, so a
// caller can distinguish "stopped" from "nothing was running". It does not
// wait for exit or escalate to a kill; onIdle's grace/kill sequence (or a
// future run's own idle timeout) handles that.
func (q *Queue) StopSession(ctx context.Context, groupID string) (existed bool, err error) {
	gs := q.stateFor(groupID)
	gs.mu.Lock()
	proc := gs.proc
	gs.mu.Unlock()
	if proc == nil {
		return false, nil
	}
	if q.rt != nil {
		if status, err := q.rt.Status(ctx, proc.handle); err == nil && status.State != runtime.StateRunning {
			return false, nil
		}
	}

	q.closeStdin(gs)
	if q.rt != nil {
		if err := q.rt.Stop(ctx, proc.handle); err != nil {
			return true, fmt.Errorf("terminate session for %q: %w", groupID, err)
		}
	}
	return true, nil
}

// Shutdown requests a graceful drain: refuses new submits, closes stdin of
// all live subprocesses, waits up to timeout for them to exit, then
// force-kills any stragglers.
func (q *Queue) Shutdown(ctx context.Context, timeout time.Duration) {
	q.mu.Lock()
	q.draining = true
	states := make(map[string]*groupState, len(q.groups))
	for id, gs := range q.groups {
		states[id] = gs
	}
	q.mu.Unlock()

	var wg sync.WaitGroup
	for groupID, gs := range states {
		gs.mu.Lock()
		proc := gs.proc
		gs.mu.Unlock()
		if proc == nil {
			continue
		}
		wg.Add(1)
		go func(groupID string, gs *groupState, proc *processHandle) {
			defer wg.Done()
			q.closeStdin(gs)
			drainCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if !q.pollUntilExited(drainCtx, proc.handle, timeout) {
				slog.Warn("group queue: shutdown drain timed out, force killing", "group_id", groupID)
				_ = q.rt.Remove(context.Background(), proc.handle)
			}
		}(groupID, gs, proc)
	}
	wg.Wait()
}
