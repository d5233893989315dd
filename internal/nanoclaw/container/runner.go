// Package container spawns the per-group agent subprocess, exchanges
// line-delimited JSON over its attached standard input/output, and
// materializes the per-run snapshot files the in-container agent reads.
package container

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nanoclaw/host/internal/nanoclaw/router"
	"github.com/nanoclaw/host/internal/nanoclaw/runtime"
	"github.com/nanoclaw/host/internal/nanoclaw/store"
)

// RunRequest is the per-turn input to a group container run.
type RunRequest struct {
	Prompt          string
	SessionID       *string
	Folder          string
	ChatJID         string
	IsMain          bool
	IsScheduledTask bool
	Image           string
	GroupDir        string
	GlobalDir       string
	IPCDir          string
	SnapshotsDir    string
	ExtraEnv        map[string]string
	NetworkName     string
}

// RunResult is returned once the subprocess exits or a `done` marker is seen.
type RunResult struct {
	Status       string // "success" | "error"
	NewSessionID *string
	Error        string
}

// OnSpawn is called immediately after the subprocess is created, so the
// group queue can register its handle before the first output arrives.
type OnSpawn func(handle runtime.ContainerHandle, containerName string, stdio runtime.Stdio)

// OnOutput is called once per emitted structured event, in parse order.
type OnOutput func(router.Event)

// stdinPayload is the single JSON object written to the subprocess's
// standard input for a turn. Field names match what the
// in-container agent runtime expects (see agent-runner/src/config.py).
type stdinPayload struct {
	Prompt          string            `json:"prompt"`
	SessionID       *string           `json:"sessionId,omitempty"`
	ChatJID         string            `json:"chatJid"`
	Folder          string            `json:"folder"`
	IsMain          bool              `json:"isMain"`
	IsScheduledTask bool              `json:"isScheduledTask"`
	Env             map[string]string `json:"env,omitempty"`
}

// outputRecord is one line-delimited JSON record emitted by the
// in-container agent on stdout.
type outputRecord struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

var internalBlockRe = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// Runner spawns and drives group container runs.
type Runner struct {
	rt  runtime.Runtime
	st  *store.Store
	out *router.Router
}

// New constructs a Runner.
func New(rt runtime.Runtime, st *store.Store, out *router.Router) *Runner {
	return &Runner{rt: rt, st: st, out: out}
}

// Run spawns the group's container, writes the prompt request to its
// standard input, parses line-delimited output until a `done` marker or
// process exit, and returns the run's outcome.
func (r *Runner) Run(ctx context.Context, req RunRequest, onSpawn OnSpawn, onOutput OnOutput) (RunResult, error) {
	spec := runtime.ContainerSpec{
		GroupID:      req.Folder,
		Image:        req.Image,
		GroupDir:     req.GroupDir,
		IPCDir:       req.IPCDir,
		SnapshotsDir: req.SnapshotsDir,
		GlobalDir:    req.GlobalDir,
		Env:          req.ExtraEnv,
		NetworkName:  req.NetworkName,
	}

	handle, err := r.rt.Spawn(ctx, spec)
	if err != nil {
		return RunResult{}, fmt.Errorf("spawn container for group %q: %w", req.Folder, err)
	}

	stdio, err := r.rt.Attach(ctx, handle)
	if err != nil {
		return RunResult{}, fmt.Errorf("attach container for group %q: %w", req.Folder, err)
	}

	if onSpawn != nil {
		onSpawn(handle, handle.ContainerName, stdio)
	}

	payload := stdinPayload{
		Prompt:          req.Prompt,
		SessionID:       req.SessionID,
		ChatJID:         req.ChatJID,
		Folder:          req.Folder,
		IsMain:          req.IsMain,
		IsScheduledTask: req.IsScheduledTask,
		Env:             req.ExtraEnv,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return RunResult{}, fmt.Errorf("encode stdin payload: %w", err)
	}
	if _, err := stdio.Stdin.Write(append(encoded, '\n')); err != nil {
		return RunResult{}, fmt.Errorf("write stdin payload for group %q: %w", req.Folder, err)
	}

	return r.readUntilDoneOrExit(ctx, handle, stdio, req.Folder, onOutput), nil
}

func (r *Runner) readUntilDoneOrExit(ctx context.Context, handle runtime.ContainerHandle, stdio runtime.Stdio, groupID string, onOutput OnOutput) RunResult {
	type outcome struct {
		newSessionID *string
		sawDone      bool
		sawError     bool
		lastError    string
	}
	var oc outcome

	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		scanner := bufio.NewScanner(stdio.Stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var rec outputRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				slog.Warn("container runner: malformed output line, skipping", "group_id", groupID, "line", line, "error", err)
				continue
			}
			switch rec.Type {
			case "message":
				text := internalBlockRe.ReplaceAllString(rec.Text, "")
				if onOutput != nil {
					onOutput(router.Event{Kind: router.KindMessage, Text: text})
				}
			case "session":
				sid := rec.SessionID
				oc.newSessionID = &sid
				if err := r.st.SetSession(ctx, groupID, sid); err != nil {
					slog.Error("container runner: failed to persist session", "group_id", groupID, "error", err)
				}
			case "error":
				oc.sawError = true
				oc.lastError = rec.Error
				if onOutput != nil {
					onOutput(router.Event{Kind: router.KindError, Error: rec.Error})
				}
			case "done":
				oc.sawDone = true
				return
			default:
				slog.Warn("container runner: unknown output record type, skipping", "group_id", groupID, "type", rec.Type)
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("container runner: stdout scan error", "group_id", groupID, "error", err)
		}
	}()

	<-doneCh

	result := RunResult{Status: "success", NewSessionID: oc.newSessionID}
	switch {
	case oc.sawError:
		result.Status = "error"
		result.Error = oc.lastError
	case !oc.sawDone:
		// Stdout closed (process exited) without a `done` marker: the
		// subprocess no longer lives to serve further turns, so its exit
		// code determines the outcome.
		exitCode, exitErr := r.waitForExit(ctx, handle)
		if exitCode != 0 {
			result.Status = "error"
			result.Error = exitErr
		}
	}

	if onOutput != nil {
		onOutput(router.Event{Kind: router.KindDone, NewSessionID: result.NewSessionID})
	}
	return result
}

// waitForExit polls the container's status until it is no longer running,
// returning its exit code and the runtime's status error text
// (RuntimeStatus.Error). The container's stderr output is not collected or
// included in that text.
func (r *Runner) waitForExit(ctx context.Context, handle runtime.ContainerHandle) (int, string) {
	for {
		status, err := r.rt.Status(ctx, handle)
		if err != nil {
			return -1, err.Error()
		}
		if status.State != runtime.StateRunning {
			return status.ExitCode, status.Error
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err().Error()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
