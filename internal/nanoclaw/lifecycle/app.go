// Package lifecycle wires the store, group registry, prompt queue, output
// router, container runner, IPC mediator, scheduler, and HTTP surface into a
// single process, and drives its startup and shutdown sequence.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nanoclaw/host/internal/nanoclaw/config"
	"github.com/nanoclaw/host/internal/nanoclaw/container"
	"github.com/nanoclaw/host/internal/nanoclaw/group"
	"github.com/nanoclaw/host/internal/nanoclaw/httpapi"
	"github.com/nanoclaw/host/internal/nanoclaw/ipc"
	"github.com/nanoclaw/host/internal/nanoclaw/router"
	"github.com/nanoclaw/host/internal/nanoclaw/runtime"
	"github.com/nanoclaw/host/internal/nanoclaw/runtime/docker"
	"github.com/nanoclaw/host/internal/nanoclaw/scheduler"
	"github.com/nanoclaw/host/internal/nanoclaw/store"
)

// App owns every long-lived subsystem of the host orchestrator process.
type App struct {
	cfg config.Config

	store    *store.Store
	rt       runtime.Runtime
	registry *group.Registry
	queue    *group.Queue
	out      *router.Router
	runner   *container.Runner
	mediator *ipc.Mediator
	sched    *scheduler.Engine
	http     *httpapi.Server
	reaper   *runtime.OrphanReaper

	cancelRun context.CancelFunc
}

// New constructs every subsystem and ensures the container network exists
// (which contacts the Docker daemon); it does not ping the runtime, reap
// orphans, rehydrate the registry, or start any loop; call Run for that.
func New(cfg config.Config) (*App, error) {
	st, err := store.New(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	dockerAdapter, err := docker.NewWithNetwork(cfg.NetworkName)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("construct docker runtime: %w", err)
	}
	if err := dockerAdapter.EnsureNetwork(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("ensure container network: %w", err)
	}
	var rt runtime.Runtime = dockerAdapter

	registry := group.NewRegistry(st, cfg.GroupsDir, cfg.MainGroupFolder)
	out := router.New(router.DefaultBufferLimit)
	queue := group.NewQueue(rt, st, group.QueueConfig{
		IdleTimeout: cfg.IdleTimeout,
	})
	runner := container.New(rt, st, out)
	mediator := ipc.New(st, registry, out, cfg.DataDir, ipc.Config{
		PollInterval:  cfg.IPCPollInterval,
		AssistantName: cfg.AssistantName,
		Location:      cfg.Timezone,
	})
	sched := scheduler.New(st, registry, schedulerSubmitter{queue}, scheduler.Config{
		TickInterval:    cfg.SchedulerTick,
		ShutdownTimeout: cfg.ShutdownDrain,
	})
	httpServer := httpapi.New(httpapi.Config{
		Addr:          cfg.Addr(),
		BearerToken:   cfg.BearerToken,
		AssistantName: cfg.AssistantName,
		MaxBodyBytes:  cfg.MaxRequestBytes,
		MainGroupID:   registry.MainGroupID(),
	}, registry, queue, out)

	a := &App{
		cfg:      cfg,
		store:    st,
		rt:       rt,
		registry: registry,
		queue:    queue,
		out:      out,
		runner:   runner,
		mediator: mediator,
		sched:    sched,
		http:     httpServer,
		reaper:   runtime.NewOrphanReaper(rt, runtime.OrphanReaperConfig{}),
	}
	queue.SetProcessPromptFn(a.processPrompt)
	return a, nil
}

// schedulerSubmitter adapts group.Queue's two-return Submit to the
// single-error-return shape scheduler.PromptSubmitter expects.
type schedulerSubmitter struct{ q *group.Queue }

func (s schedulerSubmitter) Submit(ctx context.Context, groupID, prompt string, sessionOverride *string) error {
	return s.q.SubmitForScheduler(ctx, groupID, prompt, sessionOverride)
}

// processPrompt is installed as the queue's ProcessPromptFunc: it takes the
// pending prompt for groupID, refreshes that group's on-disk snapshot views,
// and spawns a container run for it.
func (a *App) processPrompt(ctx context.Context, groupID string) error {
	prompt, sessionOverride, ok := a.queue.TakePendingPrompt(groupID)
	if !ok {
		return nil
	}

	g, err := a.registry.Get(groupID)
	if err != nil {
		return fmt.Errorf("processPrompt: look up group %q: %w", groupID, err)
	}
	isMain := groupID == a.registry.MainGroupID()

	snapshotsRoot := filepath.Join(a.cfg.DataDir, "snapshots")
	if err := container.WriteSnapshots(ctx, a.store, a.registry, snapshotsRoot, g.Folder, isMain); err != nil {
		return fmt.Errorf("processPrompt: write snapshots for %q: %w", groupID, err)
	}

	image := a.cfg.ContainerImage
	if g.ContainerConfig != nil && g.ContainerConfig.Image != "" {
		image = g.ContainerConfig.Image
	}

	groupDir := filepath.Join(a.cfg.GroupsDir, g.Folder)
	ipcDir := filepath.Join(a.cfg.DataDir, "ipc", g.Folder)
	snapshotsDir := filepath.Join(snapshotsRoot, g.Folder)

	sessionID := sessionOverride
	if sessionID == nil {
		if sid, err := a.store.GetSession(ctx, g.Folder); err == nil && sid != "" {
			sessionID = &sid
		}
	}

	req := container.RunRequest{
		Prompt:          prompt,
		SessionID:       sessionID,
		Folder:          g.Folder,
		ChatJID:         groupID,
		IsMain:          isMain,
		IsScheduledTask: sessionOverride != nil,
		Image:           image,
		GroupDir:        groupDir,
		IPCDir:          ipcDir,
		SnapshotsDir:    snapshotsDir,
		NetworkName:     a.cfg.NetworkName,
	}

	onSpawn := func(handle runtime.ContainerHandle, containerName string, stdio runtime.Stdio) {
		a.queue.RegisterProcess(groupID, handle, containerName, g.Folder, ipcDir, stdio.Stdin)
	}
	onOutput := func(evt router.Event) {
		a.queue.NotifyOutput(groupID)
		a.out.Emit(groupID, evt)
	}

	_, err = a.runner.Run(ctx, req, onSpawn, onOutput)
	return err
}

// Run verifies the container runtime is reachable, reaps orphaned
// containers from a previous process instance, rehydrates the group
// registry, starts every background loop, and blocks until an interrupt or
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := a.rt.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("container runtime unreachable: %w", err)
	}

	if err := a.reaper.Reap(ctx); err != nil {
		slog.Warn("orphan reap failed, continuing", "error", err)
	}

	if err := a.registry.Rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrate registry: %w", err)
	}
	if err := a.registry.EnsureMain(ctx); err != nil {
		return fmt.Errorf("ensure main group: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	a.cancelRun = cancelRun

	a.sched.Start(runCtx)
	if err := a.mediator.Start(runCtx); err != nil {
		cancelRun()
		return fmt.Errorf("start ipc mediator: %w", err)
	}
	if err := a.http.Start(runCtx); err != nil {
		cancelRun()
		a.mediator.Stop()
		a.sched.Stop()
		return fmt.Errorf("start http server: %w", err)
	}

	slog.Info("nanoclaw host running", "addr", a.cfg.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop stops accepting new HTTP chats, cancels the background loops,
// drains in-flight group subprocesses, and closes the store.
func (a *App) Stop() {
	a.http.Stop()
	a.mediator.Stop()
	a.sched.Stop()
	if a.cancelRun != nil {
		a.cancelRun()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownDrain+5*time.Second)
	defer cancel()
	a.queue.Shutdown(drainCtx, a.cfg.ShutdownDrain)

	if err := a.store.Close(); err != nil {
		slog.Warn("error closing store", "error", err)
	}
}
