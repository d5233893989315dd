package container_test

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nanoclaw/host/internal/nanoclaw/container"
	"github.com/nanoclaw/host/internal/nanoclaw/router"
	"github.com/nanoclaw/host/internal/nanoclaw/runtime"
	"github.com/nanoclaw/host/internal/nanoclaw/store"
)

type discardWriteCloser struct{ io.Writer }

func (discardWriteCloser) Close() error { return nil }

type fakeRunnerRuntime struct {
	mu     sync.Mutex
	stdout string
	exit   int
}

func (f *fakeRunnerRuntime) Spawn(ctx context.Context, spec runtime.ContainerSpec) (runtime.ContainerHandle, error) {
	return runtime.ContainerHandle{GroupID: spec.GroupID, ContainerID: "c1", ContainerName: "nanoclaw-group-" + spec.GroupID}, nil
}

func (f *fakeRunnerRuntime) Attach(ctx context.Context, h runtime.ContainerHandle) (runtime.Stdio, error) {
	return runtime.Stdio{
		Stdin:  discardWriteCloser{io.Discard},
		Stdout: strings.NewReader(f.stdout),
		Close:  func() error { return nil },
	}, nil
}

func (f *fakeRunnerRuntime) Stop(ctx context.Context, h runtime.ContainerHandle) error    { return nil }
func (f *fakeRunnerRuntime) Start(ctx context.Context, h runtime.ContainerHandle) error   { return nil }
func (f *fakeRunnerRuntime) Restart(ctx context.Context, h runtime.ContainerHandle) error { return nil }
func (f *fakeRunnerRuntime) Status(ctx context.Context, h runtime.ContainerHandle) (runtime.RuntimeStatus, error) {
	return runtime.RuntimeStatus{State: runtime.StateExited, ExitCode: f.exit}, nil
}
func (f *fakeRunnerRuntime) List(ctx context.Context) ([]runtime.ContainerHandle, error) {
	return nil, nil
}
func (f *fakeRunnerRuntime) Remove(ctx context.Context, h runtime.ContainerHandle) error { return nil }
func (f *fakeRunnerRuntime) Ping(ctx context.Context) error                              { return nil }

func newTestStoreForRunner(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "nanoclaw-runner-test-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()
	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunner_ParsesMessageSessionAndDone(t *testing.T) {
	s := newTestStoreForRunner(t)
	ctx := context.Background()
	s.CreateGroup(ctx, &store.Group{ID: "team-a", DisplayName: "Team A", Folder: "team-a"})

	stdout := `{"type":"message","text":"hello <internal>hidden</internal> world"}
{"type":"session","sessionId":"sess-123"}
{"type":"done"}
`
	rt := &fakeRunnerRuntime{stdout: stdout}
	out := router.New(10)
	runner := container.New(rt, s, out)

	var events []router.Event
	var mu sync.Mutex
	onOutput := func(e router.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	result, err := runner.Run(ctx, container.RunRequest{
		Prompt: "hi", Folder: "team-a", ChatJID: "team-a", IsMain: false, Image: "agent:latest",
	}, nil, onOutput)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "success" {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.NewSessionID == nil || *result.NewSessionID != "sess-123" {
		t.Fatalf("expected newSessionId sess-123, got %+v", result.NewSessionID)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("expected message+done events, got %d: %+v", len(events), events)
	}
	if events[0].Kind != router.KindMessage || strings.Contains(events[0].Text, "internal") {
		t.Errorf("expected stripped message text, got %q", events[0].Text)
	}
	if events[1].Kind != router.KindDone {
		t.Errorf("expected final done event, got %+v", events[1])
	}

	got, err := s.GetSession(ctx, "team-a")
	if err != nil || got != "sess-123" {
		t.Errorf("expected persisted session sess-123, got %q err=%v", got, err)
	}
}

func TestRunner_ErrorRecordMarksRunErrored(t *testing.T) {
	s := newTestStoreForRunner(t)
	ctx := context.Background()
	s.CreateGroup(ctx, &store.Group{ID: "team-a", DisplayName: "Team A", Folder: "team-a"})

	stdout := `{"type":"error","error":"boom"}
{"type":"done"}
`
	rt := &fakeRunnerRuntime{stdout: stdout}
	out := router.New(10)
	runner := container.New(rt, s, out)

	result, err := runner.Run(ctx, container.RunRequest{
		Prompt: "hi", Folder: "team-a", ChatJID: "team-a", Image: "agent:latest",
	}, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "error" || result.Error != "boom" {
		t.Fatalf("expected error result, got %+v", result)
	}
}

func TestRunner_ExitWithoutDoneUsesExitCode(t *testing.T) {
	s := newTestStoreForRunner(t)
	ctx := context.Background()
	s.CreateGroup(ctx, &store.Group{ID: "team-a", DisplayName: "Team A", Folder: "team-a"})

	stdout := `{"type":"message","text":"partial"}
`
	rt := &fakeRunnerRuntime{stdout: stdout, exit: 1}
	out := router.New(10)
	runner := container.New(rt, s, out)

	result, err := runner.Run(ctx, container.RunRequest{
		Prompt: "hi", Folder: "team-a", ChatJID: "team-a", Image: "agent:latest",
	}, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "error" {
		t.Fatalf("expected error status on non-zero exit without done, got %+v", result)
	}
}

func TestRunner_MalformedLineSkippedNotFatal(t *testing.T) {
	s := newTestStoreForRunner(t)
	ctx := context.Background()
	s.CreateGroup(ctx, &store.Group{ID: "team-a", DisplayName: "Team A", Folder: "team-a"})

	stdout := "not json at all\n{\"type\":\"done\"}\n"
	rt := &fakeRunnerRuntime{stdout: stdout}
	out := router.New(10)
	runner := container.New(rt, s, out)

	result, err := runner.Run(ctx, container.RunRequest{
		Prompt: "hi", Folder: "team-a", ChatJID: "team-a", Image: "agent:latest",
	}, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "success" {
		t.Fatalf("expected success despite malformed line, got %+v", result)
	}
}

func TestRunner_OnSpawnCalledBeforeOutput(t *testing.T) {
	s := newTestStoreForRunner(t)
	ctx := context.Background()
	s.CreateGroup(ctx, &store.Group{ID: "team-a", DisplayName: "Team A", Folder: "team-a"})

	stdout := `{"type":"done"}
`
	rt := &fakeRunnerRuntime{stdout: stdout}
	out := router.New(10)
	runner := container.New(rt, s, out)

	spawnedAt := time.Time{}
	onSpawn := func(h runtime.ContainerHandle, name string, stdio runtime.Stdio) {
		spawnedAt = time.Now()
		if h.ContainerID != "c1" {
			t.Errorf("unexpected handle: %+v", h)
		}
	}

	_, err := runner.Run(ctx, container.RunRequest{
		Prompt: "hi", Folder: "team-a", ChatJID: "team-a", Image: "agent:latest",
	}, onSpawn, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if spawnedAt.IsZero() {
		t.Fatal("expected onSpawn to be called")
	}
}
