package group_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nanoclaw/host/internal/nanoclaw/group"
	"github.com/nanoclaw/host/internal/nanoclaw/runtime"
)

type fakeStdin struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (f *fakeStdin) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	return f.buf.Write(p)
}

func (f *fakeStdin) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStdin) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.String()
}

type fakeRuntime struct {
	mu      sync.Mutex
	stopped map[string]bool
	removed map[string]bool
	state   runtime.ContainerState
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{stopped: map[string]bool{}, removed: map[string]bool{}, state: runtime.StateExited}
}

func (f *fakeRuntime) Spawn(ctx context.Context, spec runtime.ContainerSpec) (runtime.ContainerHandle, error) {
	return runtime.ContainerHandle{}, nil
}
func (f *fakeRuntime) Attach(ctx context.Context, h runtime.ContainerHandle) (runtime.Stdio, error) {
	return runtime.Stdio{}, nil
}
func (f *fakeRuntime) Stop(ctx context.Context, h runtime.ContainerHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[h.ContainerID] = true
	return nil
}
func (f *fakeRuntime) Start(ctx context.Context, h runtime.ContainerHandle) error { return nil }
func (f *fakeRuntime) Restart(ctx context.Context, h runtime.ContainerHandle) error { return nil }
func (f *fakeRuntime) Status(ctx context.Context, h runtime.ContainerHandle) (runtime.RuntimeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return runtime.RuntimeStatus{GroupID: h.GroupID, ContainerID: h.ContainerID, State: f.state}, nil
}
func (f *fakeRuntime) List(ctx context.Context) ([]runtime.ContainerHandle, error) { return nil, nil }
func (f *fakeRuntime) Remove(ctx context.Context, h runtime.ContainerHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[h.ContainerID] = true
	return nil
}
func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }

func TestQueue_SubmitPipesToLiveStdin(t *testing.T) {
	rt := newFakeRuntime()
	q := group.NewQueue(rt, nil, group.QueueConfig{IdleTimeout: time.Hour})

	stdin := &fakeStdin{}
	q.RegisterProcess("team-a", runtime.ContainerHandle{ContainerID: "c1", GroupID: "team-a"}, "nanoclaw-group-team-a", "team-a", "", stdin)

	outcome, err := q.Submit(context.Background(), "team-a", "hello", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if outcome != group.Piped {
		t.Errorf("expected Piped, got %v", outcome)
	}
	if stdin.String() != "hello\n" {
		t.Errorf("stdin contents: got %q", stdin.String())
	}
}

func TestQueue_SubmitQueuesWhenNoLiveProcess(t *testing.T) {
	rt := newFakeRuntime()
	q := group.NewQueue(rt, nil, group.QueueConfig{IdleTimeout: time.Hour})

	var invoked string
	q.SetProcessPromptFn(func(ctx context.Context, groupID string) error {
		invoked = groupID
		return nil
	})

	outcome, err := q.Submit(context.Background(), "team-a", "hello", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if outcome != group.Queued {
		t.Errorf("expected Queued, got %v", outcome)
	}
	if invoked != "team-a" {
		t.Errorf("expected processPromptFn invoked for team-a, got %q", invoked)
	}

	prompt, override, ok := q.TakePendingPrompt("team-a")
	if !ok || prompt != "hello" || override != nil {
		t.Errorf("TakePendingPrompt: got (%q, %v, %v)", prompt, override, ok)
	}
}

func TestQueue_SecondSubmitConflictsWhileUnobserved(t *testing.T) {
	rt := newFakeRuntime()
	q := group.NewQueue(rt, nil, group.QueueConfig{IdleTimeout: time.Hour})
	q.SetProcessPromptFn(func(ctx context.Context, groupID string) error { return nil })

	if _, err := q.Submit(context.Background(), "team-a", "first", nil); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := q.Submit(context.Background(), "team-a", "second", nil)
	if !errors.Is(err, group.ErrPendingPromptConflict) {
		t.Fatalf("expected ErrPendingPromptConflict, got %v", err)
	}

	// Once observed, a new submit may proceed again.
	if _, _, ok := q.TakePendingPrompt("team-a"); !ok {
		t.Fatal("expected a pending prompt to take")
	}
	if _, err := q.Submit(context.Background(), "team-a", "third", nil); err != nil {
		t.Fatalf("submit after observe: %v", err)
	}
}

func TestQueue_SubmitIndependentAcrossGroups(t *testing.T) {
	rt := newFakeRuntime()
	q := group.NewQueue(rt, nil, group.QueueConfig{IdleTimeout: time.Hour})
	q.SetProcessPromptFn(func(ctx context.Context, groupID string) error { return nil })

	if _, err := q.Submit(context.Background(), "team-a", "a-prompt", nil); err != nil {
		t.Fatalf("submit team-a: %v", err)
	}
	if _, err := q.Submit(context.Background(), "team-b", "b-prompt", nil); err != nil {
		t.Fatalf("submit team-b: %v", err)
	}

	pa, _, _ := q.TakePendingPrompt("team-a")
	pb, _, _ := q.TakePendingPrompt("team-b")
	if pa != "a-prompt" || pb != "b-prompt" {
		t.Errorf("cross-group leakage: team-a=%q team-b=%q", pa, pb)
	}
}

func TestQueue_CloseStdinIsIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	q := group.NewQueue(rt, nil, group.QueueConfig{IdleTimeout: time.Hour})
	stdin := &fakeStdin{}
	q.RegisterProcess("team-a", runtime.ContainerHandle{ContainerID: "c1"}, "name", "team-a", "", stdin)

	q.CloseStdin("team-a")
	q.CloseStdin("team-a")
	if !stdin.closed {
		t.Fatal("expected stdin closed")
	}
}
