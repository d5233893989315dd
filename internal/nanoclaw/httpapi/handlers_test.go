package httpapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nanoclaw/host/internal/nanoclaw/group"
	"github.com/nanoclaw/host/internal/nanoclaw/httpapi"
	"github.com/nanoclaw/host/internal/nanoclaw/router"
	"github.com/nanoclaw/host/internal/nanoclaw/store"
)

type fakeRegistry struct {
	mu     sync.Mutex
	groups map[string]*group.Group
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{groups: map[string]*group.Group{
		"main": {ID: "main", DisplayName: "main", Folder: "main"},
	}}
}

func (f *fakeRegistry) Get(id string) (*group.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return nil, group.ErrGroupNotFound
	}
	return g, nil
}

func (f *fakeRegistry) Exists(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.groups[id]
	return ok
}

func (f *fakeRegistry) List() []*group.Group {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*group.Group, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, g)
	}
	return out
}

func (f *fakeRegistry) Register(ctx context.Context, rawID, displayName, trigger string) (*group.Group, error) {
	id, err := group.NormalizeGroupID(rawID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[id]; ok {
		return nil, store.ErrGroupExists
	}
	g := &group.Group{ID: id, DisplayName: displayName, Folder: id, Trigger: trigger}
	f.groups[id] = g
	return g, nil
}

type fakeQueue struct {
	mu           sync.Mutex
	submitted    []string
	submitErr    error
	sessionLive  map[string]bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{sessionLive: map[string]bool{}}
}

func (f *fakeQueue) Submit(ctx context.Context, groupID, prompt string, sessionOverride *string) (group.SubmitOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, groupID+":"+prompt)
	return group.Queued, f.submitErr
}

func (f *fakeQueue) StopSession(ctx context.Context, groupID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existed := f.sessionLive[groupID]
	delete(f.sessionLive, groupID)
	return existed, nil
}

type fakeRouter struct {
	r *router.Router
}

func newFakeRouter() *fakeRouter { return &fakeRouter{r: router.New(10)} }

func (f *fakeRouter) Subscribe(groupID string, sink router.Sink) router.Token {
	return f.r.Subscribe(groupID, sink)
}
func (f *fakeRouter) Unsubscribe(groupID string, token router.Token) { f.r.Unsubscribe(groupID, token) }
func (f *fakeRouter) HasSubscriber(groupID string) bool              { return f.r.HasSubscriber(groupID) }

func newTestServer() (*httpapi.Server, *fakeRegistry, *fakeQueue, *fakeRouter) {
	reg := newFakeRegistry()
	q := newFakeQueue()
	rt := newFakeRouter()
	s := httpapi.New(httpapi.Config{}, reg, q, rt)
	return s, reg, q, rt
}

func TestHandleHealth(t *testing.T) {
	s, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body)
	}
}

func TestHandleOptionsCORS(t *testing.T) {
	s, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodOptions, "/api/groups", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://example.com" {
		t.Errorf("expected echoed origin, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestHandleGroupsListAndCreate(t *testing.T) {
	s, _, _, _ := newTestServer()

	createBody, _ := json.Marshal(map[string]string{"name": "Team A"})
	req := httptest.NewRequest(http.MethodPost, "/api/groups", bytes.NewReader(createBody))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/groups", nil)
	listRec := httptest.NewRecorder()
	s.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listRec.Code)
	}
	var groups []map[string]string
	if err := json.Unmarshal(listRec.Body.Bytes(), &groups); err != nil {
		t.Fatalf("decode groups: %v", err)
	}
	found := false
	for _, g := range groups {
		if g["folder"] == "team-a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected team-a in group list, got %v", groups)
	}
}

func TestHandleGroupsCreateDuplicateConflict(t *testing.T) {
	s, reg, _, _ := newTestServer()
	reg.Register(context.Background(), "team-a", "Team A", "")

	createBody, _ := json.Marshal(map[string]string{"name": "Team A"})
	req := httptest.NewRequest(http.MethodPost, "/api/groups", bytes.NewReader(createBody))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleGroupSessionDeleteNotFound(t *testing.T) {
	s, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodDelete, "/api/groups/team-a/session", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGroupSessionDeleteStopped(t *testing.T) {
	s, _, q, _ := newTestServer()
	q.sessionLive["team-a"] = true

	req := httptest.NewRequest(http.MethodDelete, "/api/groups/team-a/session", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleChatMissingPrompt(t *testing.T) {
	s, _, _, _ := newTestServer()
	body, _ := json.Marshal(map[string]string{"groupId": "main"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleChatStreamsMessageThenDone(t *testing.T) {
	s, _, q, rt := newTestServer()

	httpServer := httptest.NewServer(s)
	defer httpServer.Close()

	go func() {
		// Wait until the handler subscribes, then emit events.
		for !rt.r.HasSubscriber("main") {
		}
		rt.r.Emit("main", router.Event{Kind: router.KindMessage, Text: "hi"})
		sid := "sess-1"
		rt.r.Emit("main", router.Event{Kind: router.KindDone, NewSessionID: &sid})
	}()

	body, _ := json.Marshal(map[string]string{"prompt": "hello", "groupId": "main"})
	resp, err := http.Post(httpServer.URL+"/api/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var frames []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") || strings.HasPrefix(line, "data:") {
			frames = append(frames, line)
		}
	}

	joined := strings.Join(frames, "\n")
	if !strings.Contains(joined, "event: message") || !strings.Contains(joined, "event: done") {
		t.Fatalf("expected message and done events, got:\n%s", joined)
	}
	if len(q.submitted) != 1 || q.submitted[0] != "main:hello" {
		t.Fatalf("expected prompt submitted to main, got %v", q.submitted)
	}
}

func TestHandleChatConflictWhenSubscriberActive(t *testing.T) {
	s, _, _, rt := newTestServer()
	rt.r.Subscribe("main", func(router.Event) {})

	body, _ := json.Marshal(map[string]string{"prompt": "hello", "groupId": "main"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestBearerAuthRejectsMissingToken(t *testing.T) {
	reg := newFakeRegistry()
	q := newFakeQueue()
	rt := newFakeRouter()
	s := httpapi.New(httpapi.Config{BearerToken: "secret"}, reg, q, rt)

	req := httptest.NewRequest(http.MethodGet, "/api/groups", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestBearerAuthAcceptsValidToken(t *testing.T) {
	reg := newFakeRegistry()
	q := newFakeQueue()
	rt := newFakeRouter()
	s := httpapi.New(httpapi.Config{BearerToken: "secret"}, reg, q, rt)

	req := httptest.NewRequest(http.MethodGet, "/api/groups", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHealthBypassesAuth(t *testing.T) {
	reg := newFakeRegistry()
	q := newFakeQueue()
	rt := newFakeRouter()
	s := httpapi.New(httpapi.Config{BearerToken: "secret"}, reg, q, rt)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
