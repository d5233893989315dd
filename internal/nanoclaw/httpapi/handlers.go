package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nanoclaw/host/common/redact"
	"github.com/nanoclaw/host/internal/nanoclaw/group"
	"github.com/nanoclaw/host/internal/nanoclaw/router"
	"github.com/nanoclaw/host/internal/nanoclaw/store"
)

// groupRegistry is the minimal registry surface handlers need.
type groupRegistry interface {
	Get(id string) (*group.Group, error)
	Exists(id string) bool
	List() []*group.Group
	Register(ctx context.Context, rawID, displayName, trigger string) (*group.Group, error)
}

// groupSubmitter is the minimal queue surface handlers need.
type groupSubmitter interface {
	Submit(ctx context.Context, groupID, prompt string, sessionOverride *string) (group.SubmitOutcome, error)
	StopSession(ctx context.Context, groupID string) (bool, error)
}

// eventRouter is the minimal router surface handlers need.
type eventRouter interface {
	Subscribe(groupID string, sink router.Sink) router.Token
	Unsubscribe(groupID string, token router.Token)
	HasSubscriber(groupID string) bool
}

type handlers struct {
	cfg    Config
	reg    groupRegistry
	queue  groupSubmitter
	router eventRouter
}

// withCORS echoes the request Origin, allows the methods/headers listed below,
// and answers OPTIONS preflight with 204 directly.
func (h *handlers) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// withAuth enforces bearer auth when a token is configured; every endpoint
// it wraps is non-health.
func (h *handlers) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.BearerToken == "" {
			next(w, r)
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) || strings.TrimPrefix(auth, prefix) != h.cfg.BearerToken {
			slog.Warn("httpapi: rejected request with invalid bearer token",
				"path", r.URL.Path,
				"authorization", redact.String(auth, h.cfg.BearerToken))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("httpapi: failed to encode json response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// handleHealth answers GET /api/health; never gated by auth.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	Prompt  string `json:"prompt"`
	GroupID string `json:"groupId"`
}

// handleChat implements POST /api/chat: binds one SSE subscriber to the
// group's output router slot, auto-registers the group on first sight,
// flushes buffered events, then submits the prompt.
func (h *handlers) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	var req chatRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		if strings.Contains(err.Error(), "http: request body too large") {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Prompt == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	rawGroupID := req.GroupID
	if rawGroupID == "" {
		rawGroupID = h.cfg.MainGroupID
	}
	groupID, err := group.NormalizeGroupID(rawGroupID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid groupId")
		return
	}

	if h.router.HasSubscriber(groupID) {
		writeJSONError(w, http.StatusConflict, "another stream is already active for this group")
		return
	}

	if !h.reg.Exists(groupID) {
		if _, err := h.reg.Register(r.Context(), groupID, req.GroupID, ""); err != nil && !errors.Is(err, store.ErrGroupExists) {
			writeJSONError(w, http.StatusInternalServerError, "failed to register group")
			return
		}
	}

	sw, err := newSSEWriter(w)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events := make(chan router.Event, router.DefaultBufferLimit)
	token := h.router.Subscribe(groupID, func(e router.Event) {
		events <- e
	})
	defer h.router.Unsubscribe(groupID, token)

	if _, err := h.queue.Submit(r.Context(), groupID, req.Prompt, nil); err != nil {
		_ = sw.writeError(fmt.Sprintf("failed to submit prompt: %v", err))
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			switch e.Kind {
			case router.KindMessage:
				if err := sw.writeMessage(e.Text); err != nil {
					return
				}
			case router.KindError:
				_ = sw.writeError(e.Error)
				return
			case router.KindDone:
				_ = sw.writeDone(e.NewSessionID)
				return
			}
		}
	}
}

type groupResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Folder  string `json:"folder"`
	AddedAt string `json:"added_at"`
}

type createGroupRequest struct {
	Name   string `json:"name"`
	Folder string `json:"folder"`
}

// handleGroups dispatches GET/POST /api/groups.
func (h *handlers) handleGroups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listGroups(w, r)
	case http.MethodPost:
		h.createGroup(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *handlers) listGroups(w http.ResponseWriter, r *http.Request) {
	groups := h.reg.List()
	out := make([]groupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupResponse{ID: g.ID, Name: g.DisplayName, Folder: g.Folder, AddedAt: g.AddedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) createGroup(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	defer io.Copy(io.Discard, body) //nolint:errcheck

	var req createGroupRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	rawID := req.Folder
	if rawID == "" {
		rawID = req.Name
	}

	g, err := h.reg.Register(r.Context(), rawID, req.Name, "")
	if err != nil {
		if errors.Is(err, group.ErrInvalidGroupID) {
			writeJSONError(w, http.StatusBadRequest, "invalid folder/name")
			return
		}
		if errors.Is(err, store.ErrGroupExists) {
			writeJSONError(w, http.StatusConflict, "group already exists")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to register group")
		return
	}

	writeJSON(w, http.StatusCreated, groupResponse{ID: g.ID, Name: g.DisplayName, Folder: g.Folder})
}

// handleGroupSession implements DELETE /api/groups/{folder}/session.
func (h *handlers) handleGroupSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	const prefix = "/api/groups/"
	const suffix = "/session"
	path := r.URL.Path
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		http.NotFound(w, r)
		return
	}
	folder := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if folder == "" || strings.Contains(folder, "/") {
		http.NotFound(w, r)
		return
	}

	existed, err := h.queue.StopSession(r.Context(), folder)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to stop session")
		return
	}
	if !existed {
		writeJSONError(w, http.StatusNotFound, "no live session for this group")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
