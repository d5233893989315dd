// Package httpapi exposes the chat/groups/health HTTP surface:
// POST /api/chat (SSE), GET/POST /api/groups, DELETE
// /api/groups/{folder}/session, GET /api/health, and CORS preflight.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nanoclaw/host/internal/nanoclaw/group"
)

// Config controls listen address, auth, and request limits.
type Config struct {
	Addr          string
	BearerToken   string
	AssistantName string
	MaxBodyBytes  int64
	// MainGroupID is the configured main group folder name (NANOCLAW_MAIN_GROUP),
	// used as the default chat target when a request omits groupId.
	MainGroupID string
}

const defaultMaxBodyBytes = 1 << 20 // 1 MiB

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.MainGroupID == "" {
		c.MainGroupID = group.MainGroupID
	}
	return c
}

// Server is the host's HTTP surface: chat SSE, group CRUD, health, and CORS.
type Server struct {
	cfg    Config
	mux    *http.ServeMux
	server *http.Server
}

// New constructs a Server wired to the given registry, queue, and router. It
// does not start listening; call Start.
func New(cfg Config, reg groupRegistry, q groupSubmitter, out eventRouter) *Server {
	cfg = cfg.withDefaults()
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	h := &handlers{cfg: cfg, reg: reg, queue: q, router: out}

	s.mux.HandleFunc("/api/chat", h.withCORS(h.withAuth(h.handleChat)))
	s.mux.HandleFunc("/api/groups", h.withCORS(h.withAuth(h.handleGroups)))
	s.mux.HandleFunc("/api/groups/", h.withCORS(h.withAuth(h.handleGroupSession)))
	s.mux.HandleFunc("/api/health", h.withCORS(h.handleHealth))
	return s
}

// ServeHTTP implements http.Handler so the server can be exercised with
// httptest.NewRecorder without a live network listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handle registers an additional handler on the underlying mux.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Start begins listening in the background, blocking until the listener is
// established so the caller knows the port is open before returning.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http server: listen %s: %w", s.cfg.Addr, err)
	}

	s.server = &http.Server{
		Handler: s,
		// No WriteTimeout: SSE streams are intentionally long-lived.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop shuts down the HTTP server, waiting up to 5s for in-flight requests
// (including SSE streams) to finish.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("http server shutdown error", "error", err)
	}
}
