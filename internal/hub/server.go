package hub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"mcphub-go/internal/config"
	"mcphub-go/internal/oauth"
	"mcphub-go/internal/observability"
	"mcphub-go/internal/upstream"
)

// Server owns the downstream HTTP surface: the SSE and streaming-HTTP
// session endpoints (plus user-scoped variants), the OAuth callback and
// proxy endpoints, the settings export API, health, and metrics.
type Server struct {
	logger     *zap.Logger
	store      *config.Store
	registry   *upstream.Registry
	sessions   *SessionManager
	dispatcher *Dispatcher
	oauth      *oauth.Coordinator
	oauthProxy *oauth.Proxy
	metrics    *observability.Metrics
	basePath   string
}

// NewServer wires the hub server. oauth coordinator, proxy, and metrics are
// optional.
func NewServer(store *config.Store, registry *upstream.Registry, sessions *SessionManager, dispatcher *Dispatcher, coordinator *oauth.Coordinator, proxy *oauth.Proxy, metrics *observability.Metrics, basePath string, logger *zap.Logger) *Server {
	basePath = strings.TrimSuffix(basePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	server := &Server{
		logger:     logger.Named("hub"),
		store:      store,
		registry:   registry,
		sessions:   sessions,
		dispatcher: dispatcher,
		oauth:      coordinator,
		oauthProxy: proxy,
		metrics:    metrics,
		basePath:   basePath,
	}
	if metrics != nil {
		sessions.SetGauge(metrics.SessionsOpen)
	}
	registry.Notifications().AddHandler(dispatcher.HandleUpstreamNotification)
	return server
}

// BasePath returns the configured mount prefix.
func (s *Server) BasePath() string { return s.basePath }

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		s.mountSessionRoutes(r, false)
		r.Route("/{user}", func(r chi.Router) {
			s.mountSessionRoutes(r, true)
		})
	})

	if s.oauth != nil {
		r.Get("/oauth/callback", s.oauth.CallbackHandler())
	}
	if s.oauthProxy != nil {
		r.Get("/.well-known/oauth-authorization-server", s.oauthProxy.MetadataHandler())
		r.Get("/authorize", s.oauthProxy.AuthorizeHandler())
		r.Post("/token", s.oauthProxy.TokenHandler())
	}

	r.Get("/api/mcp-settings", s.handleExportSettings)
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	if s.basePath == "" {
		return r
	}
	outer := chi.NewRouter()
	outer.Mount(s.basePath, r)
	return outer
}

func (s *Server) mountSessionRoutes(r chi.Router, userScoped bool) {
	userOf := func(r *http.Request) string {
		if userScoped {
			return chi.URLParam(r, "user")
		}
		return ""
	}
	segmentsOf := func(r *http.Request) []string {
		rest := chi.URLParam(r, "*")
		if rest == "" {
			return nil
		}
		var segments []string
		for _, part := range strings.Split(rest, "/") {
			if part != "" {
				segments = append(segments, part)
			}
		}
		return segments
	}

	sse := func(w http.ResponseWriter, r *http.Request) {
		s.handleSSEOpen(w, r, userOf(r), segmentsOf(r))
	}
	r.Get("/sse", sse)
	r.Get("/sse/*", sse)
	r.Post("/messages", s.handleSSEMessage)

	post := func(w http.ResponseWriter, r *http.Request) {
		s.handleStreamablePost(w, r, userOf(r), segmentsOf(r))
	}
	r.Post("/mcp", post)
	r.Post("/mcp/*", post)
	r.Get("/mcp", s.handleStreamableGet)
	r.Get("/mcp/*", s.handleStreamableGet)
	r.Delete("/mcp", s.handleStreamableDelete)
	r.Delete("/mcp/*", s.handleStreamableDelete)
}

// handleExportSettings serves the unexpanded settings document, whole or for
// one server, for dashboard export.
func (s *Server) handleExportSettings(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.LoadOriginal()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": "failed to load settings",
		})
		return
	}

	serverName := r.URL.Query().Get("serverName")
	if serverName == "" {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": doc})
		return
	}

	cfg, ok := doc.MCPServers[serverName]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"message": fmt.Sprintf("Server '%s' not found", serverName),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"mcpServers": map[string]*config.ServerConfig{serverName: cfg},
		},
	})
}

// handleHealth reports per-upstream states for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snapshots := s.registry.List(nil)
	payload := map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Count(),
		"servers":  snapshots,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
