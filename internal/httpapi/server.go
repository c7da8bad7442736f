// Package httpapi exposes the auth and execution surfaces over HTTP with
// a chi router. The handlers are thin: every operation delegates to the
// auth service, dispatcher, or tool registry.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"modulex-go/internal/auth"
	"modulex-go/internal/config"
	"modulex-go/internal/dispatch"
	"modulex-go/internal/observability"
	"modulex-go/internal/reqcontext"
	"modulex-go/internal/tools"
)

const requestTimeout = 60 * time.Second

// Server provides the HTTP API with chi router
type Server struct {
	cfg        *config.Config
	authSvc    *auth.Service
	dispatcher *dispatch.Dispatcher
	registry   *tools.Registry
	metrics    *observability.MetricsManager
	health     *observability.HealthManager
	logger     *zap.SugaredLogger
	router     *chi.Mux
}

// NewServer creates a new HTTP API server
func NewServer(cfg *config.Config, authSvc *auth.Service, dispatcher *dispatch.Dispatcher, registry *tools.Registry, metrics *observability.MetricsManager, health *observability.HealthManager, logger *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:        cfg,
		authSvc:    authSvc,
		dispatcher: dispatcher,
		registry:   registry,
		metrics:    metrics,
		health:     health,
		logger:     logger,
		router:     chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.correlationIDMiddleware())

	s.router.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	// Browser-facing auth pages. The provider redirects here, so these
	// cannot require an API key.
	s.router.Get("/auth/callback/{tool}", s.handleOAuthCallback)
	s.router.Get("/auth/form/{tool}", s.handleAuthFormPage)
	s.router.Post("/auth/form/{tool}", s.handleAuthFormSubmit)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(s.apiKeyAuthMiddleware())

		r.Get("/auth/url", s.handleGetAuthURL)
		r.Get("/auth/status", s.handleAuthStatus)
		r.Post("/auth/disconnect", s.handleDisconnect)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/active", s.handleSetActive)
		r.Post("/auth/actions", s.handleSetActionDisabled)

		r.Get("/tools", s.handleListTools)
		r.Post("/tools/execute", s.handleExecute)

		r.Get("/api/status", s.handleAPIStatus)
	})
}

// correlationIDMiddleware injects a correlation ID into the request
// context and echoes it back for client-side tracking.
func (s *Server) correlationIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = reqcontext.GenerateCorrelationID()
			}
			ctx := reqcontext.WithCorrelationID(r.Context(), correlationID)
			w.Header().Set("X-Correlation-ID", correlationID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// apiKeyAuthMiddleware validates X-API-Key on API routes. When no key is
// configured the API is open, which is intended for local deployments.
func (s *Server) apiKeyAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.APIKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !s.validAPIKey(r) {
				s.logger.Warnw("request with invalid api key", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				s.writeError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) validAPIKey(r *http.Request) bool {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key == s.cfg.APIKey
	}
	if key := r.URL.Query().Get("apikey"); key != "" {
		return key == s.cfg.APIKey
	}
	return false
}

type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorw("encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, apiResponse{Success: false, Error: message})
}

func (s *Server) writeSuccess(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: data})
}
