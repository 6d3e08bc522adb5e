// Package api is the hub's HTTP surface: agent registration, the long-poll
// endpoint backed by the trigger resolver, completion endpoints, reads and
// the event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/swarmhub/internal/auth"
	"github.com/mattjoyce/swarmhub/internal/claim"
	"github.com/mattjoyce/swarmhub/internal/events"
	"github.com/mattjoyce/swarmhub/internal/resolver"
	"github.com/mattjoyce/swarmhub/internal/store"
)

type Config struct {
	Listen string
	// APIKey is a single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig

	PollInterval time.Duration
	PollMaxWait  time.Duration
}

// authEnabled reports whether any credential is configured. Without one
// every request is treated as admin, which suits a loopback-only hub.
func (c Config) authEnabled() bool {
	return c.APIKey != "" || len(c.Tokens) > 0
}

// Deps are the hub components the API serves.
type Deps struct {
	Store    *store.Store
	Resolver *resolver.Resolver
	Claims   *claim.Engine
	Events   *events.Hub
	// Gatherer backs GET /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Ingest is mounted under /ingest with the producer scope; may be nil.
	Ingest http.Handler
}

type Server struct {
	config    Config
	deps      Deps
	poll      pollWindow
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.NewHub(256)
	}
	poll := pollWindow{interval: config.PollInterval, maxWait: config.PollMaxWait}
	if poll.interval <= 0 {
		poll.interval = 2 * time.Second
	}
	if poll.maxWait < poll.interval {
		poll.maxWait = 30 * time.Second
	}
	return &Server{
		config:    config,
		deps:      deps,
		poll:      poll,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Long polls and SSE streams outlive any fixed write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.config.authEnabled())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		if s.deps.Gatherer != nil {
			r.With(s.requireScopes(auth.ScopeRead)).Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
		}
		r.With(s.requireScopes(auth.ScopeRead)).Get("/events", s.handleEvents)
		r.With(s.requireScopes(auth.ScopeRead)).Get("/agents", s.handleListAgents)
		r.With(s.requireScopes(auth.ScopeRead)).Get("/tasks", s.handleListTasks)
		r.With(s.requireScopes(auth.ScopeRead)).Get("/tasks/{id}", s.handleGetTask)

		r.Group(func(r chi.Router) {
			r.Use(s.requireScopes(auth.ScopeAgent))
			r.Use(requireAgentID)

			r.Post("/agents", s.handleRegister)
			r.Post("/agents/offline", s.handleOffline)
			r.Post("/agents/heartbeat", s.handleHeartbeat)
			r.Get("/poll", s.handlePoll)

			r.Post("/tasks/{id}/accept", s.handleAcceptTask)
			r.Post("/tasks/{id}/reject", s.handleRejectTask)
			r.Post("/tasks/{id}/start", s.handleStartTask)
			r.Post("/tasks/{id}/progress", s.handleTaskProgress)
			r.Post("/tasks/{id}/complete", s.handleCompleteTask)
			r.Post("/tasks/{id}/fail", s.handleFailTask)
			r.Post("/tasks/{id}/cancel", s.handleCancelTask)
			r.Post("/tasks/{id}/claim", s.handleClaimPoolTask)

			r.Post("/inbox/{id}/read", s.handleInboxRead)
			r.Post("/inbox/{id}/respond", s.handleInboxRespond)
			r.Post("/inbox/{id}/delegate", s.handleInboxDelegate)

			r.Post("/channels/{channel}/read", s.handleChannelRead)
		})

		if s.deps.Ingest != nil {
			r.With(s.requireScopes(auth.ScopeProducer)).Mount("/ingest", s.deps.Ingest)
		}
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"agent_id", r.Header.Get(AgentIDHeader),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
