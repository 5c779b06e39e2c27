package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BadgerOps/fitsync/internal/activity"
	"github.com/BadgerOps/fitsync/internal/config"
	"github.com/BadgerOps/fitsync/internal/engine"
	"github.com/BadgerOps/fitsync/internal/observability"
	"github.com/BadgerOps/fitsync/internal/providers"
	"github.com/BadgerOps/fitsync/internal/store"
)

// apiTimeout bounds every request except POST /sync, which runs as long as
// the sync engine allows.
const apiTimeout = 30 * time.Second

// ActivityLister is the read side of the activity record store.
type ActivityLister interface {
	ListActivities(ctx context.Context, src string, limit int) ([]activity.Activity, error)
	CountActivities(ctx context.Context, src string) (int, error)
	GetActivity(ctx context.Context, id int64) (*activity.Activity, error)
}

// Server is the HTTP trigger and management API for fitsync.
type Server struct {
	manager    *engine.SyncManager
	store      *store.Store
	records    ActivityLister
	config     *config.Config
	logger     *slog.Logger
	authStates *authStates
	httpServer *http.Server
}

// NewServer creates a new Server instance. records may be nil, in which
// case activities are read from the application store.
func NewServer(
	manager *engine.SyncManager,
	records ActivityLister,
	cfg *config.Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	st := manager.Store()
	if records == nil {
		records = st
	}
	return &Server{
		manager:    manager,
		store:      st,
		records:    records,
		config:     cfg,
		logger:     logger,
		authStates: newAuthStates(),
	}
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(s.config.Sync.MaxDuration),
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// writeTimeout covers one manual sync run, which holds the response open.
// A zero max duration means syncs have no ceiling, so neither do writes.
func writeTimeout(maxSync time.Duration) time.Duration {
	if maxSync <= 0 {
		return 0
	}
	return maxSync + time.Minute
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Routes builds the chi router with every endpoint registered.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	r.Get("/sync", s.handleSyncStatus)
	r.Post("/sync", s.handleSync)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(apiTimeout))

		r.Route("/api", func(r chi.Router) {
			r.Get("/sources", s.handleListSources)
			r.Post("/sources", s.handleCreateSource)
			r.Post("/sources/test", s.handleTestSources)
			r.Put("/sources/{id}", s.handleUpdateSource)
			r.Delete("/sources/{id}", s.handleDeleteSource)
			r.Post("/sources/{id}/toggle", s.handleToggleSource)

			r.Get("/sync/runs", s.handleListSyncRuns)
			r.Get("/activities", s.handleListActivities)
			r.Get("/activities/{id}", s.handleGetActivity)
		})

		r.Get("/auth/strava/authorize", s.handleStravaAuthorize)
		r.Get(providers.StravaCallbackPath, s.handleStravaCallback)
	})

	return r
}

// requestLogger logs one line per request through the server's logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
