package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"fleetrun/internal/core"
	"fleetrun/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	engine     *core.Engine
	scheduler  *core.Scheduler
	logger     *slog.Logger
	location   *time.Location
	authToken  string
}

// NewServer constructs the HTTP API server.
func NewServer(addr string, authToken string, store *store.Store, engine *core.Engine, scheduler *core.Scheduler, logger *slog.Logger, location *time.Location) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		store:     store,
		engine:    engine,
		scheduler: scheduler,
		logger:    logger,
		location:  location,
		authToken: authToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/cron/preview", s.handleCronPreview)
		r.Post("/scheduler/tick", s.handleSchedulerTick)

		r.Route("/servers", func(r chi.Router) {
			r.Get("/", s.handleListServers)
			r.Post("/", s.handleCreateServer)

			r.Route("/{serverID}", func(r chi.Router) {
				r.Get("/", s.handleGetServer)
				r.Patch("/", s.handleUpdateServer)
				r.Delete("/", s.handleDeleteServer)
			})
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/toggle", s.handleToggleTask)
				r.Post("/trigger", s.handleTriggerTask)
				r.Get("/runs", s.handleListRuns)
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/{runID}", s.handleGetRun)
			r.Post("/{runID}/retry", s.handleRetryRun)
			r.Post("/{runID}/cancel", s.handleCancelRun)
		})
	})
}
