package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/daymonio/daymon-sub001/internal/core"
	"github.com/daymonio/daymon-sub001/internal/events"
	"github.com/daymonio/daymon-sub001/internal/store"
)

// Server is the worker's loopback HTTP surface.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	scheduler  *core.Scheduler
	runner     *core.Runner
	bus        *events.Bus
	logger     *slog.Logger
	location   *time.Location
	authToken  string
	startedAt  time.Time

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	// closing ends open event streams; http.Server.Shutdown waits for them
	// but never cancels their request contexts.
	closeOnce sync.Once
	closing   chan struct{}
}

// NewServer constructs the worker HTTP server.
func NewServer(authToken string, store *store.Store, scheduler *core.Scheduler, runner *core.Runner, bus *events.Bus, logger *slog.Logger, location *time.Location) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	if location == nil {
		location = time.Local
	}
	s := &Server{
		router:     router,
		store:      store,
		scheduler:  scheduler,
		runner:     runner,
		bus:        bus,
		logger:     logger,
		location:   location,
		authToken:  authToken,
		startedAt:  time.Now(),
		shutdownCh: make(chan struct{}),
		closing:    make(chan struct{}),
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Event streams stay open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	s.httpServer.RegisterOnShutdown(s.closeStreams)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. Event streams are closed first so
// connected subscribers do not hold it open until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeStreams()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// ShutdownRequested is closed once a client asks the worker to exit.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/sync", s.handleSync)
		r.Post("/shutdown", s.handleShutdown)
		r.Get("/events", s.handleEvents)
		r.Post("/cron/preview", s.handleCronPreview)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID:[0-9]+}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/run", s.handleRunTask)
				r.Get("/running", s.handleTaskRunning)
				r.Get("/runs", s.handleListRuns)
			})
		})

		r.Route("/runs/{runID:[0-9]+}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Get("/result", s.handleRunResult)
		})
	})
}
