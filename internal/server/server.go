// Package server provides the HTTP server and routing for the automation core.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/breaker"
	"github.com/crosslist/autopilot/internal/config"
	"github.com/crosslist/autopilot/internal/database"
	"github.com/crosslist/autopilot/internal/events"
	"github.com/crosslist/autopilot/internal/executor"
	"github.com/crosslist/autopilot/internal/scheduler"
	"github.com/crosslist/autopilot/internal/store"
	"github.com/crosslist/autopilot/internal/webhook"
)

// Config holds server configuration and wired dependencies.
type Config struct {
	Log     zerolog.Logger
	Cfg     *config.Config
	CoreDB  *database.DB
	AuditDB *database.DB

	Bus       *events.Bus
	Ingestor  *webhook.Ingestor
	Scheduler *scheduler.Scheduler
	Executor  *executor.Executor
	Breaker   *breaker.Breaker

	Logs        *store.LogRepository
	DeadLetters *store.DeadLetterRepository
	SyncJobs    *store.SyncJobRepository
	Rules       *store.RuleRepository
	Schedules   *store.ScheduleRepository

	Port    int
	DevMode bool
}

// Server is the HTTP front of the automation core.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	cfg     *config.Config
	coreDB  *database.DB
	auditDB *database.DB

	bus       *events.Bus
	ingestor  *webhook.Ingestor
	scheduler *scheduler.Scheduler
	executor  *executor.Executor
	breaker   *breaker.Breaker

	logs        *store.LogRepository
	deadLetters *store.DeadLetterRepository
	syncJobs    *store.SyncJobRepository
	rules       *store.RuleRepository
	schedules   *store.ScheduleRepository

	system *SystemHandlers
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		log:         cfg.Log.With().Str("component", "server").Logger(),
		cfg:         cfg.Cfg,
		coreDB:      cfg.CoreDB,
		auditDB:     cfg.AuditDB,
		bus:         cfg.Bus,
		ingestor:    cfg.Ingestor,
		scheduler:   cfg.Scheduler,
		executor:    cfg.Executor,
		breaker:     cfg.Breaker,
		logs:        cfg.Logs,
		deadLetters: cfg.DeadLetters,
		syncJobs:    cfg.SyncJobs,
		rules:       cfg.Rules,
		schedules:   cfg.Schedules,
	}

	s.system = NewSystemHandlers(cfg.Log, cfg.Cfg.DataDir, cfg.CoreDB, cfg.AuditDB,
		cfg.Executor, cfg.Scheduler, cfg.Breaker)

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", webhook.SignatureHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	// Inbound webhooks sit outside /api: marketplaces call this directly.
	s.router.Post("/webhooks/{marketplace}", s.handleWebhook)

	s.router.Route("/api", func(r chi.Router) {
		streamHandler := NewEventsStreamHandler(s.bus, s.log)
		r.Get("/events/stream", streamHandler.ServeHTTP)

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.system.HandleStatus)
			r.Get("/database/stats", s.system.HandleDatabaseStats)
			r.Get("/circuits", s.handleCircuits)
			r.Post("/emergency-stop", s.handleEmergencyStop)
			r.Post("/resume", s.handleResume)
		})

		r.Route("/automation", func(r chi.Router) {
			r.Get("/logs", s.handleRecentLogs)
			r.Post("/rules/{id}/enable", s.handleEnableRule)
			r.Post("/rules/{id}/disable", s.handleDisableRule)
			r.Get("/sync-jobs/{id}", s.handleGetSyncJob)
			r.Get("/dead-letters", s.handleListDeadLetters)
			r.Post("/dead-letters/{id}/resolve", s.handleResolveDeadLetter)
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
