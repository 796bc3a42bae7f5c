// Package server exposes the portfolio engine over HTTP: portfolio
// creation and fills, the metrics query surface, a price broadcast
// endpoint, an SSE event stream and system monitoring.
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

	"github.com/atlasalgo/portfolio-engine/internal/clients/pricefeed"
	"github.com/atlasalgo/portfolio-engine/internal/config"
	"github.com/atlasalgo/portfolio-engine/internal/database"
	"github.com/atlasalgo/portfolio-engine/internal/events"
	"github.com/atlasalgo/portfolio-engine/internal/modules/portfolio"
	"github.com/atlasalgo/portfolio-engine/internal/reliability"
	"github.com/atlasalgo/portfolio-engine/internal/telemetry"
)

// Config holds the server's collaborators. Backups and PriceFeed may
// be nil when those subsystems are disabled.
type Config struct {
	Log       zerolog.Logger
	Config    *config.Config
	Service   *portfolio.Service
	LedgerDB  *database.DB
	EventBus  *events.Bus
	Backups   *reliability.BackupService
	PriceFeed *pricefeed.Client
}

// Server is the HTTP server
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	cfg     *config.Config
	service *portfolio.Service

	portfolioHandlers *PortfolioHandlers
	systemHandlers    *SystemHandlers
	eventsStream      *EventsStreamHandler
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     cfg.Log.With().Str("component", "server").Logger(),
		cfg:     cfg.Config,
		service: cfg.Service,
	}

	s.portfolioHandlers = NewPortfolioHandlers(cfg.Service, cfg.Log)
	s.systemHandlers = NewSystemHandlers(cfg.Log, cfg.Config.DataDir, cfg.LedgerDB, cfg.Backups, cfg.PriceFeed)
	s.eventsStream = NewEventsStreamHandler(cfg.EventBus, cfg.Log)

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Config.Host, cfg.Config.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No write deadline: the events stream holds its response open
		// indefinitely. Regular routes are bounded by the timeout
		// middleware instead.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Prometheus request metrics
	s.router.Use(telemetry.Middleware)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	s.router.Use(middleware.Compress(5))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.Get("/health", s.handleHealth)

	// Prometheus scrape endpoint
	s.router.Method(http.MethodGet, "/metrics", telemetry.Handler())

	// API routes
	s.router.Route("/api", func(r chi.Router) {
		// Unified events stream (SSE) - stays outside the timeout group
		// because it holds its connection open
		r.Get("/events/stream", s.eventsStream.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			s.portfolioHandlers.RegisterRoutes(r)
			s.systemHandlers.RegisterRoutes(r)
		})
	})
}

// Start begins listening for requests
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
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
