// Package web provides the HTTP API for import, export and scheduled export
// jobs, plus a small job status page.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/JonMunkholm/opsbulk/internal/config"
	"github.com/JonMunkholm/opsbulk/internal/core"
	"github.com/JonMunkholm/opsbulk/internal/ratelimit"
	"github.com/JonMunkholm/opsbulk/internal/telemetry"
	"github.com/JonMunkholm/opsbulk/internal/web/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// DefaultMaxUploadSize is used when Options.MaxUploadSize is zero (100MB).
const DefaultMaxUploadSize = 100 * 1024 * 1024

// Options configures the server's middleware stack.
type Options struct {
	Security       config.SecurityConfig
	TrustedProxies []string
	RequestTimeout time.Duration
	MaxUploadSize  int64
	Metrics        bool

	// RateLimiter throttles /api routes when set.
	RateLimiter *ratelimit.TokenBucket
}

// Server is the HTTP server for the job engine.
type Server struct {
	service  *core.Service
	router   *chi.Mux
	server   *http.Server
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer creates a new Server instance.
func NewServer(service *core.Service, opts Options) *Server {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		service: service,
		router:  chi.NewRouter(),
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.opts.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(securityHeaders)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.opts.Metrics {
		s.router.Handle("/metrics", telemetry.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(s.opts.Security))
		r.Use(middleware.Actor)
		if s.opts.RateLimiter != nil {
			r.Use(ratelimit.Middleware(s.opts.RateLimiter))
		}

		// Long-lived; kept outside the request timeout.
		r.Get("/import/{id}/ws", s.handleImportProgressWS)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(s.opts.RequestTimeout))

			r.Get("/modules", s.handleListModules)
			r.Get("/limiter", s.handleLimiterStatus)

			// Imports
			r.Post("/import/preview", s.handlePreview)
			r.Post("/import", s.handleStartImport)
			r.Get("/import", s.handleListImports)
			r.Get("/import/{id}", s.handleGetImport)
			r.Delete("/import/{id}", s.handleDeleteImport)
			r.Post("/import/{id}/cancel", s.handleCancelImport)
			r.Get("/import/{id}/errors", s.handleListRowErrors)
			r.Get("/import/{id}/errors.csv", s.handleDownloadRowErrors)
			r.Post("/import/{id}/rollback", s.handleRollback)

			// Exports
			r.Post("/export", s.handleExport)
			r.Get("/export/{id}", s.handleGetExport)
			r.Get("/export/{id}/download", s.handleDownloadExport)

			// Scheduled exports
			r.Get("/schedules/next", s.handleNextRuns)
			r.Get("/scheduled-exports", s.handleListSchedules)
			r.Post("/scheduled-exports", s.handleCreateSchedule)
			r.Get("/scheduled-exports/{id}", s.handleGetSchedule)
			r.Put("/scheduled-exports/{id}", s.handleUpdateSchedule)
			r.Patch("/scheduled-exports/{id}/active", s.handleSetScheduleActive)
			r.Delete("/scheduled-exports/{id}", s.handleDeleteSchedule)
			r.Get("/scheduled-exports/{id}/runs", s.handleListScheduleRuns)
		})
	})

	s.router.Get("/jobs/{id}", s.handleJobPage)
}

// Start begins listening for HTTP requests.
func (s *Server) Start(cfg config.ServerConfig) error {
	s.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	slog.Info("server listening", "addr", cfg.Addr())
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// ServeHTTP lets tests drive the router directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"modules": s.service.Registry().Len(),
		"limiter": s.service.LimiterStatus(),
	})
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self' 'unsafe-inline'; connect-src 'self'")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v with status. Encoding errors are logged since the
// header is already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
