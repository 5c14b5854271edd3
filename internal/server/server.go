package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiroku-app/kiroku/internal/auth"
	"github.com/kiroku-app/kiroku/internal/model"
	"github.com/kiroku-app/kiroku/internal/ratelimit"
)

// Server is the Kiroku HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	Sessions *Sessions
	JWTMgr   *auth.JWTManager
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Pinger  Pinger
	Limiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Sessions:            cfg.Sessions,
		Pinger:              cfg.Pinger,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	rateLimited := func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many requests")
	}
	userID := func(r *http.Request) string {
		if claims := ClaimsFromContext(r.Context()); claims != nil {
			return claims.Subject
		}
		return ""
	}
	mutateRL := ratelimit.Middleware(cfg.Limiter, ratelimit.UserKeyFunc("mutate", userID), rateLimited)
	readRL := ratelimit.Middleware(cfg.Limiter, ratelimit.UserKeyFunc("read", userID), rateLimited)

	mux := http.NewServeMux()

	// Activity log (append and delete only; entries are never edited).
	mux.Handle("POST /v1/logs", mutateRL(http.HandlerFunc(h.HandleCreateLog)))
	mux.Handle("DELETE /v1/logs/{id}", mutateRL(http.HandlerFunc(h.HandleDeleteLog)))

	// Roadmap milestones.
	mux.Handle("POST /v1/milestones", mutateRL(http.HandlerFunc(h.HandleCreateMilestone)))
	mux.Handle("PUT /v1/milestones/{id}", mutateRL(http.HandlerFunc(h.HandleUpdateMilestone)))
	mux.Handle("DELETE /v1/milestones/{id}", mutateRL(http.HandlerFunc(h.HandleDeleteMilestone)))

	// Skill targets.
	mux.Handle("POST /v1/skills", mutateRL(http.HandlerFunc(h.HandleCreateSkill)))
	mux.Handle("PUT /v1/skills/{id}/target", mutateRL(http.HandlerFunc(h.HandleCalibrateSkill)))

	// Tactical targets, keyed by calendar date.
	mux.Handle("PUT /v1/targets/{date}", mutateRL(http.HandlerFunc(h.HandleUpsertTarget)))
	mux.Handle("DELETE /v1/targets/{date}", mutateRL(http.HandlerFunc(h.HandleDeleteTarget)))

	// Reads.
	mux.Handle("GET /v1/dashboard", readRL(http.HandlerFunc(h.HandleDashboard)))
	mux.Handle("GET /v1/tables/{table}", readRL(http.HandlerFunc(h.HandleSnapshot)))
	mux.Handle("POST /v1/refetch", readRL(http.HandlerFunc(h.HandleRefetch)))

	// Stream (no rate limit: long-lived connection).
	mux.Handle("GET /v1/stream", http.HandlerFunc(h.HandleStream))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
