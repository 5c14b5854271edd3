// Package kiroku is the public API for embedding the Kiroku progress
// dashboard server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := kiroku.New(
//	    kiroku.WithVersion(version),
//	    kiroku.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kiroku (root) imports
// internal/*, but internal/* never imports kiroku (root).
package kiroku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/kiroku-app/kiroku/internal/auth"
	"github.com/kiroku-app/kiroku/internal/config"
	"github.com/kiroku-app/kiroku/internal/feed"
	"github.com/kiroku-app/kiroku/internal/ratelimit"
	"github.com/kiroku-app/kiroku/internal/server"
	"github.com/kiroku-app/kiroku/internal/storage"
	"github.com/kiroku-app/kiroku/internal/telemetry"
	"github.com/kiroku-app/kiroku/migrations"
)

// App is the Kiroku server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	listener     *feed.Listener
	sessions     *server.Sessions
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Kiroku server. It connects to the database, runs
// migrations, and wires all subsystems. It does NOT start any goroutines or
// accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	deadline := cfg.DeadlineTime()
	if !o.deadline.IsZero() {
		deadline = o.deadline
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kiroku starting", "version", version, "port", cfg.Port, "deadline", deadline)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	listener := feed.NewListener(db, logger)
	listener.RegisterMetrics()

	sessions := server.NewSessions(server.SessionsConfig{
		Store:        db,
		Feed:         listener,
		Logger:       logger,
		Deadline:     deadline,
		TombstoneTTL: cfg.TombstoneTTL,
		WriteTimeout: cfg.WriteTimeoutStore,
	})

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Sessions:            sessions,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Pinger:              db,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		listener:     listener,
		sessions:     sessions,
		limiter:      limiter,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler exposes the fully wired HTTP handler. Useful for embedding the
// server behind an existing mux or in tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the change feed listener and the HTTP server, then blocks until
// ctx is cancelled or the server fails. On cancellation it performs a
// graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	// The listener must be live before sessions take their initial snapshot;
	// sessions subscribe before loading, so nothing falls in between.
	go a.listener.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown: stop accepting HTTP requests and
// drain in-flight handlers, then tear down sessions. Session teardown waits
// for each coordinator's background store writes, so anything the ledger
// already shows reaches Postgres before exit.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kiroku shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	a.sessions.Close()
	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("kiroku stopped")
	return nil
}
