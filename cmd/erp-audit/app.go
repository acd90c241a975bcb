package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/erezept/erp/internal/config"
	"github.com/erezept/erp/internal/domain/auditevent"
	"github.com/erezept/erp/internal/platform/auth"
	"github.com/erezept/erp/internal/platform/cache"
	"github.com/erezept/erp/internal/platform/db"
	"github.com/erezept/erp/internal/platform/health"
	"github.com/erezept/erp/internal/platform/middleware"
	"github.com/erezept/erp/internal/platform/telemetry"
)

const (
	shutdownTimeout = 10 * time.Second
	healthTimeout   = 5 * time.Second
)

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	redis     *cache.Client
	store     *auditevent.StorePG
	telemetry *telemetry.Provider
	cached    *auditevent.CachedRepository
	repo      auditevent.Repository
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	return cfg, newLogger(cfg), nil
}

// newApp connects the configured backends and assembles the repository
// chain: remote download (instrumented), local persistence when a database
// is configured, and the page cache in front of everything.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, tokens auditevent.TokenSource) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		telemetry: telemetry.NewProvider(telemetry.Config{
			ServiceName: "erp-audit",
			Environment: cfg.Env,
		}),
	}

	if cfg.HasStore() {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.pool = pool
		a.store = auditevent.NewStorePG(pool)
		logger.Info().Msg("connected to database")
	}

	client, err := cache.New(ctx, cache.Config{URL: cfg.RedisURL})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.redis = client
	if client != nil {
		logger.Info().Msg("connected to redis")
	}

	remote := auditevent.NewRemoteRepository(auditevent.RemoteConfig{
		BaseURL:        cfg.FHIRBaseURL,
		AcceptLanguage: cfg.FHIRAcceptLanguage,
		Timeout:        cfg.FHIRTimeout,
		RetryAttempts:  cfg.FHIRRetryAttempts,
		RetryDelay:     cfg.FHIRRetryDelay,
	}, tokens, nil)

	var repo auditevent.Repository = auditevent.NewInstrumentedRepository(
		remote,
		auditevent.NewMetrics(a.telemetry.Registerer()),
		a.telemetry.Tracer(),
	)
	if a.store != nil {
		repo = auditevent.NewSyncRepository(repo, a.store, cfg.LocalFallback, logger)
	}
	if cfg.AuditCacheTTL > 0 {
		var pages cache.Store = cache.NewMemoryStore()
		if a.redis != nil {
			pages = cache.NewRedisStore(a.redis.Client)
		}
		a.cached = auditevent.NewCachedRepository(repo, pages, cfg.AuditCacheTTL, logger)
		repo = a.cached
	}
	a.repo = repo

	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing redis client")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) healthChecks() []health.Check {
	var checks []health.Check
	if a.pool != nil {
		checks = append(checks, a.dbCheck())
	}
	if a.redis != nil {
		checks = append(checks, health.Check{Name: "redis", Probe: a.redis.Health})
	}
	return checks
}

func (a *app) dbCheck() health.Check {
	return health.Check{
		Name:    "database",
		Probe:   db.Ping(a.pool),
		Details: func() interface{} { return db.GetPoolStats(a.pool) },
	}
}

func (a *app) newServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(a.telemetry.Middleware())
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout))

	// Auth middleware
	if a.cfg.IsDev() && a.cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     a.cfg.AuthIssuer,
			Audience:   a.cfg.AuthAudience,
			SigningKey: []byte(a.cfg.AuthSigningKey),
		}))
	}

	// Health checks
	e.GET("/health", health.Handler(healthTimeout, a.healthChecks()...))
	if a.pool != nil {
		e.GET("/health/db", health.Handler(healthTimeout, a.dbCheck()))
	}

	apiV1 := e.Group("/api/v1")
	fhirGroup := e.Group("/fhir")

	uc := auditevent.NewUseCase(a.repo, a.logger)
	auditevent.NewHandler(a.repo, uc, a.logger).RegisterRoutes(apiV1, fhirGroup)

	return e
}

func (a *app) newMetricsServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recovery(a.logger))
	e.GET("/metrics", echo.WrapHandler(a.telemetry.Handler()))
	return e
}

// listen serves e on addr until it is shut down.
func listen(logger zerolog.Logger, name string, e *echo.Echo, addr string) error {
	logger.Info().Str("listener", name).Str("addr", addr).Msg("starting server")
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
