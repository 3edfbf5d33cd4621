package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/validation/internal/config"
	"github.com/ehr/validation/internal/domain/rules"
	"github.com/ehr/validation/internal/domain/terminology"
	"github.com/ehr/validation/internal/domain/validation"
	"github.com/ehr/validation/internal/platform/breaker"
	"github.com/ehr/validation/internal/platform/db"
	"github.com/ehr/validation/internal/platform/middleware"
	"github.com/ehr/validation/internal/platform/settings"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the validation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := loadProcessConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Settings
	var store settings.Store
	if cfg.SettingsFile != "" {
		fs, err := settings.OpenFileStore(cfg.SettingsFile, logger)
		if err != nil {
			return err
		}
		defer fs.Close()
		go fs.Watch(ctx)
		store = fs
	} else {
		store = settings.NewMemoryStore(nil, logger)
	}

	eng, err := buildEngine(ctx, cfg, store.Current(), logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	go eng.invalidation.Run(ctx, store.Changes())
	go eng.cache.RunJanitor(ctx, time.Minute)

	e := newServer(cfg, eng, store, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("settings_hash", eng.invalidation.CurrentHash()).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(cfg *config.Config, eng *engine, store settings.Store, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Metrics())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader, "X-Actor"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", healthHandler(eng, store))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiV1 := e.Group("/api/v1")
	fhirGroup := e.Group("/fhir")
	rl := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rl))
	fhirGroup.Use(middleware.RateLimit(rl))

	validation.NewHandler(eng.orchestrator, store, eng.groups, eng.invalidation).RegisterRoutes(apiV1, fhirGroup)
	terminology.NewHandler(eng.resolver, store).RegisterRoutes(apiV1, fhirGroup)
	rules.NewHandler(eng.rules).RegisterRoutes(apiV1)
	settings.NewHandler(store).RegisterRoutes(apiV1)
	return e
}

type healthResponse struct {
	Status        string        `json:"status"`
	EngineVersion string        `json:"engineVersion"`
	SettingsHash  string        `json:"settingsHash"`
	CachedResults int           `json:"cachedResults"`
	OpenCircuits  []string      `json:"openCircuits"`
	Database      *db.PoolStats `json:"database,omitempty"`
}

// healthHandler reports 503 only when the database is unreachable. Open
// circuits degrade validation but do not make the service unhealthy.
func healthHandler(eng *engine, store settings.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := healthResponse{
			Status:        "ok",
			EngineVersion: eng.orchestrator.EngineVersion(),
			SettingsHash:  store.Current().Hash(),
			CachedResults: eng.cache.Len(),
			OpenCircuits:  []string{},
		}
		for _, s := range eng.resolver.Breakers().Snapshots() {
			if s.State != breaker.StateClosed {
				resp.OpenCircuits = append(resp.OpenCircuits, s.Key)
			}
		}
		if len(resp.OpenCircuits) > 0 {
			resp.Status = "degraded"
		}
		status := http.StatusOK
		if eng.pool != nil {
			resp.Database = db.Check(c.Request().Context(), eng.pool)
			if !resp.Database.Healthy {
				resp.Status = "unavailable"
				status = http.StatusServiceUnavailable
			}
		}
		return c.JSON(status, resp)
	}
}

// loadProcessConfig is used by the one-shot commands, which run without a
// server but share the engine wiring.
func loadProcessConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
