package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/labflow/labflow/internal/config"
	"github.com/labflow/labflow/internal/domain/exam"
	"github.com/labflow/labflow/internal/domain/labimport"
	"github.com/labflow/labflow/internal/platform/auth"
	"github.com/labflow/labflow/internal/platform/db"
	"github.com/labflow/labflow/internal/platform/jobs"
	"github.com/labflow/labflow/internal/platform/middleware"
	"github.com/labflow/labflow/internal/platform/sweeper"
)

const uploadsPath = "/api/v1/lab-uploads"

// authMiddleware picks dev or JWT authentication from the environment.
func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, err
	}
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: key,
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtCfg, cfg.DevUserID), nil
	}
	return auth.JWTMiddleware(jwtCfg), nil
}

// newEcho builds the HTTP server with its middleware chain and routes.
func newEcho(a *app) (*echo.Echo, error) {
	authMW, err := authMiddleware(a.cfg)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(1<<20, a.maxFileSize, uploadsPath))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevUserHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool, version))
	}

	apiV1 := e.Group("/api/v1", authMW,
		middleware.RateLimit(middleware.DefaultRateLimitConfig()),
		middleware.RequestTimeout(a.cfg.RequestTimeout, uploadsPath))

	exam.NewHandler(a.exams).RegisterRoutes(apiV1)
	labimport.NewHandler(a.imports, a.maxFileSize, a.logger).RegisterRoutes(apiV1)
	return e, nil
}

func runServer(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	n, err := a.migrator().Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if n > 0 {
		logger.Info().Int("applied", n).Msg("migrations applied")
	}

	// Imports go to the worker when Redis is configured; otherwise they run
	// inside the request.
	if a.cfg.RedisURL != "" {
		opt, err := jobs.RedisOpt(a.cfg.RedisURL)
		if err != nil {
			return err
		}
		client := asynq.NewClient(opt)
		defer client.Close()
		a.imports.SetDispatcher(jobs.NewDispatcher(client, logger))
	}

	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	stopSweeper, err := sweeper.New(a.imports, a.cfg.StaleImportAfter, logger).Start(ctx, a.cfg.StaleSweepSchedule)
	if err != nil {
		return err
	}
	defer stopSweeper()

	e, err := newEcho(a)
	if err != nil {
		return err
	}

	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stopSignals()
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runWorker(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	opt, err := jobs.RedisOpt(a.cfg.RedisURL)
	if err != nil {
		return err
	}
	logger := a.logger.With().Str("component", "worker").Logger()
	srv := jobs.NewServer(opt, a.cfg.ImportWorkers, logger)
	mux := jobs.NewMux(jobs.NewImportHandler(a.imports, logger))

	logger.Info().Int("concurrency", a.cfg.ImportWorkers).Msg("starting import worker")
	// Run blocks until SIGTERM or SIGINT.
	if err := srv.Run(mux); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}
