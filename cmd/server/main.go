// Package main is the entry point of the progress engine API server.
//
// The server accepts activity submissions, enrollments, workflow steps,
// curriculum publications and portfolio commits over HTTP. With
// HTTP_RUN_DISPATCHER set it also drains the side-effect outbox, so a
// single process is enough for small deployments.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/app"
	httpapi "github.com/alem-hub/progress-engine/internal/interface/http"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := app.NewLogger(cfg).Named("server")
	defer func() { _ = log.Sync() }()

	log.Info("starting progress engine",
		logger.String("version", cfg.App.Version),
		logger.String("storage", string(cfg.Database.Driver)),
		logger.Bool("redis", cfg.Redis.Addr != ""),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. STORAGE, COORDINATION AND ENGINE
	// ─────────────────────────────────────────────────────────────────────────
	c, err := app.Build(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	defer c.Close()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. HEALTH CHECKS
	// ─────────────────────────────────────────────────────────────────────────
	health := httpapi.NewCompositeHealthChecker(cfg.App.Version)
	if c.DB != nil {
		health.AddCheck("database", c.DB.Ping)
	}
	if c.Redis != nil {
		health.AddCheck("redis", func(ctx context.Context) error {
			return c.Redis.Ping(ctx).Err()
		})
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. OUTBOX DISPATCHER (optional)
	// ─────────────────────────────────────────────────────────────────────────
	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	defer cancelDispatch()
	dispatchDone := make(chan struct{})
	if cfg.HTTP.RunDispatcher {
		go func() {
			defer close(dispatchDone)
			if err := c.Dispatcher.Run(dispatchCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("outbox dispatcher stopped", logger.Err(err))
			}
		}()
		log.Info("outbox dispatcher running in-process")
	} else {
		close(dispatchDone)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	serverCfg := httpapi.DefaultConfig()
	serverCfg.Addr = cfg.HTTP.Addr
	serverCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	serverCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	serverCfg.IdleTimeout = cfg.HTTP.IdleTimeout
	serverCfg.EnableMetrics = cfg.HTTP.MetricsEnabled
	serverCfg.Debug = cfg.IsDevelopment()

	server := httpapi.NewServer(serverCfg, httpapi.Dependencies{
		Commands:       c.Commands,
		Queries:        c.Queries,
		Health:         health,
		Observer:       c.Metrics,
		MetricsHandler: c.Metrics.Handler(),
		Version:        cfg.App.Version,
		Logger:         log,
	})
	errCh := server.StartAsync()
	log.Info("http server listening", logger.String("addr", serverCfg.Addr))

	// ─────────────────────────────────────────────────────────────────────────
	// 7. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := c.ShutdownContext()
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", logger.Err(err))
	}
	cancelDispatch()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		log.Warn("outbox dispatcher did not stop before the shutdown deadline")
	}

	log.Info("shutdown completed")
	return nil
}
