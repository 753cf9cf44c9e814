// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianExperiments/cmd/experiments/config"
	"github.com/AleutianAI/AleutianExperiments/pkg/logging"
	"github.com/AleutianAI/AleutianExperiments/pkg/telemetry"
	"github.com/AleutianAI/AleutianExperiments/services/experiments"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/api"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/definition"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/storage"
)

// runServe starts the HTTP API and blocks until SIGINT or SIGTERM.
//
// Description:
//
//	Loads the config, installs telemetry, opens the configured store and
//	serves the API. On a signal the server drains in-flight requests for
//	up to server.shutdown_timeout, then the registry, the store and the
//	telemetry providers are closed in that order.
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	format, _ := logging.ParseFormat(cfg.Logging.Format)
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "experiments",
		Format:  format,
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	stores, err := storage.Open(cfg.Storage, logger.Slog())
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}

	opts := append(cfg.Engine.RegistryOptions(), experiments.WithLogger(logger.Slog()))
	reg, err := experiments.NewRegistry(stores, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn("registry close failed", "error", err)
		}
	}()

	if err := loadDefinitions(ctx, cfg.Definitions, reg, logger.Slog()); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(reg, api.RouterConfig{
		Logger:         logger.Slog(),
		Limiter:        api.NewLimiter(cfg.Server.RateLimit, cfg.Server.Burst),
		MetricsHandler: telemetry.MetricsHandler(),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting experiments server",
			"address", srv.Addr,
			"storage", cfg.Storage.Backend,
			"trace_exporter", cfg.Telemetry.TraceExporter,
			"metric_exporter", cfg.Telemetry.MetricExporter)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down experiments server")
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// loadDefinitions creates the tests found in the definitions directory. With
// watching enabled the directory keeps being synced until ctx ends.
func loadDefinitions(ctx context.Context, cfg config.DefinitionsConfig, reg *experiments.Registry, logger *slog.Logger) error {
	if cfg.Dir == "" {
		return nil
	}
	if cfg.Watch {
		w, err := definition.NewWatcher(cfg.Dir, reg, definition.WatcherOptions{
			Debounce: cfg.Debounce,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		go func() {
			<-ctx.Done()
			w.Stop()
		}()
		return nil
	}

	report, err := definition.SyncDir(ctx, cfg.Dir, reg)
	if err != nil {
		return err
	}
	for path, ferr := range report.Failed {
		logger.Warn("definition rejected", "file", path, "error", ferr)
	}
	logger.Info("definitions loaded",
		"dir", cfg.Dir,
		"created", len(report.Created),
		"existing", len(report.Existing))
	return nil
}
