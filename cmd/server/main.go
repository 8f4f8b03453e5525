// Package main is the entrypoint for the compositor API server.
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

	"github.com/benbjohnson/clock"

	"github.com/satimage/compositor/internal/aoi"
	"github.com/satimage/compositor/internal/api"
	"github.com/satimage/compositor/internal/api/handler"
	"github.com/satimage/compositor/internal/auth"
	"github.com/satimage/compositor/internal/config"
	"github.com/satimage/compositor/internal/jobs"
	"github.com/satimage/compositor/internal/provider/registry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "outputs_dir", cfg.Paths.OutputsDir)

	for _, dir := range []string{cfg.Paths.OutputsDir, cfg.Paths.UploadsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers := registry.New(cfg)
	tracker := auth.New(providers, clock.New())
	store := jobs.NewStore()
	dispatcher := jobs.NewDispatcher(store, tracker, providers, cfg.Policy, cfg.Paths.OutputsDir)
	parser := aoi.NewFileParser()

	router := api.NewRouter(api.Dependencies{
		Health:          handler.NewHealthHandler(),
		AuthStatus:      handler.NewAuthStatusHandler(tracker),
		GEELogin:        handler.NewGEELoginHandler(tracker),
		CopernicusLogin: handler.NewCopernicusLoginHandler(tracker),
		AOIBBox:         handler.NewAOIBBoxHandler(),
		AOIGeoJSON:      handler.NewAOIGeoJSONHandler(),
		AOIUpload:       handler.NewAOIUploadHandler(parser),
		Process:         handler.NewProcessHandler(dispatcher),
		ListJobs:        handler.NewListJobsHandler(store),
		GetJob:          handler.NewGetJobHandler(store),
		Download:        handler.NewDownloadHandler(cfg.Paths.OutputsDir),
		ListOutputs:     handler.NewListOutputsHandler(cfg.Paths.OutputsDir),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 15 * time.Minute, // raster downloads can be large
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
