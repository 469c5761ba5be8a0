// Package main is the entry point for the autopilot seller automation core.
// The process owns the schedule loop, the worker pool, webhook ingestion,
// cross-marketplace sync, and the HTTP API in front of them.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosslist/autopilot/internal/config"
	"github.com/crosslist/autopilot/internal/di"
	"github.com/crosslist/autopilot/internal/server"
	"github.com/crosslist/autopilot/pkg/logger"
)

// recoverLimit caps how many interrupted webhook events are re-enqueued per
// status on startup. Deduplication makes re-enqueueing safe.
const recoverLimit = 500

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No config means no log level either; use a default logger to report.
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().
		Str("data_dir", cfg.DataDir).
		Int("port", cfg.Port).
		Msg("Starting autopilot")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := container.Executor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Executor stopped")
		}
	}()
	go func() {
		if err := container.Scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Scheduler stopped")
		}
	}()

	// Webhook events caught mid-flight by the previous shutdown resume here.
	if n, err := container.Coordinator.RecoverPending(recoverLimit); err != nil {
		log.Error().Err(err).Msg("Failed to recover pending webhook events")
	} else if n > 0 {
		log.Info().Int("events", n).Msg("Recovered pending webhook events")
	}

	jobs, err := di.RegisterJobs(ctx, container, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register recurring jobs")
	}
	jobs.Start()

	srv := server.New(server.Config{
		Log:         log,
		Cfg:         cfg,
		CoreDB:      container.CoreDB,
		AuditDB:     container.AuditDB,
		Bus:         container.Bus,
		Ingestor:    container.Ingestor,
		Scheduler:   container.Scheduler,
		Executor:    container.Executor,
		Breaker:     container.Breaker,
		Logs:        container.Logs,
		DeadLetters: container.DeadLetters,
		SyncJobs:    container.SyncJobs,
		Rules:       container.Rules,
		Schedules:   container.Schedules,
		Port:        cfg.Port,
		DevMode:     cfg.DevMode,
	})
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	// Stop accepting new cron runs, then stop dispatch, then drain HTTP.
	cronCtx := jobs.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	select {
	case <-cronCtx.Done():
	case <-shutdownCtx.Done():
		log.Warn().Msg("Timed out waiting for running jobs")
	}

	log.Info().Msg("Shutdown complete")
}
