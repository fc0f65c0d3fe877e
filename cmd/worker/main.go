// Package main provides the entry point for the video analysis worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/videolens/worker/internal/bootstrap"
	"github.com/videolens/worker/internal/config"
	"github.com/videolens/worker/internal/server"
	"github.com/videolens/worker/internal/shutdown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}
	cfg.WarnMissing(logger)

	logger.Info("starting video analysis worker",
		slog.Int("port", cfg.Port),
		slog.String("revision", server.Revision),
		slog.String("db_path", cfg.DBPath),
		slog.String("temp_dir", cfg.TempDir),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
	)

	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		logger.Error("initialize dependencies", slog.String("error", err.Error()))
		return 1
	}

	coordinator := shutdown.New(deps.Orchestrator, deps.Checkpoints, deps.Statuses, cfg.ShutdownGrace, logger)

	handlers := server.NewHandlers(deps.Orchestrator, deps.Store, deps.Statuses, deps.Checkpoints, coordinator, logger)
	router := server.NewRouter(handlers, cfg.WorkerSecret, logger)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// No write timeout: the process endpoint holds the connection open
		// for the duration of the job.
		IdleTimeout: 60 * time.Second,
	}

	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	exitCh := make(chan int, 1)
	go func() {
		exitCh <- coordinator.Listen(serverCtx)
	}()

	var code int
	select {
	case err := <-errCh:
		logger.Error("server error", slog.String("error", err.Error()))
		code = coordinator.Crash(err.Error())
	case code = <-exitCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", slog.String("error", err.Error()))
	}

	logger.Info("worker stopped")
	return code
}
