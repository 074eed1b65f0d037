package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/neodock/neodock/internal/api"
	"github.com/neodock/neodock/internal/app"
	"github.com/neodock/neodock/internal/config"
	"github.com/neodock/neodock/pkg/logging"
)

func main() {
	// Load .env file if present (ignore error if file doesn't exist)
	_ = godotenv.Load()

	cfg := config.Load()

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	logger.Info("Starting neodock server", "home", cfg.Home, "portBackend", cfg.Ports.Backend)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", "error", err)
	}
	defer a.Close()

	// Drop reservations left behind by crashed processes before serving.
	if removed, err := a.Allocator.Reconcile(ctx); err != nil {
		logger.Warn("Initial port reconcile failed", "error", err)
	} else if removed > 0 {
		a.Metrics.ReconcileRemovedTotal.Add(float64(removed))
	}

	if err := a.Orchestrator.StartSweeper(ctx); err != nil {
		logger.Fatal("Failed to start sweeper", "error", err)
	}
	defer a.Orchestrator.StopSweeper()

	handler := api.NewHandler(cfg, a.Orchestrator, a.Allocator, a.Engine, a.Metrics, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrCh := make(chan error, 1)

	go func() {
		logger.Info("Server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			serverErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", "signal", sig)
	case err := <-serverErrCh:
		logger.Error("Server failed, initiating shutdown", "error", err)
	}

	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped")
}
