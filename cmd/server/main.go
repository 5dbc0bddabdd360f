package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonMunkholm/opsbulk/internal/app"
	"github.com/JonMunkholm/opsbulk/internal/config"
	"github.com/JonMunkholm/opsbulk/internal/logging"
	"github.com/JonMunkholm/opsbulk/internal/web"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	closeLog := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closeLog()

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"store", cfg.Store.Driver,
		"artifacts", cfg.Artifacts.Driver,
		"import_max_concurrent", cfg.Import.MaxConcurrent,
		"scheduler_enabled", cfg.Scheduler.Enabled,
	)

	ctx := context.Background()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if _, err := a.Service.RecoverInterrupted(ctx); err != nil {
		slog.Error("failed to recover interrupted jobs", "error", err)
		os.Exit(1)
	}

	server := web.NewServer(a.Service, web.Options{
		Security:       cfg.Security,
		TrustedProxies: cfg.Server.TrustedProxies,
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxUploadSize:  cfg.Import.MaxFileSize,
		Metrics:        cfg.Metrics.Enabled,
		RateLimiter:    a.Limiter,
	})

	// Cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	schedulerDone := make(chan struct{})
	if cfg.Scheduler.Enabled {
		go func() {
			defer close(schedulerDone)
			a.NewScheduler().Start(jobCtx)
		}()
	} else {
		close(schedulerDone)
	}

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop accepting requests first so no new jobs arrive.
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		cancelJobs()
		<-schedulerDone

		if err := a.Service.Shutdown(shutdownCtx); err != nil {
			slog.Warn("jobs did not stop in time", "error", err)
		}
	}()

	if err := server.Start(cfg.Server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	<-shutdownDone
	slog.Info("server stopped")
}
