// Package app assembles the job engine from configuration. Both the HTTP
// server and the bulkctl CLI build their dependencies through it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/opsbulk/internal/artifact"
	"github.com/JonMunkholm/opsbulk/internal/config"
	"github.com/JonMunkholm/opsbulk/internal/core"
	"github.com/JonMunkholm/opsbulk/internal/delivery"
	"github.com/JonMunkholm/opsbulk/internal/lock"
	"github.com/JonMunkholm/opsbulk/internal/modules"
	"github.com/JonMunkholm/opsbulk/internal/ratelimit"
	"github.com/JonMunkholm/opsbulk/internal/store/memstore"
	"github.com/JonMunkholm/opsbulk/internal/store/pgstore"
	"github.com/redis/go-redis/v9"
)

// App holds the wired engine and the clients it owns.
type App struct {
	Config   *config.Config
	Service  *core.Service
	Locker   core.Locker
	Mailer   core.Mailer
	Limiter  *ratelimit.TokenBucket
	Location *time.Location
	PGStore  *pgstore.Store
	closers  []func() error
}

// Build connects to every configured backend. Postgres migrations run when
// cfg.Database.AutoMigrate is set. Call Close when done.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("load scheduler timezone %q: %w", cfg.Scheduler.Timezone, err)
	}
	a.Location = loc

	registry := core.NewRegistry()
	var store core.Store
	if cfg.UsesPostgres() {
		pool, err := pgstore.NewPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })

		a.PGStore = pgstore.New(pool)
		if cfg.Database.AutoMigrate {
			applied, err := a.PGStore.Migrate(ctx)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			slog.Info("migrations applied", "count", len(applied))
		}
		store = a.PGStore
		modules.RegisterPostgres(registry, pool)
	} else {
		slog.Warn("using in-memory store, job history is lost on restart")
		store = memstore.New()
		modules.RegisterMemory(registry)
	}
	slog.Info("modules registered", "count", registry.Len())

	artifacts, err := a.artifacts(ctx)
	if err != nil {
		return err
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		a.Locker = lock.NewRedis(client)
		if cfg.Rate.Enabled {
			a.Limiter = ratelimit.PerMinute(client, cfg.Rate.RequestsPerMinute)
		}
		slog.Info("redis connected", "addr", cfg.Redis.Addr)
	} else {
		a.Locker = lock.NewLocal()
		if cfg.Rate.Enabled {
			slog.Info("rate limiting needs redis, disabled")
		}
	}

	if cfg.Mail.AMQPURL != "" {
		m, err := delivery.DialAMQP(cfg.Mail.AMQPURL, cfg.Mail.Queue, cfg.Mail.From)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, m.Close)
		a.Mailer = m
	} else {
		a.Mailer = delivery.LogMailer{Logger: slog.Default()}
	}

	a.Service = core.NewService(store, registry, artifacts, core.Options{
		MaxConcurrentJobs: cfg.Import.MaxConcurrent,
		Workers:           cfg.Import.Workers,
		ProgressInterval:  cfg.Import.ProgressInterval,
		PreviewSampleRows: cfg.Import.PreviewSampleRows,
		ImportTimeout:     cfg.Import.Timeout,
		RollbackTimeout:   cfg.Import.RollbackTimeout,
		ExportTimeout:     cfg.Export.Timeout,
		TempDir:           cfg.Export.TempDir,
		Location:          loc,
	})
	return nil
}

func (a *App) artifacts(ctx context.Context) (core.ArtifactStore, error) {
	cfg := a.Config.Artifacts
	if cfg.Driver == "s3" {
		store, err := artifact.NewS3(ctx, artifact.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3UsePathStyle,
			Prefix:    cfg.S3Prefix,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := artifact.NewLocal(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// NewScheduler returns a scheduler over the app's service, locker and mailer.
func (a *App) NewScheduler() *core.Scheduler {
	return core.NewScheduler(a.Service, a.Locker, a.Mailer, core.SchedulerOptions{
		TickInterval:  a.Config.Scheduler.TickInterval,
		LockTTL:       a.Config.Scheduler.LockTTL,
		SubjectPrefix: a.Config.Mail.SubjectPrefix,
	})
}

// Close releases clients in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
