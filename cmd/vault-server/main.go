// Package main is the entry point for the vault server, a multi-tenant
// file storage service with content-addressed deduplication.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/filevault/filevault/internal/cache/memory"
	cacheredis "github.com/filevault/filevault/internal/cache/redis"
	"github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/handler"
	"github.com/filevault/filevault/internal/lock"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/repository"
	"github.com/filevault/filevault/internal/repository/postgres"
	"github.com/filevault/filevault/internal/repository/sqlite"
	"github.com/filevault/filevault/internal/service"
	"github.com/filevault/filevault/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg := config.MustLoad(*configPath)
	logger := newLogger(cfg.Logging)

	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("starting vault server")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repos, health, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer health.Close()

	backend, err := storage.NewFilesystemBackend(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	}

	var (
		cache  repository.Cache
		locker lock.Locker
	)
	if cfg.Redis.Enabled {
		redisCache, err := cacheredis.NewCache(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisCache.Close()
		cache = redisCache
		locker = lock.NewRedisLocker(cacheredis.NewDistributedLock(redisCache.Client()))
		logger.Info().Str("addr", cfg.Redis.Addr()).Msg("using redis cache and locks")
	} else {
		memCache := memory.NewCache()
		defer memCache.Stop()
		cache = memCache
		locker = lock.NewMemoryLocker()
		logger.Info().Msg("using in-memory cache and locks")
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	files := service.NewFileService(service.FileServiceConfig{
		FileRepo:     repos.File,
		BlobRepo:     repos.Blob,
		QuotaRepo:    repos.Quota,
		Storage:      backend,
		Metrics:      m,
		MaxFileSize:  cfg.Storage.MaxFileSize,
		DefaultQuota: cfg.Quota.DefaultLimit,
	}, logger)

	gc := service.NewGarbageCollector(repos.Blob, backend, locker, files.DigestLocks(), m, logger, service.GCConfig{
		Enabled:     cfg.GC.Enabled,
		Interval:    cfg.GC.Interval,
		GracePeriod: cfg.GC.GracePeriod,
		BatchSize:   cfg.GC.BatchSize,
		DryRun:      cfg.GC.DryRun,
	})
	if cfg.GC.Enabled {
		gc.Start()
		defer gc.Stop()
	}

	var limiter *handler.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = handler.NewRateLimiter(cache, cfg.RateLimit.Requests, cfg.RateLimit.Window, logger)
	}

	router := handler.NewRouter(handler.RouterConfig{
		FileHandler: handler.NewFileHandler(files, logger),
		RateLimiter: limiter,
		Metrics:     m,
		Health:      health,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}

// openDatabase connects to the configured backend, runs migrations and
// returns the repository set.
func openDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*repository.Repositories, repository.DatabaseHealth, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		db, err := sqlite.NewDB(ctx, sqlite.FromConfig(cfg.Database), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
		}
		return sqlite.NewRepositories(db), db, nil

	case "postgres":
		db, err := postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to migrate postgres database: %w", err)
		}
		return postgres.NewRepositories(db), db, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

// newLogger builds the process logger from configuration.
func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := zerolog.New(out)
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}

	return logger.Level(level).With().Timestamp().Logger()
}
