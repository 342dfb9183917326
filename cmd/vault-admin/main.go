// Package main is the entry point for the vault admin CLI.
// It provides operator commands for quotas, garbage collection and
// storage statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/lock"
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

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "version":
		fmt.Printf("vault admin CLI\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)

	case "quota":
		runOrDie(*configPath, cmdQuota)

	case "gc":
		runOrDie(*configPath, cmdGC)

	case "stats":
		runOrDie(*configPath, cmdStats)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", flag.Arg(0))
		printUsage()
		os.Exit(1)
	}
}

type env struct {
	cfg    *config.Config
	repos  *repository.Repositories
	health repository.DatabaseHealth
	logger zerolog.Logger
}

func runOrDie(configPath string, fn func(ctx context.Context, e *env, args []string) error) {
	cfg := config.MustLoad(configPath)
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.WarnLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	repos, health, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer health.Close()

	e := &env{cfg: cfg, repos: repos, health: health, logger: logger}
	if err := fn(ctx, e, flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cmdQuota handles "quota get <owner>" and "quota set <owner> <bytes>".
func cmdQuota(ctx context.Context, e *env, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: quota get <owner> | quota set <owner> <bytes>")
	}

	owner := args[1]
	switch args[0] {
	case "get":
		quota, err := e.repos.Quota.Get(ctx, owner, e.cfg.Quota.DefaultLimit)
		if err != nil {
			return err
		}
		fmt.Printf("Owner:      %s\n", owner)
		fmt.Printf("Used:       %d bytes\n", quota.UsedBytes)
		fmt.Printf("Limit:      %d bytes\n", quota.LimitBytes)
		fmt.Printf("Available:  %d bytes\n", quota.Available())
		fmt.Printf("Usage:      %.1f%%\n", quota.UsagePercent())
		return nil

	case "set":
		if len(args) < 3 {
			return fmt.Errorf("usage: quota set <owner> <bytes>")
		}
		limit, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil || limit <= 0 {
			return fmt.Errorf("limit must be a positive integer")
		}
		if err := e.repos.Quota.SetLimit(ctx, owner, limit); err != nil {
			return err
		}
		fmt.Printf("Quota limit for %s set to %d bytes\n", owner, limit)
		return nil

	default:
		return fmt.Errorf("unknown quota subcommand: %s", args[0])
	}
}

// cmdGC handles "gc run" and "gc status". Runs use a local lock since
// the CLI is a single process; the sweep itself still checks blob state.
func cmdGC(ctx context.Context, e *env, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: gc run [--dry-run] | gc status")
	}

	backend, err := storage.NewFilesystemBackend(e.cfg.Storage, e.logger)
	if err != nil {
		return err
	}

	gcConfig := service.GCConfig{
		Enabled:     false,
		Interval:    e.cfg.GC.Interval,
		GracePeriod: e.cfg.GC.GracePeriod,
		BatchSize:   e.cfg.GC.BatchSize,
		DryRun:      e.cfg.GC.DryRun,
	}

	switch args[0] {
	case "run":
		if len(args) > 1 && args[1] == "--dry-run" {
			gcConfig.DryRun = true
		}
		// Single-process invocation, no coordination needed.
		gc := service.NewGarbageCollector(e.repos.Blob, backend, lock.NewNoOpLocker(), nil, nil, e.logger, gcConfig)
		result := gc.RunOnce(ctx)
		fmt.Printf("Blobs deleted:   %d\n", result.BlobsDeleted)
		fmt.Printf("Bytes freed:     %d\n", result.BytesFreed)
		fmt.Printf("Spools removed:  %d\n", result.SpoolsRemoved)
		fmt.Printf("Errors:          %d\n", result.Errors)
		fmt.Printf("Duration:        %s\n", result.Duration)
		if gcConfig.DryRun {
			fmt.Println("(dry run, nothing was deleted)")
		}
		return nil

	case "status":
		gc := service.NewGarbageCollector(e.repos.Blob, backend, lock.NewNoOpLocker(), nil, nil, e.logger, gcConfig)
		stats, err := gc.GetStats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Reclaimable blobs:  %d\n", stats.ReclaimableCount)
		fmt.Printf("Reclaimable bytes:  %d\n", stats.ReclaimableSize)
		fmt.Printf("More batches:       %t\n", stats.HasMore)
		fmt.Printf("Grace period:       %s\n", stats.GracePeriod)
		return nil

	default:
		return fmt.Errorf("unknown gc subcommand: %s", args[0])
	}
}

// cmdStats prints aggregate blob store statistics.
func cmdStats(ctx context.Context, e *env, _ []string) error {
	stats, err := e.repos.Blob.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Total blobs:       %d\n", stats.TotalBlobs)
	fmt.Printf("Total bytes:       %d\n", stats.TotalBytes)
	fmt.Printf("Total references:  %d\n", stats.TotalRefs)
	fmt.Printf("Pending reclaim:   %d\n", stats.PendingReclaim)
	return nil
}

func openDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*repository.Repositories, repository.DatabaseHealth, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		db, err := sqlite.NewDB(ctx, sqlite.FromConfig(cfg.Database), logger)
		if err != nil {
			return nil, nil, err
		}
		return sqlite.NewRepositories(db), db, nil

	case "postgres":
		db, err := postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewRepositories(db), db, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

func printUsage() {
	fmt.Println(`vault admin CLI

Usage:
  vault-admin [-config path] <command> [args]

Commands:
  quota get <owner>          Show an owner's quota usage
  quota set <owner> <bytes>  Set an owner's quota limit
  gc run [--dry-run]         Run a garbage collection sweep
  gc status                  Show reclaimable blob statistics
  stats                      Show aggregate blob store statistics
  version                    Show version information
  help                       Show this help message`)
}
