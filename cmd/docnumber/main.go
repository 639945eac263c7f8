package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	appdocnumber "github.com/erp/docnumber/internal/application/docnumber"
	"github.com/erp/docnumber/internal/infrastructure/cache"
	"github.com/erp/docnumber/internal/infrastructure/config"
	"github.com/erp/docnumber/internal/infrastructure/logger"
	"github.com/erp/docnumber/internal/infrastructure/persistence"
	"github.com/erp/docnumber/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app holds the services shared by every subcommand
type app struct {
	cfg         *config.Config
	log         *zap.Logger
	db          *persistence.Database
	allocator   *appdocnumber.Allocator
	resolver    *appdocnumber.SettingsResolver
	maintenance *appdocnumber.MaintenanceService
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" {
		printUsage()
		if len(args) == 0 {
			os.Exit(1)
		}
		return
	}
	command, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code := run(ctx, cfg, log, command, args[1:])
	stop()
	_ = log.Sync()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger, command commandFunc, args []string) int {
	providers, err := telemetry.Setup(ctx, cfg.Telemetry, log)
	if err != nil {
		log.Error("Failed to initialize telemetry", zap.Error(err))
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()
	log = providers.Logs.Bridge(log, zapcore.InfoLevel)

	a, cleanup, err := newApp(ctx, cfg, log, providers)
	if err != nil {
		log.Error("Failed to initialize", zap.Error(err))
		return 1
	}
	defer cleanup()

	if err := command(logger.WithContext(ctx, log), a, args); err != nil {
		log.Error("Command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// newApp wires the database, setting cache and services
func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger, providers *telemetry.Providers) (*app, func(), error) {
	db, err := persistence.NewDatabase(&cfg.Database, log, logger.MapGormLogLevel(cfg.Log.Level))
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := providers.InstrumentDB(ctx, db.DB, cfg.Database, cfg.Telemetry.TraceSQL); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("instrument database: %w", err)
	}

	factory := cache.NewSettingCacheFactory(cfg.Redis,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(true),
		cache.WithFactoryCacheConfig(cache.CacheConfigFrom(cfg.DocNumber)),
	)
	settingCache, invalidator, err := factory.Create(cfg.Redis.Enabled)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("create setting cache: %w", err)
	}

	dn := cfg.DocNumber
	loc := dn.Location()
	resolverOpts := []appdocnumber.ResolverOption{
		appdocnumber.WithResolverLogger(log),
		appdocnumber.WithResolverCache(settingCache, dn.SettingCacheTTL),
		appdocnumber.WithResolverMetrics(providers.Allocator),
		appdocnumber.WithDefaultFormat(dn.DefaultDateFormat, dn.DefaultSequenceDigits),
	}
	if invalidator != nil {
		resolverOpts = append(resolverOpts, appdocnumber.WithInvalidator(invalidator))
	}
	resolver := appdocnumber.NewSettingsResolver(persistence.NewGormSettingRepository(db.DB), resolverOpts...)

	txm := persistence.NewGormTxManager(db.DB)
	store := persistence.NewGormSequenceStore(db.DB, persistence.WithLockTimeout(dn.LockTimeout))

	a := &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		resolver: resolver,
		allocator: appdocnumber.NewAllocator(store, txm, resolver,
			appdocnumber.WithAllocatorLogger(log),
			appdocnumber.WithAllocatorMetrics(providers.Allocator),
			appdocnumber.WithLocation(loc),
			appdocnumber.WithGapReuse(dn.GapReuseEnabled),
		),
		maintenance: appdocnumber.NewMaintenanceService(store, txm, resolver,
			appdocnumber.WithMaintenanceLogger(log),
			appdocnumber.WithMaintenanceLocation(loc),
			appdocnumber.WithMaintenanceGapReuse(dn.GapReuseEnabled),
		),
	}

	cleanup := func() {
		if invalidator != nil {
			if err := invalidator.Close(); err != nil {
				log.Warn("Error closing setting invalidator", zap.Error(err))
			}
		}
		if err := settingCache.Close(); err != nil {
			log.Warn("Error closing setting cache", zap.Error(err))
		}
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}
	return a, cleanup, nil
}

func printUsage() {
	fmt.Println(`Document number maintenance tool

Usage:
  docnumber <command> [flags] [arguments]

Commands:
  allocate [-date YYYY-MM-DD] [-table t -column c] <type>
                        Allocate the next number of a document type
  parse <type> <number> Decompose a number using the configured format
  validate <type> <number>
                        Check that a number looks like a number of the type
  gaps -table t -column c [-deleted-column d] [-deleted-at] [-date YYYY-MM-DD] <type>
                        Report the counter, active numbers and gaps of a day
  resync -table t -column c [-deleted-column d] [-deleted-at] [-date YYYY-MM-DD] <type>
                        Raise the counter to the highest active number
  set [-date YYYY-MM-DD] <type> <value>
                        Set the counter explicitly (0 resets the day)
  counters <type>       List the counters of a type across days
  seed                  Insert default prefixes and format settings
  setting <key> <value> Change a setting and notify other instances

A type is a catalogue key such as sales_order, a legacy prefix such as SO,
or any other string, which is used as a literal prefix.

Configuration is read from config.toml and DOCNUM_ environment variables.`)
}
