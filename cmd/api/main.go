package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"ispcore/internal/billing"
	"ispcore/internal/cache"
	"ispcore/internal/config"
	"ispcore/internal/db"
	"ispcore/internal/ledger"
	"ispcore/internal/lifecycle"
	"ispcore/internal/lock"
	"ispcore/internal/netsync"
	"ispcore/internal/notify"
	"ispcore/internal/repository"
	"ispcore/internal/scheduler"
	"ispcore/internal/server"
	"ispcore/internal/service"
	"ispcore/internal/store"
	"ispcore/internal/store/memstore"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("failed to run: %v", err)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Setup logger
	var logger *zap.Logger
	if cfg.IsDevelopment() {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	logger.Info("starting ispcore",
		zap.String("env", cfg.Server.Env),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Lock.Driver),
	)

	// Persistence
	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx, cfg.Database.URL); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			version, err := db.MigrationVersion(ctx, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("read migration version: %w", err)
			}
			logger.Info("database migrations applied", zap.Int64("version", version))
		}
		database, err := db.New(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer database.Close()
		st = repository.NewStore(database)
		logger.Info("connected to PostgreSQL")
	default:
		st = memstore.New()
		logger.Warn("using in-memory store; data is lost on restart")
	}

	// Redis backs the distributed lock, webhook replay and rate limiting.
	var cacheClient *cache.Client
	if cfg.Lock.Driver == "redis" || cfg.Server.RateLimit > 0 {
		cacheClient, err = cache.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer cacheClient.Close()
		logger.Info("connected to Redis")
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Lock.Driver == "redis" {
		locker = lock.NewRedis(cacheClient, cfg.Lock.TTL, logger)
	}

	// Double-entry journal
	var journal ledger.Journal = ledger.NopJournal{}
	if len(cfg.TigerBeetle.Addresses) > 0 {
		tbJournal, err := ledger.NewTigerBeetleJournal(cfg.TigerBeetle)
		if err != nil {
			return fmt.Errorf("connect to TigerBeetle: %w", err)
		}
		defer tbJournal.Close()
		journal = tbJournal
		logger.Info("connected to TigerBeetle", zap.Strings("addresses", cfg.TigerBeetle.Addresses))
	}

	// Enforcement endpoint
	var enforcer netsync.Enforcer = netsync.LogEnforcer{Logger: logger}
	if cfg.Enforcement.URL != "" {
		enforcer = netsync.NewHTTPEnforcer(cfg.Enforcement, logger)
	} else {
		logger.Warn("ENFORCEMENT_URL not set; enforcement commands are only logged")
	}

	// Notifications
	var sink notify.Sink = notify.LogSink{Logger: logger}
	if cfg.NATS.URL != "" {
		natsSink, err := notify.ConnectNATS(ctx, cfg.NATS, logger)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer natsSink.Close()
		sink = natsSink
		logger.Info("connected to NATS", zap.String("stream", cfg.NATS.Stream))
	}
	bus := notify.NewBus(sink, cfg.NATS.BufferSize, logger)

	dispatcher := netsync.NewDispatcher(st, enforcer, netsync.Config{
		Timeout: cfg.Enforcement.Timeout,
		Backoff: netsync.Backoff{Base: cfg.Sync.BackoffBase, Max: cfg.Sync.BackoffMax},
	}, logger)

	svc := service.New(service.Deps{
		Store:      st,
		Ledger:     ledger.New(st, journal, logger),
		Evaluator:  billing.NewEvaluator(cfg.Billing.RenewalWindow),
		Machine:    lifecycle.Machine{GracePeriod: cfg.Billing.GracePeriod},
		Dispatcher: dispatcher,
		Locker:     locker,
		Notifier:   bus,
	}, service.Config{
		RetryPause:     cfg.Lock.RetryPause,
		CascadeWorkers: cfg.Scheduler.Workers,
	}, logger)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(st, svc, scheduler.Config{
			RenewalInterval: cfg.Scheduler.RenewalInterval,
			SyncInterval:    cfg.Scheduler.SyncInterval,
			Workers:         cfg.Scheduler.Workers,
			BatchSize:       cfg.Scheduler.BatchSize,
			ItemTimeout:     cfg.Scheduler.ItemTimeout,
			RenewalWindow:   cfg.Billing.RenewalWindow,
			MaxSyncRetries:  cfg.Sync.MaxRetries,
		}, logger)
		sched.Start(ctx)
	}

	srv := server.New(server.Config{
		Port:          cfg.Server.Port,
		Service:       svc,
		Store:         st,
		Cache:         cacheClient,
		WebhookSecret: cfg.Webhook.Secret,
		RateLimit:     cfg.Server.RateLimit,
		RateWindow:    cfg.Server.RateWindow,
		Logger:        logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("ispcore ready", zap.Int("port", cfg.Server.Port))

	// Wait for shutdown signal
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("HTTP server stopped", zap.Error(runErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown server: %w", err))
	}
	if sched != nil {
		sched.Stop()
	}
	if err := bus.Close(shutdownCtx); err != nil {
		logger.Warn("notification queue not drained", zap.Error(err))
	}

	return runErr
}
