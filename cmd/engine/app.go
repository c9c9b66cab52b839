package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/exporters/jaeger"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/alem-hub/progression-engine/config"
	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/application/engine"
	"github.com/alem-hub/progression-engine/internal/application/eventhandler"
	"github.com/alem-hub/progression-engine/internal/domain/review"
	"github.com/alem-hub/progression-engine/internal/infrastructure/external/grader"
	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/progression-engine/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/tracing"
)

// app holds everything a command needs and releases it in Close.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	engine   *engine.Engine
	registry *prometheus.Registry
	locker   jobs.Locker

	db     *postgres.Connection
	cache  *redis.Cache
	tracer *sdktrace.TracerProvider
}

// loadConfig reads the env file named by --env-file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFrom(envFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logger.Logger {
	opts := logger.DefaultOptions()
	opts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
	opts.File = cfg.Observability.LogFile
	log := logger.New(opts).With(
		logger.String("app", cfg.App.Name),
		logger.String("env", string(cfg.App.Environment)),
	)
	logger.SetDefault(log)
	return log
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, log: newLogger(cfg)}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	// ━━━ Observability ━━━
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := messaging.NewMetrics(a.registry)

	if cfg.Observability.TracingEnabled {
		var opts []sdktrace.TracerProviderOption
		if endpoint := cfg.Observability.TracingEndpoint; endpoint != "" {
			exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
			if err != nil {
				return nil, fmt.Errorf("jaeger exporter: %w", err)
			}
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
		a.tracer = tracing.InitProvider(cfg.Observability.ServiceName, opts...)
		a.log.Info("tracing enabled", logger.String("endpoint", cfg.Observability.TracingEndpoint))
	}

	// ━━━ Storage ━━━
	stores, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	catalog := memory.NewCatalog()
	catalog.SetDefaults(cfg.Engine.DefaultAttemptsAllowed, cfg.Engine.DefaultPassingScore)
	if contentPath != "" {
		if err := catalog.LoadFile(contentPath); err != nil {
			return nil, err
		}
		a.log.Info("content loaded", logger.String("path", contentPath))
	}

	// ━━━ Engine ━━━
	opts := engine.Options{
		Stores:   stores,
		Content:  catalog,
		Location: cfg.App.Location,
		Scheduler: review.SchedulerConfig{
			MaxEaseFactor:      cfg.Engine.MaxEaseFactor,
			MatureIntervalDays: cfg.Engine.MatureIntervalDays,
		},
		Pipelines: eventhandler.Config{
			CorrectQuality:      cfg.Engine.CorrectQuality,
			IncorrectQuality:    cfg.Engine.IncorrectQuality,
			RankNotifyThreshold: cfg.Leaderboard.RankNotifyThreshold,
			TopN:                cfg.Leaderboard.TopN,
		},
		Ranker: command.RankerConfig{
			Parallelism:       cfg.Leaderboard.Parallelism,
			SignificantChange: cfg.Leaderboard.SignificantChange,
		},
		MaxConflictRetries: cfg.Engine.MaxConflictRetries,
		ConflictBackoff:    cfg.Engine.ConflictBackoff,
		AsyncEvents:        cfg.Engine.AsyncEvents,
		EventWorkers:       cfg.Engine.EventWorkers,
		HandlerTimeout:     cfg.Engine.HandlerTimeout,
		Metrics:            metrics,
		Logger:             a.log,
	}

	if cfg.Grader.URL != "" && cfg.Features.IsEnabled(config.FeatureExternalGrading) {
		gc := grader.DefaultConfig(cfg.Grader.URL)
		gc.APIKey = cfg.Grader.APIKey
		gc.Timeout = cfg.Grader.Timeout
		gc.RatePerSecond = cfg.Grader.RatePerSecond
		gc.Burst = cfg.Grader.Burst
		gc.Logger = a.log
		opts.ExternalGrader = grader.NewClient(gc)
		a.log.Info("external grading enabled", logger.String("url", cfg.Grader.URL))
	}
	if !cfg.Features.IsEnabled(config.FeatureNotifications) {
		opts.Notifier = eventhandler.Discard{}
	}
	if !cfg.Features.IsEnabled(config.FeatureCertificates) {
		opts.Certificates = eventhandler.Discard{}
	}

	a.engine, err = engine.New(opts)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return a, nil
}

// openStores picks PostgreSQL when a database URL is set and in-memory
// stores otherwise. With Redis enabled, snapshots and the step ledger live
// there and the refresh lock is shared between processes.
func (a *app) openStores(ctx context.Context) (engine.Stores, error) {
	var stores engine.Stores
	cfg := a.cfg

	if cfg.Database.URL != "" {
		pc := postgres.DefaultConfig()
		pc.URL = cfg.Database.URL
		pc.MaxConns = int32(cfg.Database.MaxConns)
		pc.MinConns = int32(cfg.Database.MinConns)
		pc.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		pc.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

		db, err := postgres.NewConnection(ctx, pc)
		if err != nil {
			return stores, fmt.Errorf("connect database: %w", err)
		}
		a.db = db
		stores = engine.Stores{
			Schedules: postgres.NewScheduleStore(db),
			Attempts:  postgres.NewAttemptStore(db),
			Responses: postgres.NewResponseStore(db),
			Records:   postgres.NewProgressStore(db),
			Ledger:    postgres.NewXPLedger(db),
			Stats:     postgres.NewStatsStore(db),
			Snapshots: postgres.NewSnapshotStore(db),
			Unlocks:   postgres.NewUnlockStore(db),
			Steps:     postgres.NewStepLedger(db),
		}
		a.log.Info("using postgres stores")
	} else {
		a.log.Warn("DATABASE_URL not set, progress is kept in memory only")
	}

	if cfg.Redis.Enabled {
		rc := redis.DefaultConfig()
		rc.Addr = cfg.Redis.Addr
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		rc.Prefix = cfg.Redis.Prefix
		rc.PoolSize = cfg.Redis.PoolSize
		rc.MinIdleConns = cfg.Redis.MinIdleConns
		rc.DialTimeout = cfg.Redis.DialTimeout
		rc.ReadTimeout = cfg.Redis.ReadTimeout
		rc.WriteTimeout = cfg.Redis.WriteTimeout

		cache, err := redis.NewCache(rc)
		if err != nil {
			return stores, fmt.Errorf("connect redis: %w", err)
		}
		a.cache = cache
		snapshotTTL := redis.TTLSnapshot
		if floor := 4 * cfg.Leaderboard.RefreshInterval; floor > snapshotTTL {
			snapshotTTL = floor
		}
		stores.Snapshots = redis.NewSnapshotStore(cache, snapshotTTL)
		stores.Steps = redis.NewStepLedger(cache, redis.TTLStep)
		a.locker = redis.NewLocker(cache)
		a.log.Info("using redis for snapshots and step ledger", logger.String("addr", rc.Addr))
	}
	return stores, nil
}

// refreshConfig maps leaderboard settings onto the refresh job.
func (a *app) refreshConfig() jobs.RefreshLeaderboardConfig {
	rc := jobs.DefaultRefreshLeaderboardConfig()
	rc.CourseIDs = a.cfg.Leaderboard.CourseIDs
	rc.Timeout = a.cfg.Leaderboard.RefreshTimeout
	rc.LockTTL = a.cfg.Scheduler.LockTTL
	return rc
}

// Close drains the engine and releases connections.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(ctx))
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.db != nil {
		a.db.Close()
	}
	_ = a.log.Sync()
	return errors.Join(errs...)
}
