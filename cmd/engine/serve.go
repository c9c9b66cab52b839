package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alem-hub/progression-engine/config"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/progression-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/progression-engine/internal/infrastructure/scheduler/jobs"
	opshttp "github.com/alem-hub/progression-engine/internal/interface/http"
	"github.com/alem-hub/progression-engine/internal/interface/http/handlers"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

var skipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background scheduler and the ops endpoint",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on start")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	log := a.log
	log.Info("starting progression engine",
		logger.String("version", cfg.App.Version),
		logger.String("timezone", cfg.App.Timezone),
	)

	if a.db != nil && !skipMigrations {
		applied, err := postgres.NewMigrator(a.db).Migrate(ctx)
		if err != nil {
			_ = a.Close(context.Background())
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("database schema is up to date", logger.Int("applied", applied))
	}

	// ━━━ Background jobs ━━━
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = newScheduler(a)
		if err != nil {
			_ = a.Close(context.Background())
			return err
		}
		if err := sched.Start(); err != nil {
			_ = a.Close(context.Background())
			return err
		}
	}

	// ━━━ Ops endpoint ━━━
	var srv *opshttp.Server
	var serveErr <-chan error
	if cfg.Features.IsEnabled(config.FeatureMetricsEndpoint) {
		srv = newOpsServer(a)
		serveErr = srv.StartAsync()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-serveErr:
		log.Error("ops endpoint failed", logger.Err(runErr))
	}

	// ━━━ Graceful shutdown ━━━
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("ops endpoint shutdown", logger.Err(err))
		}
	}
	if sched != nil {
		if err := sched.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
			log.Warn("scheduler stop", logger.Err(err))
		}
	}
	a.engine.Drain()
	if err := a.Close(shutdownCtx); err != nil {
		log.Warn("close", logger.Err(err))
	}
	log.Info("progression engine stopped")
	return runErr
}

func newScheduler(a *app) (*scheduler.Scheduler, error) {
	cfg := a.cfg
	sc := scheduler.DefaultConfig()
	sc.Logger = a.log
	sc.Timezone = cfg.App.Location
	sched := scheduler.New(sc)

	if cfg.Features.IsEnabled(config.FeatureLeaderboardRefresh) {
		if err := sched.Register(refreshJob(a), cfg.Leaderboard.RefreshInterval); err != nil {
			return nil, err
		}
	}
	if cfg.Features.IsEnabled(config.FeatureReplayFailed) {
		job := jobs.NewReplayFailedJob(a.engine, a.log)
		if err := sched.Register(job, cfg.Scheduler.ReplayInterval); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

func newOpsServer(a *app) *opshttp.Server {
	health := handlers.NewCompositeHealthChecker(a.cfg.App.Version)
	if a.db != nil {
		health.AddCheck("postgres", handlers.NewPingCheck(a.db))
	}
	if a.cache != nil {
		health.AddCheck("redis", handlers.NewPingCheck(a.cache))
	}

	sc := opshttp.DefaultConfig()
	sc.Addr = a.cfg.Observability.MetricsAddr
	return opshttp.NewServer(sc, opshttp.Dependencies{
		Gatherer:    a.registry,
		Health:      health,
		DeadLetters: a.engine,
		Logger:      a.log,
	})
}
