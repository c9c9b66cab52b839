package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/alem-hub/progression-engine/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Recompute the standard leaderboards once and exit",
	RunE:  runRefresh,
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	job := refreshJob(a)
	if err := job.Run(cmd.Context()); err != nil {
		return err
	}
	if stats := job.LastStats(); stats != nil {
		a.log.Info("leaderboards refreshed",
			logger.Int("boards", stats.Boards),
			logger.Duration("duration", stats.Duration),
			logger.Bool("skipped", stats.Skipped),
		)
	}
	return nil
}

func refreshJob(a *app) *jobs.RefreshLeaderboardJob {
	return jobs.NewRefreshLeaderboardJob(a.engine, a.locker, a.log, a.refreshConfig())
}
