// Package jobs contains the engine's scheduled jobs.
package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// REFRESH LEADERBOARD JOB
// ══════════════════════════════════════════════════════════════════════════════

// LeaderboardRefresher rebuilds boards. The engine implements it.
type LeaderboardRefresher interface {
	StandardBoards(courseIDs ...string) []leaderboard.Board
	RefreshLeaderboards(ctx context.Context, boards []leaderboard.Board) error
}

// Locker keeps a refresh single-flight across processes. release must be
// called once the work is done.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// RefreshLeaderboardConfig contains configuration for the refresh job.
type RefreshLeaderboardConfig struct {
	// CourseIDs adds a course board per course to the standard boards.
	CourseIDs []string

	// Timeout bounds one refresh run. A cancelled run leaves the previous
	// snapshots in place.
	Timeout time.Duration

	// LockTTL is how long the cross-process lock is held at most.
	LockTTL time.Duration
}

// DefaultRefreshLeaderboardConfig returns sensible defaults.
func DefaultRefreshLeaderboardConfig() RefreshLeaderboardConfig {
	return RefreshLeaderboardConfig{
		Timeout: 2 * time.Minute,
		LockTTL: 5 * time.Minute,
	}
}

// RefreshStats describes one run.
type RefreshStats struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Boards      int
	// Skipped is set when another process held the lock.
	Skipped bool
	Err     error
}

// RefreshLeaderboardJob periodically recomputes the global, weekly, monthly
// and configured course boards.
type RefreshLeaderboardJob struct {
	refresher LeaderboardRefresher
	locker    Locker
	logger    *logger.Logger
	config    RefreshLeaderboardConfig

	lastStats atomic.Pointer[RefreshStats]
}

// NewRefreshLeaderboardJob creates the job. locker may be nil when only one
// process runs the scheduler.
func NewRefreshLeaderboardJob(refresher LeaderboardRefresher, locker Locker, log *logger.Logger, config RefreshLeaderboardConfig) *RefreshLeaderboardJob {
	if log == nil {
		log = logger.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRefreshLeaderboardConfig().Timeout
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultRefreshLeaderboardConfig().LockTTL
	}
	return &RefreshLeaderboardJob{
		refresher: refresher,
		locker:    locker,
		logger:    log.Named("refresh_leaderboard"),
		config:    config,
	}
}

// Name returns the job name.
func (j *RefreshLeaderboardJob) Name() string { return "refresh_leaderboard" }

// Description returns a human-readable description.
func (j *RefreshLeaderboardJob) Description() string {
	return "Recomputes leaderboard snapshots from the XP ledger"
}

// Run executes one refresh.
func (j *RefreshLeaderboardJob) Run(ctx context.Context) error {
	stats := &RefreshStats{StartedAt: time.Now()}
	defer func() {
		stats.CompletedAt = time.Now()
		stats.Duration = stats.CompletedAt.Sub(stats.StartedAt)
		j.lastStats.Store(stats)
	}()

	if j.locker != nil {
		release, ok, err := j.locker.TryLock(ctx, j.Name(), j.config.LockTTL)
		if err != nil {
			stats.Err = fmt.Errorf("acquire lock: %w", err)
			return stats.Err
		}
		if !ok {
			stats.Skipped = true
			j.logger.Debug("refresh skipped, lock held elsewhere")
			return nil
		}
		defer release()
	}

	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	boards := j.refresher.StandardBoards(j.config.CourseIDs...)
	stats.Boards = len(boards)
	if err := j.refresher.RefreshLeaderboards(ctx, boards); err != nil {
		stats.Err = err
		return fmt.Errorf("refresh %d boards: %w", len(boards), err)
	}

	j.logger.Info("leaderboards refreshed",
		logger.Int("boards", len(boards)),
		logger.Duration("duration", time.Since(stats.StartedAt)),
	)
	return nil
}

// LastStats returns the stats of the most recent run, or nil.
func (j *RefreshLeaderboardJob) LastStats() *RefreshStats {
	return j.lastStats.Load()
}
