package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/progression-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progression-engine/internal/domain/progress"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD RANKER
// Folds the XP ledger into a complete new ranking held in a private buffer,
// then swaps it in. A cancelled refresh never touches the live snapshot.
// ══════════════════════════════════════════════════════════════════════════════

// cancelCheckEvery is how many entries are ranked between context checks.
const cancelCheckEvery = 256

// RankerConfig tunes the ranker.
type RankerConfig struct {
	// Parallelism bounds concurrent board refreshes in RefreshAll.
	Parallelism int
	// SignificantChange is the rank movement that emits a RankChangedEvent.
	SignificantChange int
}

// DefaultRankerConfig returns defaults.
func DefaultRankerConfig() RankerConfig {
	return RankerConfig{Parallelism: 4, SignificantChange: 1}
}

// LeaderboardRanker refreshes board snapshots.
type LeaderboardRanker struct {
	ledger    progress.XPLedger
	snapshots leaderboard.SnapshotStore
	cfg       RankerConfig
	deps      Deps
	flight    singleflight.Group
	log       *logger.Logger
}

// NewLeaderboardRanker creates a LeaderboardRanker.
func NewLeaderboardRanker(ledger progress.XPLedger, snapshots leaderboard.SnapshotStore, cfg RankerConfig, deps Deps) *LeaderboardRanker {
	deps = deps.withDefaults()
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.SignificantChange <= 0 {
		cfg.SignificantChange = 1
	}
	return &LeaderboardRanker{
		ledger:    ledger,
		snapshots: snapshots,
		cfg:       cfg,
		deps:      deps,
		log:       deps.Logger.With(logger.Component("leaderboard")),
	}
}

// Refresh recomputes one board. Concurrent refreshes of the same board share
// a single computation.
func (r *LeaderboardRanker) Refresh(ctx context.Context, board leaderboard.Board) (*leaderboard.Snapshot, error) {
	if err := board.Validate(); err != nil {
		return nil, err
	}
	v, err, _ := r.flight.Do(board.Key(), func() (interface{}, error) {
		return r.refresh(ctx, board)
	})
	if err != nil {
		return nil, err
	}
	return v.(*leaderboard.Snapshot), nil
}

func (r *LeaderboardRanker) refresh(ctx context.Context, board leaderboard.Board) (*leaderboard.Snapshot, error) {
	start := time.Now()
	since, until := board.Window()
	totals, err := r.ledger.Totals(ctx, progress.LedgerFilter{
		CourseID: board.CourseID,
		Since:    since,
		Until:    until,
		Learners: board.Members,
	})
	if err != nil {
		return nil, fmt.Errorf("refresh %s: totals: %w", board, err)
	}

	ranking := leaderboard.NewRanking(len(totals) + len(board.Members))
	seen := make(map[shared.LearnerID]bool, len(totals))
	for i, t := range totals {
		if i%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("refresh %s cancelled: %w", board, err)
			}
		}
		if err := ranking.Add(t.LearnerID, t.XP, t.ReachedAt); err != nil {
			return nil, err
		}
		seen[t.LearnerID] = true
	}
	// A friends board lists every member, with or without XP.
	for _, m := range board.Members {
		if !seen[m] {
			if err := ranking.Add(m, 0, time.Time{}); err != nil {
				return nil, err
			}
		}
	}
	ranking.Sort()

	prev, err := r.snapshots.Latest(ctx, board.Key())
	if err != nil && !shared.IsNotFound(err) {
		return nil, fmt.Errorf("refresh %s: previous snapshot: %w", board, err)
	}
	now := r.deps.Clock.Now()
	next := leaderboard.NewSnapshot(uuid.NewString(), board, ranking, now)
	diff := leaderboard.ApplyPrevious(prev, next)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("refresh %s cancelled: %w", board, err)
	}
	if err := r.snapshots.Swap(ctx, next); err != nil {
		return nil, fmt.Errorf("refresh %s: swap: %w", board, err)
	}
	r.deps.Observer.ObserveRefresh(string(board.Type), next.Count(), time.Since(start))

	for _, m := range diff.Significant(r.cfg.SignificantChange) {
		r.deps.publish(ctx, shared.RankChangedEvent{
			BaseEvent: shared.NewBaseEvent(shared.EventRankChanged,
				fmt.Sprintf("rank:%s:%s:%s", next.ID, board.Key(), m.LearnerID), m.LearnerID.String(), now),
			Board:        board.Key(),
			PreviousRank: int(m.PreviousRank),
			CurrentRank:  int(m.CurrentRank),
		})
	}
	r.deps.publish(ctx, shared.LeaderboardUpdatedEvent{
		BaseEvent:  shared.NewBaseEvent(shared.EventLeaderboardUpdated, "board:"+next.ID, "", now),
		Board:      board.Key(),
		SnapshotID: next.ID,
		Entries:    next.Count(),
		Movers:     len(diff.Movers),
	})

	r.log.Debug("leaderboard refreshed",
		logger.String("board", board.Key()),
		logger.Int("entries", next.Count()),
		logger.Int("movers", len(diff.Movers)),
		logger.Latency(time.Since(start)),
	)
	return next, nil
}

// RefreshAll refreshes boards in parallel. A failing board does not stop the
// others; failures are joined.
func (r *LeaderboardRanker) RefreshAll(ctx context.Context, boards []leaderboard.Board) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)

	errs := make([]error, len(boards))
	for i, b := range boards {
		i, b := i, b
		g.Go(func() error {
			if _, err := r.Refresh(gctx, b); err != nil {
				r.log.Error("leaderboard refresh failed",
					logger.Operation("RefreshAll"),
					logger.String("board", b.Key()),
					logger.Err(err),
				)
				errs[i] = err
			}
			// Returning nil keeps one board's failure from cancelling the rest.
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
