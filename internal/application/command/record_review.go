package command

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/review"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD REVIEW COMMAND
// Applies one SM-2 review outcome to a (learner, item) schedule, creating the
// schedule on first exposure.
// ══════════════════════════════════════════════════════════════════════════════

// RecordReviewCommand contains one graded review outcome.
type RecordReviewCommand struct {
	LearnerID shared.LearnerID
	Item      shared.ItemRef
	Quality   int

	// Token makes the call idempotent: a schedule that recently applied
	// Token is returned unchanged. Empty disables the check.
	Token string

	// At defaults to the handler clock.
	At time.Time
}

// Validate validates the command.
func (c RecordReviewCommand) Validate() error {
	if c.LearnerID.IsEmpty() {
		return shared.Validationf("review", "RecordReview", "learner_id is required")
	}
	if c.Item == "" {
		return shared.Validationf("review", "RecordReview", "item is required")
	}
	return review.ValidateQuality(c.Quality)
}

// RecordReviewHandler handles RecordReviewCommand and lesson seeding.
type RecordReviewHandler struct {
	schedules review.ScheduleStore
	scheduler *review.Scheduler
	deps      Deps
	locks     keyLocks
	log       *logger.Logger
}

// NewRecordReviewHandler creates a RecordReviewHandler.
func NewRecordReviewHandler(schedules review.ScheduleStore, scheduler *review.Scheduler, deps Deps) *RecordReviewHandler {
	deps = deps.withDefaults()
	if scheduler == nil {
		scheduler = review.NewScheduler(review.DefaultSchedulerConfig())
	}
	return &RecordReviewHandler{
		schedules: schedules,
		scheduler: scheduler,
		deps:      deps,
		log:       deps.Logger.With(logger.Component("review")),
	}
}

// Handle executes the command and returns the updated schedule.
func (h *RecordReviewHandler) Handle(ctx context.Context, cmd RecordReviewCommand) (*review.ReviewSchedule, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	now := h.deps.now(cmd.At)
	key := review.Key{LearnerID: cmd.LearnerID, Item: cmd.Item}
	defer h.locks.lock(key.String())()

	var out *review.ReviewSchedule
	err := h.deps.retrier().Do(ctx, func(ctx context.Context) error {
		rs, err := h.schedules.Get(ctx, key)
		create := false
		switch {
		case shared.IsNotFound(err):
			rs = review.NewReviewSchedule(key, now)
			create = true
		case err != nil:
			return err
		}

		if rs.Applied(cmd.Token) {
			out = rs
			return nil
		}
		if err := h.scheduler.Apply(rs, cmd.Quality, now); err != nil {
			return err
		}
		rs.Remember(cmd.Token)

		if create {
			err = h.schedules.Create(ctx, rs)
		} else {
			err = h.schedules.Update(ctx, rs)
		}
		if err != nil {
			return err
		}
		out = rs
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record_review %s: %w", key, err)
	}

	h.log.Debug("review recorded",
		logger.LearnerID(cmd.LearnerID.String()),
		logger.String("item", cmd.Item.String()),
		logger.Int("quality", cmd.Quality),
		logger.Int("interval_days", out.IntervalDays),
	)
	return out, nil
}

// SeedItems creates schedules first due one day after at for items the
// learner has not seen. Existing schedules are left untouched. It returns
// the number of schedules created.
func (h *RecordReviewHandler) SeedItems(ctx context.Context, learnerID shared.LearnerID, items []shared.ItemRef, at time.Time) (int, error) {
	now := h.deps.now(at)
	due := now.AddDate(0, 0, 1)
	created := 0
	for _, item := range items {
		key := review.Key{LearnerID: learnerID, Item: item}
		err := h.schedules.Create(ctx, review.NewSeededSchedule(key, now, due))
		switch {
		case err == nil:
			created++
		case shared.IsConflict(err):
		default:
			return created, fmt.Errorf("seed %s: %w", key, err)
		}
	}
	return created, nil
}
