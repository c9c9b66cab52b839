package query

import (
	"context"

	"github.com/alem-hub/progression-engine/internal/domain/review"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET DUE REVIEWS QUERY
// ══════════════════════════════════════════════════════════════════════════════

// GetDueReviewsQuery lists the items a learner should review now.
type GetDueReviewsQuery struct {
	LearnerID shared.LearnerID
	// Limit caps the result. Zero returns every due item.
	Limit int
}

// GetDueReviewsHandler reads due schedules.
type GetDueReviewsHandler struct {
	schedules review.ScheduleStore
	clock     timeutil.Clock
}

func NewGetDueReviewsHandler(schedules review.ScheduleStore, clock timeutil.Clock) *GetDueReviewsHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &GetDueReviewsHandler{schedules: schedules, clock: clock}
}

// Handle returns due schedules ordered by next review date, oldest first.
// IsDue is evaluated against the current clock, not the stored flag.
func (h *GetDueReviewsHandler) Handle(ctx context.Context, q GetDueReviewsQuery) ([]*review.ReviewSchedule, error) {
	if q.LearnerID.IsEmpty() {
		return nil, shared.Validationf("query", "GetDueReviews", "learner_id is required")
	}
	if q.Limit < 0 {
		return nil, shared.Validationf("query", "GetDueReviews", "limit %d is negative", q.Limit)
	}
	now := h.clock.Now()
	due, err := h.schedules.ListDue(ctx, q.LearnerID, now, q.Limit)
	if err != nil {
		return nil, err
	}
	out := due[:0]
	for _, rs := range due {
		if rs.DueAt(now) {
			rs.IsDue = true
			out = append(out, rs)
		}
	}
	return out, nil
}
