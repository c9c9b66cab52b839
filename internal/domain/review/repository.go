package review

import (
	"context"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ScheduleStore persists review schedules. Each key has a single writer at a
// time, enforced by version compare-and-swap.
type ScheduleStore interface {
	// Get returns shared.ErrNotFound for unknown keys.
	Get(ctx context.Context, key Key) (*ReviewSchedule, error)

	// Create inserts a new schedule at version 1. It returns
	// shared.ErrConcurrencyConflict if the key already exists.
	Create(ctx context.Context, rs *ReviewSchedule) error

	// Update writes rs if the stored version equals rs.Version, then bumps
	// rs.Version. A mismatch returns shared.ErrConcurrencyConflict.
	Update(ctx context.Context, rs *ReviewSchedule) error

	// ListDue returns non-archived schedules of a learner with
	// nextReview <= now, ordered by nextReview. limit <= 0 returns them all.
	ListDue(ctx context.Context, learnerID shared.LearnerID, now time.Time, limit int) ([]*ReviewSchedule, error)

	// CountMature counts non-archived mature schedules of a learner.
	CountMature(ctx context.Context, learnerID shared.LearnerID) (int, error)
}
