package achievement

import (
	"context"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// DefinitionSource lists achievement definitions owned by the content service.
type DefinitionSource interface {
	ListAchievements(ctx context.Context) ([]*Achievement, error)
}

// UnlockStore persists unlocks. (learner, key) is unique.
type UnlockStore interface {
	// Create returns false without error when the key is already unlocked.
	Create(ctx context.Context, u Unlock) (bool, error)
	ListByLearner(ctx context.Context, learnerID shared.LearnerID) ([]Unlock, error)
}

// ActivityCounter supplies counts owned by other services.
type ActivityCounter interface {
	DiscussionCount(ctx context.Context, learnerID shared.LearnerID) (int, error)
}
