// Package achievement defines achievements, their criteria and the pure
// evaluator that decides which ones a learner newly unlocks.
package achievement

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// DEFINITIONS
// ══════════════════════════════════════════════════════════════════════════════

// Criterion keys understood by the default predicate set.
const (
	CritCoursesCompleted  = "courses_completed"
	CritMinAverageScore   = "min_average_score"
	CritMinStreakDays     = "min_streak_days"
	CritTotalXP           = "total_xp"
	CritPerfectScore      = "perfect_score"
	CritDiscussionCount   = "discussion_count"
	CritVocabularyLearned = "vocabulary_learned"
	CritLessonsCompleted  = "lessons_completed"
)

// Criteria maps a criterion key to its threshold. Every entry must hold.
// Boolean criteria such as perfect_score use 1 for true.
type Criteria map[string]float64

// Keys returns the criterion keys in a stable order.
func (c Criteria) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Achievement is a read-only achievement definition.
type Achievement struct {
	ID          string
	Name        string
	Description string
	Criteria    Criteria

	// XPReward is granted through the aggregator as a queued side effect.
	XPReward int64

	IsActive     bool
	IsRepeatable bool

	AvailableFrom  *time.Time
	AvailableUntil *time.Time

	// Prerequisites are achievement IDs that must already be unlocked.
	Prerequisites []string
}

// AvailableAt reports whether the achievement can be unlocked at now.
func (a *Achievement) AvailableAt(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	if a.AvailableFrom != nil && now.Before(*a.AvailableFrom) {
		return false
	}
	if a.AvailableUntil != nil && now.After(*a.AvailableUntil) {
		return false
	}
	return true
}

// Validate checks the definition.
func (a *Achievement) Validate() error {
	if a.ID == "" {
		return shared.Validationf("achievement", "Validate", "achievement id is required")
	}
	if len(a.Criteria) == 0 {
		return shared.Validationf("achievement", "Validate", "achievement %s has no criteria", a.ID)
	}
	if a.XPReward < 0 {
		return shared.Validationf("achievement", "Validate", "achievement %s has negative xp reward", a.ID)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// AGGREGATE STATE
// ══════════════════════════════════════════════════════════════════════════════

// Aggregate is the learner state criteria are evaluated against.
type Aggregate struct {
	LearnerID         shared.LearnerID
	CoursesCompleted  int
	LessonsCompleted  int
	AverageScore      float64
	LongestStreak     int
	TotalXP           int64
	PerfectScore      bool
	DiscussionCount   int
	VocabularyLearned int
}

// ══════════════════════════════════════════════════════════════════════════════
// UNLOCKS
// ══════════════════════════════════════════════════════════════════════════════

// Unlock records that a learner earned an achievement.
type Unlock struct {
	ID            string
	LearnerID     shared.LearnerID
	AchievementID string

	// Key makes the unlock idempotent: the achievement ID for one-off
	// achievements, achievement ID plus triggering event for repeatable ones.
	Key string

	TriggerEventID string
	XPReward       int64
	UnlockedAt     time.Time
}

// UnlockKey returns the idempotency key of an unlock.
func UnlockKey(a *Achievement, triggerEventID string) string {
	if a.IsRepeatable {
		return fmt.Sprintf("%s#%s", a.ID, triggerEventID)
	}
	return a.ID
}

// NewUnlock creates an unlock of a for learnerID.
func NewUnlock(a *Achievement, learnerID shared.LearnerID, triggerEventID string, now time.Time) Unlock {
	return Unlock{
		ID:             uuid.NewString(),
		LearnerID:      learnerID,
		AchievementID:  a.ID,
		Key:            UnlockKey(a, triggerEventID),
		TriggerEventID: triggerEventID,
		XPReward:       a.XPReward,
		UnlockedAt:     now,
	}
}
