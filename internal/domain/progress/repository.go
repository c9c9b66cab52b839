package progress

import (
	"context"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/assessment"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ProgressStore persists progress records. (learner, scope) is unique.
type ProgressStore interface {
	Get(ctx context.Context, key Key) (*ProgressRecord, error)
	// Create returns shared.ErrConcurrencyConflict if the key exists.
	Create(ctx context.Context, p *ProgressRecord) error
	// Update is a version compare-and-swap.
	Update(ctx context.Context, p *ProgressRecord) error
	ListByLearner(ctx context.Context, learnerID shared.LearnerID, courseID string) ([]*ProgressRecord, error)
	// ListCourseRecords returns course-scope records of every learner of a course.
	ListCourseRecords(ctx context.Context, courseID string) ([]*ProgressRecord, error)
}

// LedgerEntry is one XP change. Every leaderboard is folded from entries.
type LedgerEntry struct {
	Token     string           `json:"token"`
	LearnerID shared.LearnerID `json:"learner_id"`
	CourseID  string           `json:"course_id"`
	Delta     int64            `json:"delta"`
	At        time.Time        `json:"at"`
}

// LedgerFilter restricts a totals query. Zero fields match everything.
type LedgerFilter struct {
	CourseID string
	Since    time.Time
	Until    time.Time
	Learners []shared.LearnerID
}

// LearnerTotal is the folded XP of one learner.
type LearnerTotal struct {
	LearnerID shared.LearnerID
	XP        int64
	// ReachedAt is the time of the latest positive entry in the filter.
	ReachedAt time.Time
}

// XPLedger stores XP entries keyed by idempotency token.
type XPLedger interface {
	// Append returns false when the token was already recorded.
	Append(ctx context.Context, e LedgerEntry) (bool, error)
	Totals(ctx context.Context, f LedgerFilter) ([]LearnerTotal, error)
}

// StatsStore keeps derived statistics. Writes overwrite.
type StatsStore interface {
	PutCourse(ctx context.Context, s CourseStatistics) error
	GetCourse(ctx context.Context, courseID string) (CourseStatistics, error)
	PutAssessment(ctx context.Context, s assessment.Statistics) error
	GetAssessment(ctx context.Context, assessmentID string) (assessment.Statistics, error)
	PutQuestion(ctx context.Context, questionID string, a assessment.QuestionAnalytics) error
	GetQuestion(ctx context.Context, questionID string) (assessment.QuestionAnalytics, error)
}

// ContentHierarchy is the read-only course structure.
type ContentHierarchy interface {
	// LeafScopes returns the lesson and step scopes of a course.
	LeafScopes(ctx context.Context, courseID string) ([]shared.Scope, error)
	// LessonItems returns the reviewable items taught by a lesson.
	LessonItems(ctx context.Context, lessonID string) ([]shared.ItemRef, error)
}
