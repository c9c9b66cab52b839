package assessment

import (
	"context"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// Catalog exposes read-only content definitions owned by the content service.
type Catalog interface {
	GetAssessment(ctx context.Context, id string) (*Assessment, error)
	GetQuestion(ctx context.Context, id string) (*Question, error)
	// ListAssessmentsByCourse returns active assessments of a course.
	ListAssessmentsByCourse(ctx context.Context, courseID string) ([]*Assessment, error)
}

// AttemptStore persists attempts. (learner, assessment, attemptNumber) is unique.
type AttemptStore interface {
	// Create returns shared.ErrConcurrencyConflict when the attempt number
	// is already taken.
	Create(ctx context.Context, at *Attempt) error
	Get(ctx context.Context, id string) (*Attempt, error)
	// Update is a version compare-and-swap.
	Update(ctx context.Context, at *Attempt) error
	ListByLearner(ctx context.Context, learnerID shared.LearnerID, assessmentID string) ([]*Attempt, error)
	ListByAssessment(ctx context.Context, assessmentID string) ([]*Attempt, error)
}

// ResponseStore persists responses. (learner, question, attemptNumber) is unique.
type ResponseStore interface {
	// Create returns shared.ErrConcurrencyConflict when the attempt number
	// is already taken.
	Create(ctx context.Context, r *UserResponse) error
	Get(ctx context.Context, id string) (*UserResponse, error)
	// Update is a version compare-and-swap.
	Update(ctx context.Context, r *UserResponse) error
	GetMany(ctx context.Context, ids []string) ([]*UserResponse, error)
	CountByLearnerQuestion(ctx context.Context, learnerID shared.LearnerID, questionID string) (int, error)
	ListByQuestion(ctx context.Context, questionID string) ([]*UserResponse, error)
}
