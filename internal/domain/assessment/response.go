package assessment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// GradeSource records who produced a grade.
type GradeSource string

const (
	GradedByAuto     GradeSource = "auto"
	GradedByManual   GradeSource = "manual"
	GradedByExternal GradeSource = "external"
	GradedByOverride GradeSource = "override"
)

// ResponseStatus is the grading status of a response.
type ResponseStatus string

const (
	ResponseGraded   ResponseStatus = "graded"
	ResponseUngraded ResponseStatus = "ungraded"
)

// UserResponse is one learner submission to a question. It is immutable once
// graded except for instructor override.
type UserResponse struct {
	ID           string
	LearnerID    shared.LearnerID
	QuestionID   string
	AttemptID    string
	ResponseData json.RawMessage
	// AttemptNumber is unique per (learner, question), starting at 1.
	AttemptNumber    int
	TimeTakenSeconds int
	Status           ResponseStatus
	IsCorrect        bool
	Score            float64
	MaxScore         float64
	Feedback         string
	GradedBy         GradeSource
	// GradingError explains why an auto-gradable response stayed ungraded.
	GradingError string
	SubmittedAt  time.Time
	GradedAt     *time.Time
	Version      int64
}

// NewUserResponse creates an ungraded response.
func NewUserResponse(learnerID shared.LearnerID, questionID, attemptID string, data json.RawMessage, attemptNumber, timeTaken int, now time.Time) *UserResponse {
	return &UserResponse{
		ID:               uuid.NewString(),
		LearnerID:        learnerID,
		QuestionID:       questionID,
		AttemptID:        attemptID,
		ResponseData:     data,
		AttemptNumber:    attemptNumber,
		TimeTakenSeconds: timeTaken,
		Status:           ResponseUngraded,
		SubmittedAt:      now,
	}
}

// IsGraded reports whether the response carries a final score.
func (r *UserResponse) IsGraded() bool { return r.Status == ResponseGraded }

// ApplyOutcome records an automatic grading outcome.
func (r *UserResponse) ApplyOutcome(out Outcome, now time.Time) {
	r.MaxScore = out.MaxScore
	r.Feedback = out.Feedback
	if !out.Graded {
		r.Status = ResponseUngraded
		return
	}
	r.Status = ResponseGraded
	r.IsCorrect = out.IsCorrect
	r.Score = out.Score
	r.GradedBy = GradedByAuto
	r.GradedAt = &now
}

// Grade records a manual or external grade. Graded responses only accept an
// override source.
func (r *UserResponse) Grade(score float64, correct bool, feedback string, source GradeSource, now time.Time) error {
	if r.IsGraded() && source != GradedByOverride {
		return shared.NewDomainError("assessment", "Response.Grade", shared.ErrInvalidState, "response already graded")
	}
	if score > r.MaxScore {
		return shared.Validationf("assessment", "Response.Grade", "score %.2f exceeds max %.2f", score, r.MaxScore)
	}
	r.Status = ResponseGraded
	r.Score = score
	r.IsCorrect = correct
	r.Feedback = feedback
	r.GradedBy = source
	r.GradingError = ""
	r.GradedAt = &now
	return nil
}

// Clone returns a copy safe to mutate.
func (r *UserResponse) Clone() *UserResponse {
	c := *r
	c.ResponseData = append(json.RawMessage(nil), r.ResponseData...)
	if r.GradedAt != nil {
		t := *r.GradedAt
		c.GradedAt = &t
	}
	return &c
}
