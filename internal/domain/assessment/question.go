// Package assessment models gradable questions, learner responses and
// assessment attempts.
package assessment

import (
	"math"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// QuestionType selects the grading strategy.
type QuestionType string

const (
	TypeSingleChoice   QuestionType = "single_choice"
	TypeMultipleChoice QuestionType = "multiple_choice" // single answer, legacy name
	TypeMultiSelect    QuestionType = "multi_select"
	TypeTrueFalse      QuestionType = "true_false"
	TypeFillBlank      QuestionType = "fill_blank"
	TypeShortAnswer    QuestionType = "short_answer"
	TypeNumeric        QuestionType = "numeric"

	// Open-ended types are never auto-graded.
	TypeEssay      QuestionType = "essay"
	TypeMatching   QuestionType = "matching"
	TypeDragDrop   QuestionType = "drag_drop"
	TypeAudio      QuestionType = "audio_response"
	TypeVideo      QuestionType = "video_response"
	TypeFileUpload QuestionType = "file_upload"
)

// IsOpenEnded reports whether t needs manual or external grading.
func (t QuestionType) IsOpenEnded() bool {
	switch t {
	case TypeSingleChoice, TypeMultipleChoice, TypeMultiSelect, TypeTrueFalse,
		TypeFillBlank, TypeShortAnswer, TypeNumeric:
		return false
	}
	return true
}

// Question is a content-agnostic gradable prompt. Definitions are read-only
// to the engine; analytics are kept in the stats store.
type Question struct {
	ID             string
	AssessmentID   string
	CourseID       string
	Type           QuestionType
	CorrectAnswers []string
	Points         int
	// NegativeMarking is subtracted for an incorrect auto-graded answer.
	NegativeMarking float64
	// PartialCreditRules maps option value to weight for multi-select.
	PartialCreditRules map[string]float64
	// Tolerance is the absolute error allowed for numeric answers.
	Tolerance          float64
	AutoGradingEnabled bool
	// ReviewItems are spaced-repetition items exercised by this question.
	ReviewItems     []shared.ItemRef
	FeedbackCorrect string
	FeedbackWrong   string
}

// Validate checks definition invariants.
func (q *Question) Validate() error {
	if q.Points <= 0 {
		return shared.Validationf("assessment", "Question.Validate", "question %s: points must be positive", q.ID)
	}
	if q.NegativeMarking < 0 {
		return shared.Validationf("assessment", "Question.Validate", "question %s: negative marking must be >= 0", q.ID)
	}
	return nil
}

// QuestionAnalytics are rolling statistics derived from responses.
type QuestionAnalytics struct {
	AttemptCount        int       `json:"attempt_count"`
	SuccessRate         float64   `json:"success_rate"`
	AverageResponseTime int       `json:"average_response_time"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ComputeQuestionAnalytics recomputes analytics from every graded response
// of a question.
func ComputeQuestionAnalytics(responses []*UserResponse, now time.Time) QuestionAnalytics {
	a := QuestionAnalytics{AttemptCount: len(responses), UpdatedAt: now}
	if len(responses) == 0 {
		return a
	}
	correct, totalTime := 0, 0
	for _, r := range responses {
		if r.IsCorrect {
			correct++
		}
		totalTime += r.TimeTakenSeconds
	}
	a.SuccessRate = math.Round(float64(correct)/float64(len(responses))*10000) / 100
	a.AverageResponseTime = totalTime / len(responses)
	return a
}
