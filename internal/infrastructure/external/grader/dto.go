package grader

import (
	"encoding/json"
	"time"
)

// GradeRequestDTO is the body of POST /v1/grade.
type GradeRequestDTO struct {
	QuestionID       string          `json:"question_id"`
	QuestionType     string          `json:"question_type"`
	CourseID         string          `json:"course_id,omitempty"`
	Points           int             `json:"points"`
	ReferenceAnswers []string        `json:"reference_answers,omitempty"`
	Answer           json.RawMessage `json:"answer"`
}

// GradeResponseDTO is the grading service's verdict.
type GradeResponseDTO struct {
	Score     float64 `json:"score"`
	MaxScore  float64 `json:"max_score"`
	IsCorrect bool    `json:"is_correct"`
	Feedback  string  `json:"feedback"`
}

// APIErrorDTO is the error body returned with 4xx and 5xx statuses.
type APIErrorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RateLimitError is returned on HTTP 429.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "grader: rate limited, retry after " + e.RetryAfter.String()
}

// StatusError is a non-2xx response other than 429.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return "grader: status " + itoa(e.StatusCode) + " " + e.Code + ": " + e.Message
	}
	return "grader: status " + itoa(e.StatusCode) + ": " + e.Message
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 408
}
