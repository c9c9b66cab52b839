package assessment

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// Defaults applied to assessments that leave a field unset.
const (
	DefaultAttemptsAllowed = 3
	DefaultPassingScore    = 70
	DefaultXPReward        = 100
)

// GradeBoundary maps a grade label to the minimum percentage that earns it.
type GradeBoundary struct {
	Grade         string  `json:"grade"`
	MinPercentage float64 `json:"min_percentage"`
}

// Assessment is a read-only assessment definition.
type Assessment struct {
	ID                  string
	CourseID            string
	Title               string
	QuestionIDs         []string
	AttemptsAllowed     int
	PassingScore        float64
	TimeLimitMinutes    int
	GradeBoundaries     []GradeBoundary
	XPReward            int64
	CertificateRequired bool
	IsActive            bool
	AvailableFrom       *time.Time
	AvailableUntil      *time.Time
}

// WithDefaults fills zero-valued limits.
func (a Assessment) WithDefaults() Assessment {
	if a.AttemptsAllowed <= 0 {
		a.AttemptsAllowed = DefaultAttemptsAllowed
	}
	if a.PassingScore <= 0 {
		a.PassingScore = DefaultPassingScore
	}
	return a
}

// AvailableAt reports whether the assessment accepts new attempts at now.
func (a *Assessment) AvailableAt(now time.Time) bool {
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

// GradeFor returns the highest boundary whose threshold is <= pct, or "".
func GradeFor(boundaries []GradeBoundary, pct float64) string {
	sorted := append([]GradeBoundary(nil), boundaries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinPercentage > sorted[j].MinPercentage
	})
	for _, b := range sorted {
		if pct >= b.MinPercentage {
			return b.Grade
		}
	}
	return ""
}

// AttemptStatus is the lifecycle state of an attempt.
type AttemptStatus string

const (
	StatusInProgress AttemptStatus = "in_progress"
	StatusSubmitted  AttemptStatus = "submitted"
	StatusCompleted  AttemptStatus = "completed"
	StatusAbandoned  AttemptStatus = "abandoned"
)

// CountsTowardLimit reports whether the status consumes an allowed attempt.
func (s AttemptStatus) CountsTowardLimit() bool {
	return s == StatusSubmitted || s == StatusCompleted
}

// ResponseBreakdown is the per-question line of a result.
type ResponseBreakdown struct {
	QuestionID string         `json:"question_id"`
	ResponseID string         `json:"response_id"`
	Status     ResponseStatus `json:"status"`
	IsCorrect  bool           `json:"is_correct"`
	Score      float64        `json:"score"`
	MaxScore   float64        `json:"max_score"`
}

// Result is the scored outcome of an attempt.
type Result struct {
	AttemptID             string              `json:"attempt_id"`
	Status                AttemptStatus       `json:"status"`
	Score                 float64             `json:"score"`
	MaxScore              float64             `json:"max_score"`
	Percentage            float64             `json:"percentage"`
	Grade                 string              `json:"grade"`
	Passed                bool                `json:"passed"`
	PendingResponses      int                 `json:"pending_responses"`
	CompletionTimeSeconds int                 `json:"completion_time_seconds"`
	TimeLimitExceeded     bool                `json:"time_limit_exceeded"`
	CompletedAt           *time.Time          `json:"completed_at,omitempty"`
	Breakdown             []ResponseBreakdown `json:"breakdown"`
}

// Attempt is one learner's pass through an assessment.
type Attempt struct {
	ID            string
	AssessmentID  string
	CourseID      string
	LearnerID     shared.LearnerID
	AttemptNumber int
	Status        AttemptStatus
	StartedAt     time.Time
	// Deadline is StartedAt plus the time limit, nil when unlimited.
	Deadline    *time.Time
	SubmittedAt *time.Time
	CompletedAt *time.Time
	// Responses maps question ID to the latest response ID.
	Responses map[string]string
	// Result is set once the attempt is completed and never recomputed.
	Result  *Result
	Version int64
}

// NewAttempt starts an attempt.
func NewAttempt(a *Assessment, learnerID shared.LearnerID, attemptNumber int, now time.Time) *Attempt {
	at := &Attempt{
		ID:            uuid.NewString(),
		AssessmentID:  a.ID,
		CourseID:      a.CourseID,
		LearnerID:     learnerID,
		AttemptNumber: attemptNumber,
		Status:        StatusInProgress,
		StartedAt:     now,
		Responses:     map[string]string{},
	}
	if a.TimeLimitMinutes > 0 {
		d := now.Add(time.Duration(a.TimeLimitMinutes) * time.Minute)
		at.Deadline = &d
	}
	return at
}

func (at *Attempt) stateError(op string) error {
	switch at.Status {
	case StatusCompleted:
		return shared.WrapError("assessment", op, shared.ErrInvalidState, "attempt "+at.ID, shared.ErrAlreadyCompleted)
	case StatusAbandoned:
		return shared.WrapError("assessment", op, shared.ErrInvalidState, "attempt "+at.ID, shared.ErrAbandoned)
	default:
		return shared.WrapError("assessment", op, shared.ErrInvalidState, "attempt "+at.ID, shared.ErrNotInProgress)
	}
}

// EnsureInProgress returns an actionable state error unless the attempt
// accepts answers.
func (at *Attempt) EnsureInProgress() error {
	if at.Status != StatusInProgress {
		return at.stateError("SubmitAnswer")
	}
	return nil
}

// RecordResponse links a response to the attempt. Only valid in progress.
func (at *Attempt) RecordResponse(r *UserResponse) error {
	if at.Status != StatusInProgress {
		return at.stateError("RecordResponse")
	}
	if at.Responses == nil {
		at.Responses = map[string]string{}
	}
	at.Responses[r.QuestionID] = r.ID
	return nil
}

// ResponseIDs returns linked response IDs ordered by question ID.
func (at *Attempt) ResponseIDs() []string {
	qids := make([]string, 0, len(at.Responses))
	for q := range at.Responses {
		qids = append(qids, q)
	}
	sort.Strings(qids)
	ids := make([]string, 0, len(qids))
	for _, q := range qids {
		ids = append(ids, at.Responses[q])
	}
	return ids
}

// Abandon ends an in-progress attempt without scoring.
func (at *Attempt) Abandon(now time.Time) error {
	if at.Status != StatusInProgress {
		return at.stateError("Abandon")
	}
	at.Status = StatusAbandoned
	at.CompletedAt = &now
	return nil
}

// Finalize scores the attempt. A completed attempt returns its stored result
// unchanged. With ungraded responses the attempt moves to submitted and the
// result reports them as pending.
func (at *Attempt) Finalize(a *Assessment, responses []*UserResponse, now time.Time) (Result, error) {
	switch at.Status {
	case StatusCompleted:
		return *at.Result, nil
	case StatusInProgress, StatusSubmitted:
	default:
		return Result{}, at.stateError("Finalize")
	}

	if at.SubmittedAt == nil {
		at.SubmittedAt = &now
	}

	res := Result{AttemptID: at.ID}
	res.CompletionTimeSeconds = int(at.SubmittedAt.Sub(at.StartedAt).Seconds())
	if a.TimeLimitMinutes > 0 && res.CompletionTimeSeconds > a.TimeLimitMinutes*60 {
		res.TimeLimitExceeded = true
	}

	sort.Slice(responses, func(i, j int) bool { return responses[i].QuestionID < responses[j].QuestionID })
	res.Breakdown = make([]ResponseBreakdown, 0, len(responses))
	for _, r := range responses {
		res.Breakdown = append(res.Breakdown, ResponseBreakdown{
			QuestionID: r.QuestionID,
			ResponseID: r.ID,
			Status:     r.Status,
			IsCorrect:  r.IsCorrect,
			Score:      r.Score,
			MaxScore:   r.MaxScore,
		})
		res.MaxScore += r.MaxScore
		if r.IsGraded() {
			res.Score += r.Score
		} else {
			res.PendingResponses++
		}
	}
	res.Score = math.Max(0, res.Score)
	if res.MaxScore > 0 {
		res.Percentage = res.Score / res.MaxScore * 100
	}
	res.Passed = res.Percentage >= a.PassingScore
	res.Grade = GradeFor(a.GradeBoundaries, res.Percentage)

	if res.PendingResponses > 0 {
		at.Status = StatusSubmitted
		res.Status = StatusSubmitted
		return res, nil
	}

	at.Status = StatusCompleted
	at.CompletedAt = &now
	res.Status = StatusCompleted
	res.CompletedAt = &now
	stored := res
	at.Result = &stored
	return res, nil
}

// Clone returns a deep copy.
func (at *Attempt) Clone() *Attempt {
	c := *at
	c.Responses = make(map[string]string, len(at.Responses))
	for k, v := range at.Responses {
		c.Responses[k] = v
	}
	if at.Result != nil {
		r := *at.Result
		r.Breakdown = append([]ResponseBreakdown(nil), at.Result.Breakdown...)
		c.Result = &r
	}
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	c.Deadline = copyTime(at.Deadline)
	c.SubmittedAt = copyTime(at.SubmittedAt)
	c.CompletedAt = copyTime(at.CompletedAt)
	return &c
}

// ComputeStatistics summarizes completed attempts of one assessment.
func ComputeStatistics(assessmentID string, attempts []*Attempt, now time.Time) Statistics {
	s := Statistics{AssessmentID: assessmentID, UpdatedAt: now}
	var sum float64
	passed := 0
	for _, at := range attempts {
		if at.Status != StatusCompleted || at.Result == nil {
			continue
		}
		s.AttemptCount++
		sum += at.Result.Percentage
		if at.Result.Passed {
			passed++
		}
	}
	if s.AttemptCount > 0 {
		s.AverageScore = math.Round(sum/float64(s.AttemptCount)*100) / 100
		s.CompletionRate = math.Round(float64(passed)/float64(s.AttemptCount)*10000) / 100
	}
	return s
}

// Statistics are derived counters of one assessment.
type Statistics struct {
	AssessmentID   string    `json:"assessment_id"`
	AttemptCount   int       `json:"attempt_count"`
	AverageScore   float64   `json:"average_score"`
	CompletionRate float64   `json:"completion_rate"`
	UpdatedAt      time.Time `json:"updated_at"`
}
