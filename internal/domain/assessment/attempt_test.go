package assessment

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

var start = time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC)

func testAssessment() *Assessment {
	a := Assessment{
		ID:              "quiz-1",
		CourseID:        "course-1",
		IsActive:        true,
		GradeBoundaries: []GradeBoundary{{"A", 90}, {"B", 80}, {"C", 70}},
	}.WithDefaults()
	return &a
}

func gradedResponse(qid string, score, max float64, correct bool) *UserResponse {
	r := NewUserResponse("learner-1", qid, "", json.RawMessage(`{}`), 1, 10, start)
	r.ApplyOutcome(Outcome{Graded: true, IsCorrect: correct, Score: score, MaxScore: max}, start)
	return r
}

func TestAttempt_FinalizeScoresAndIsIdempotent(t *testing.T) {
	a := testAssessment()
	at := NewAttempt(a, "learner-1", 1, start)
	responses := []*UserResponse{
		gradedResponse("q2", 4, 5, false),
		gradedResponse("q1", 5, 5, true),
	}
	for _, r := range responses {
		require.NoError(t, at.RecordResponse(r))
	}

	res, err := at.Finalize(a, responses, start.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 9.0, res.Score)
	assert.Equal(t, 10.0, res.MaxScore)
	assert.Equal(t, 90.0, res.Percentage)
	assert.Equal(t, "A", res.Grade)
	assert.True(t, res.Passed)
	assert.Equal(t, 90, res.CompletionTimeSeconds)
	assert.Equal(t, "q1", res.Breakdown[0].QuestionID)

	first, err := json.Marshal(res)
	require.NoError(t, err)

	// Changing the inputs must not change a completed result.
	responses[0].Score = 0
	again, err := at.Finalize(a, responses, start.Add(time.Hour))
	require.NoError(t, err)
	second, err := json.Marshal(again)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAttempt_UngradedLeavesSubmitted(t *testing.T) {
	a := testAssessment()
	at := NewAttempt(a, "learner-1", 1, start)
	essay := NewUserResponse("learner-1", "essay", at.ID, json.RawMessage(`{"text":"..."}`), 1, 60, start)
	essay.ApplyOutcome(Ungraded(&Question{Points: 10}), start)
	mc := gradedResponse("mc", 5, 5, true)

	res, err := at.Finalize(a, []*UserResponse{essay, mc}, start.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, res.Status)
	assert.Equal(t, StatusSubmitted, at.Status)
	assert.Equal(t, 1, res.PendingResponses)
	assert.Nil(t, at.Result)

	require.NoError(t, essay.Grade(8, true, "good", GradedByManual, start.Add(time.Hour)))
	res, err = at.Finalize(a, []*UserResponse{essay, mc}, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 13.0, res.Score)
	// Completion time is measured to the first submission.
	assert.Equal(t, 60, res.CompletionTimeSeconds)
}

func TestAttempt_TimeLimitIsInformational(t *testing.T) {
	a := testAssessment()
	a.TimeLimitMinutes = 1
	at := NewAttempt(a, "learner-1", 1, start)
	require.NotNil(t, at.Deadline)

	res, err := at.Finalize(a, []*UserResponse{gradedResponse("q1", 5, 5, true)}, start.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, res.TimeLimitExceeded)
	assert.Equal(t, 100.0, res.Percentage)
	assert.True(t, res.Passed)
}

func TestAttempt_NegativeTotalClampsAtZero(t *testing.T) {
	a := testAssessment()
	at := NewAttempt(a, "learner-1", 1, start)

	res, err := at.Finalize(a, []*UserResponse{
		gradedResponse("q1", -0.5, 2, false),
		gradedResponse("q2", -0.5, 2, false),
	}, start)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Score)
	assert.False(t, res.Passed)
	assert.Equal(t, "", res.Grade)
}

func TestAttempt_StateErrors(t *testing.T) {
	a := testAssessment()
	at := NewAttempt(a, "learner-1", 1, start)
	_, err := at.Finalize(a, nil, start)
	require.NoError(t, err)

	err = at.RecordResponse(gradedResponse("q1", 1, 1, true))
	assert.ErrorIs(t, err, shared.ErrInvalidState)
	assert.ErrorIs(t, err, shared.ErrAlreadyCompleted)

	ab := NewAttempt(a, "learner-1", 2, start)
	require.NoError(t, ab.Abandon(start))
	_, err = ab.Finalize(a, nil, start)
	assert.ErrorIs(t, err, shared.ErrAbandoned)
}

func TestComputeStatistics(t *testing.T) {
	a := testAssessment()
	var attempts []*Attempt
	for i, score := range []float64{10, 5} {
		at := NewAttempt(a, "learner-1", i+1, start)
		_, err := at.Finalize(a, []*UserResponse{gradedResponse("q", score, 10, score == 10)}, start)
		require.NoError(t, err)
		attempts = append(attempts, at)
	}
	attempts = append(attempts, NewAttempt(a, "learner-2", 1, start))

	s := ComputeStatistics(a.ID, attempts, start)
	assert.Equal(t, 2, s.AttemptCount)
	assert.Equal(t, 75.0, s.AverageScore)
	assert.Equal(t, 50.0, s.CompletionRate)
}

func TestComputeQuestionAnalytics(t *testing.T) {
	rs := []*UserResponse{
		gradedResponse("q", 1, 1, true),
		gradedResponse("q", 0, 1, false),
		gradedResponse("q", 1, 1, true),
	}
	rs[2].TimeTakenSeconds = 25

	a := ComputeQuestionAnalytics(rs, start)
	assert.Equal(t, 3, a.AttemptCount)
	assert.Equal(t, 66.67, a.SuccessRate)
	assert.Equal(t, 15, a.AverageResponseTime)
}
