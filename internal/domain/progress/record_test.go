package progress

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

var day0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func courseRecord() *ProgressRecord {
	return NewProgressRecord(Key{LearnerID: "l1", Scope: shared.CourseScope("c1")}, "", day0)
}

func TestApplyCompletion_Streak(t *testing.T) {
	tests := []struct {
		name    string
		offsets []time.Duration
		want    int
		longest int
	}{
		{"first access", []time.Duration{0}, 1, 1},
		{"same day twice", []time.Duration{0, 3 * time.Hour}, 1, 1},
		{"consecutive days", []time.Duration{0, 24 * time.Hour, 48 * time.Hour}, 3, 3},
		{"gap resets", []time.Duration{0, 24 * time.Hour, 72 * time.Hour}, 1, 2},
		{"late event does not increment", []time.Duration{24 * time.Hour, 0}, 1, 1},
		{"across midnight", []time.Duration{14 * time.Hour, 15*time.Hour + 30*time.Minute}, 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := courseRecord()
			for i, off := range tt.offsets {
				ok, err := p.ApplyCompletion(Completion{XPDelta: 10, Token: fmt.Sprint(i), At: day0.Add(off)}, time.UTC)
				require.NoError(t, err)
				require.True(t, ok)
			}
			assert.Equal(t, tt.want, p.CurrentStreak)
			assert.Equal(t, tt.longest, p.LongestStreak)
			assert.GreaterOrEqual(t, p.LongestStreak, p.CurrentStreak)
		})
	}
}

func TestApplyCompletion_StreakUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+6", 6*3600)
	p := courseRecord()

	// 17:00 and 19:00 UTC are different calendar days at UTC+6.
	first := time.Date(2024, 3, 4, 17, 0, 0, 0, time.UTC)
	_, err := p.ApplyCompletion(Completion{Token: "a", At: first}, loc)
	require.NoError(t, err)
	_, err = p.ApplyCompletion(Completion{Token: "b", At: first.Add(2 * time.Hour)}, loc)
	require.NoError(t, err)
	assert.Equal(t, 2, p.CurrentStreak)
}

func TestApplyCompletion_TokenIsIdempotent(t *testing.T) {
	p := courseRecord()
	ok, err := p.ApplyCompletion(Completion{XPDelta: 50, Token: "t1", At: day0}, time.UTC)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.ApplyCompletion(Completion{XPDelta: 50, Token: "t1", At: day0.Add(time.Hour)}, time.UTC)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(50), p.XPEarned)
	require.NotNil(t, p.XPUpdatedAt)
	assert.Equal(t, day0, *p.XPUpdatedAt)
}

func TestApplyCompletion_RejectsNegative(t *testing.T) {
	p := courseRecord()
	_, err := p.ApplyCompletion(Completion{XPDelta: -1, At: day0}, time.UTC)
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestApplyCompletion_ZeroXPKeepsXPUpdatedAt(t *testing.T) {
	p := courseRecord()
	_, err := p.ApplyCompletion(Completion{XPDelta: 0, Token: "z", At: day0}, time.UTC)
	require.NoError(t, err)
	assert.Nil(t, p.XPUpdatedAt)
	assert.Equal(t, 1, p.CurrentStreak)
}

func TestApplyCompletion_LeafCompletes(t *testing.T) {
	p := NewProgressRecord(Key{LearnerID: "l1", Scope: shared.LessonScope("les-1")}, "c1", day0)
	_, err := p.ApplyCompletion(Completion{Token: "x", At: day0}, time.UTC)
	require.NoError(t, err)
	assert.True(t, p.IsCompleted)
	assert.Equal(t, 100, p.CompletionPercentage)
	assert.Equal(t, "c1", p.CourseID)
}

func TestRecentTokensAreBounded(t *testing.T) {
	p := courseRecord()
	for i := 0; i < maxRecentTokens+10; i++ {
		_, err := p.ApplyCompletion(Completion{XPDelta: 1, Token: fmt.Sprint(i), At: day0}, time.UTC)
		require.NoError(t, err)
	}
	assert.Len(t, p.RecentTokens, maxRecentTokens)
	_, ok := p.Applied("0")
	assert.False(t, ok)
	_, ok = p.Applied(fmt.Sprint(maxRecentTokens + 9))
	assert.True(t, ok)
}

func TestCorrect_FloorsAtZero(t *testing.T) {
	p := courseRecord()
	p.XPEarned = 30

	applied, ok := p.Correct(-50, "fix-1")
	assert.True(t, ok)
	assert.Equal(t, int64(-30), applied)
	assert.Equal(t, int64(0), p.XPEarned)

	applied, ok = p.Correct(-50, "fix-1")
	assert.False(t, ok)
	assert.Equal(t, int64(-30), applied)
}

func TestSetCompletion(t *testing.T) {
	tests := []struct {
		done, total int
		want        int
		completed   bool
	}{
		{0, 0, 0, false},
		{1, 3, 33, false},
		{2, 3, 66, false},
		{3, 3, 100, true},
		{5, 3, 100, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.done, tt.total), func(t *testing.T) {
			p := courseRecord()
			p.SetCompletion(tt.done, tt.total, false, day0)
			assert.Equal(t, tt.want, p.CompletionPercentage)
			assert.Equal(t, tt.completed, p.IsCompleted)
		})
	}
}

func TestSetCompletion_StaleCountNeverLowersPercentage(t *testing.T) {
	p := courseRecord()
	assert.True(t, p.SetCompletion(40, 40, false, day0))
	require.True(t, p.IsCompleted)

	assert.False(t, p.SetCompletion(39, 40, false, day0))
	assert.Equal(t, 100, p.CompletionPercentage)
	assert.True(t, p.IsCompleted)
	assert.Equal(t, CompletedByLeaves, p.CompletedVia)
}

func TestSetCompletion_DeactivatedLeafReopensCourse(t *testing.T) {
	p := courseRecord()
	p.SetCompletion(4, 4, false, day0)
	require.True(t, p.IsCompleted)

	assert.True(t, p.SetCompletion(3, 4, true, day0))
	assert.Equal(t, 75, p.CompletionPercentage)
	assert.False(t, p.IsCompleted)
	assert.Nil(t, p.CompletedAt)
}

func TestMarkCompletedByAssessmentsIsSticky(t *testing.T) {
	p := courseRecord()
	assert.True(t, p.MarkCompletedByAssessments(day0))
	assert.False(t, p.MarkCompletedByAssessments(day0))

	assert.False(t, p.SetCompletion(1, 4, true, day0))
	assert.Equal(t, 100, p.CompletionPercentage)
	assert.True(t, p.IsCompleted)
}

func TestRecordAttempt(t *testing.T) {
	p := courseRecord()
	assert.True(t, p.RecordAttempt(60, "a1"))
	assert.True(t, p.RecordAttempt(90, "a2"))
	assert.False(t, p.RecordAttempt(90, "a2"))

	assert.Equal(t, 2, p.AttemptsCount)
	assert.Equal(t, 90.0, p.BestScore)
	assert.InDelta(t, 75.0, p.AverageScore, 1e-9)
}

func TestComputeCourseStatistics(t *testing.T) {
	a, b, c := courseRecord(), courseRecord(), courseRecord()
	a.XPEarned, b.XPEarned = 100, 50
	a.MarkCompletedByAssessments(day0)
	c.IsActive = false

	s := ComputeCourseStatistics("c1", []*ProgressRecord{a, b, c}, day0)
	assert.Equal(t, 2, s.EnrollmentCount)
	assert.Equal(t, 1, s.CompletionCount)
	assert.Equal(t, 50.0, s.CompletionRate)
	assert.Equal(t, 75.0, s.AverageXP)
}
