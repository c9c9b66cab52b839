package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/application/query"
	"github.com/alem-hub/progression-engine/internal/domain/achievement"
	"github.com/alem-hub/progression-engine/internal/domain/assessment"
	"github.com/alem-hub/progression-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progression-engine/internal/domain/progress"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

const learner = shared.LearnerID("learner-1")

type fixture struct {
	engine  *Engine
	catalog *memory.Catalog
	clock   *timeutil.FixedClock
	ledger  *memory.XPLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat := memory.NewCatalog()
	cat.PutCourse(memory.Course{ID: "c1", Lessons: []memory.Lesson{
		{ID: "l1", ReviewItems: []shared.ItemRef{shared.NewItemRef("word", "w1")}},
		{ID: "l2"},
	}})
	clock := timeutil.NewFixedClock(t0)
	ledger := memory.NewXPLedger()
	e, err := New(Options{
		Stores:  Stores{Ledger: ledger},
		Content: cat,
		Clock:   clock,
		Logger:  logger.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return &fixture{engine: e, catalog: cat, clock: clock, ledger: ledger}
}

func (f *fixture) putQuiz(t *testing.T, a *assessment.Assessment, questions ...*assessment.Question) {
	t.Helper()
	for _, q := range questions {
		a.QuestionIDs = append(a.QuestionIDs, q.ID)
		require.NoError(t, f.catalog.PutQuestion(q))
	}
	f.catalog.PutAssessment(a)
}

func choice(id, correct string) *assessment.Question {
	return &assessment.Question{
		ID:                 id,
		Type:               assessment.TypeSingleChoice,
		CorrectAnswers:     []string{correct},
		Points:             10,
		AutoGradingEnabled: true,
	}
}

func selected(option string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"selected_option":%q}`, option))
}

func leaderboardQuery(t leaderboard.BoardType) query.GetLeaderboardQuery {
	return query.GetLeaderboardQuery{Type: t, PageSize: 50}
}

func TestApplyCompletion_ConcurrentCallsAllLand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.ApplyCompletion(ctx, command.ApplyCompletionCommand{
				LearnerID: learner,
				Scope:     shared.CourseScope("c1"),
				XPDelta:   1,
				Token:     fmt.Sprintf("tok-%d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := f.engine.GetProgress(ctx, learner, shared.CourseScope("c1"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), rec.XPEarned)

	totals, err := f.ledger.Totals(ctx, progress.LedgerFilter{})
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, int64(100), totals[0].XP)
}

func TestApplyCompletion_ConcurrentLessonsCompleteCourse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const lessons = 40
	course := memory.Course{ID: "c40"}
	for i := 0; i < lessons; i++ {
		course.Lessons = append(course.Lessons, memory.Lesson{ID: fmt.Sprintf("c40-l%02d", i)})
	}
	f.catalog.PutCourse(course)
	_, err := f.engine.Enroll(ctx, learner, "c40")
	require.NoError(t, err)

	stop := make(chan struct{})
	observed := make(chan []int, 1)
	go func() {
		var seen []int
		for {
			select {
			case <-stop:
				observed <- seen
				return
			default:
			}
			if rec, err := f.engine.GetProgress(ctx, learner, shared.CourseScope("c40")); err == nil {
				seen = append(seen, rec.CompletionPercentage)
			}
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, lessons)
	for _, l := range course.Lessons {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.engine.ApplyCompletion(ctx, command.ApplyCompletionCommand{
				LearnerID: learner,
				Scope:     shared.LessonScope(id),
				CourseID:  "c40",
				XPDelta:   5,
				Token:     "done-" + id,
			})
			errs <- err
		}(l.ID)
	}
	wg.Wait()
	close(errs)
	close(stop)
	for err := range errs {
		require.NoError(t, err)
	}

	seen := <-observed
	for i := 1; i < len(seen); i++ {
		require.GreaterOrEqual(t, seen[i], seen[i-1], "course percentage went down")
	}
	rec, err := f.engine.GetProgress(ctx, learner, shared.CourseScope("c40"))
	require.NoError(t, err)
	assert.Equal(t, 100, rec.CompletionPercentage)
	assert.True(t, rec.IsCompleted)
	assert.Equal(t, progress.CompletedByLeaves, rec.CompletedVia)
	assert.Equal(t, int64(lessons*5), rec.XPEarned)
}

func TestDeactivateProgress_LeafLowersCourse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"l1", "l2"} {
		_, err := f.engine.ApplyCompletion(ctx, command.ApplyCompletionCommand{
			LearnerID: learner, Scope: shared.LessonScope(id), CourseID: "c1", XPDelta: 1, Token: "done-" + id,
		})
		require.NoError(t, err)
	}
	rec, err := f.engine.GetProgress(ctx, learner, shared.CourseScope("c1"))
	require.NoError(t, err)
	require.True(t, rec.IsCompleted)

	require.NoError(t, f.engine.DeactivateProgress(ctx, learner, shared.LessonScope("l2")))

	rec, err = f.engine.GetProgress(ctx, learner, shared.CourseScope("c1"))
	require.NoError(t, err)
	assert.Equal(t, 50, rec.CompletionPercentage)
	assert.False(t, rec.IsCompleted)
	assert.Equal(t, int64(2), rec.XPEarned)
}

func TestApplyCompletion_RedeliveredTokenIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cmd := command.ApplyCompletionCommand{LearnerID: learner, Scope: shared.LessonScope("l2"), CourseID: "c1", XPDelta: 10, Token: "same"}

	_, err := f.engine.ApplyCompletion(ctx, cmd)
	require.NoError(t, err)
	_, err = f.engine.ApplyCompletion(ctx, cmd)
	require.NoError(t, err)

	rec, err := f.engine.GetProgress(ctx, learner, shared.CourseScope("c1"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.XPEarned)
}

func TestStartAttempt_LimitExceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putQuiz(t, &assessment.Assessment{ID: "a1", AttemptsAllowed: 1, PassingScore: 50, IsActive: true}, choice("q1", "b"))

	first, err := f.engine.StartAttempt(ctx, learner, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.AttemptNumber)

	resumed, err := f.engine.StartAttempt(ctx, learner, "a1")
	require.NoError(t, err)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, first.AttemptID, resumed.AttemptID)

	_, err = f.engine.SubmitAnswer(ctx, first.AttemptID, "q1", selected("b"), 5)
	require.NoError(t, err)
	res, err := f.engine.FinalizeAttempt(ctx, first.AttemptID)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, assessment.StatusCompleted, res.Status)

	_, err = f.engine.StartAttempt(ctx, learner, "a1")
	assert.ErrorIs(t, err, shared.ErrAttemptLimitExceeded)
}

func TestStartAttempt_RequiresEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putQuiz(t, &assessment.Assessment{ID: "a1", CourseID: "c1", IsActive: true}, choice("q1", "b"))

	_, err := f.engine.StartAttempt(ctx, learner, "a1")
	assert.ErrorIs(t, err, shared.ErrNotEnrolled)

	_, err = f.engine.Enroll(ctx, learner, "c1")
	require.NoError(t, err)
	_, err = f.engine.StartAttempt(ctx, learner, "a1")
	assert.NoError(t, err)
}

func TestFinalizeAttempt_OpenEndedWaitsForGrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	essay := &assessment.Question{ID: "q-essay", Type: assessment.TypeEssay, Points: 10, AutoGradingEnabled: true}
	f.putQuiz(t, &assessment.Assessment{ID: "a1", PassingScore: 50, XPReward: 30, IsActive: true}, choice("q1", "b"), essay)

	start, err := f.engine.StartAttempt(ctx, learner, "a1")
	require.NoError(t, err)
	_, err = f.engine.SubmitAnswer(ctx, start.AttemptID, "q1", selected("b"), 3)
	require.NoError(t, err)
	pending, err := f.engine.SubmitAnswer(ctx, start.AttemptID, "q-essay", json.RawMessage(`{"text":"my essay"}`), 60)
	require.NoError(t, err)
	assert.True(t, pending.Pending)

	res, err := f.engine.FinalizeAttempt(ctx, start.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, assessment.StatusSubmitted, res.Status)
	assert.Equal(t, 1, res.PendingResponses)

	_, err = f.engine.GradeResponse(ctx, command.GradeResponseCommand{
		ResponseID: pending.ResponseID,
		Score:      8,
		IsCorrect:  true,
		Source:     assessment.GradedByManual,
	})
	require.NoError(t, err)

	final, err := f.engine.FinalizeAttempt(ctx, start.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, assessment.StatusCompleted, final.Status)
	assert.InDelta(t, 90.0, final.Percentage, 0.01)
	assert.True(t, final.Passed)

	// The attempt reward lands in the ledger once.
	totals, err := f.ledger.Totals(ctx, progress.LedgerFilter{})
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, int64(30), totals[0].XP)

	_, err = f.engine.GradeResponse(ctx, command.GradeResponseCommand{
		ResponseID: pending.ResponseID,
		Score:      2,
		Source:     assessment.GradedByOverride,
	})
	assert.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestGradeResponse_RejectsUnsubmittedAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	essay := &assessment.Question{ID: "q-essay", Type: assessment.TypeEssay, Points: 10, AutoGradingEnabled: true}
	f.putQuiz(t, &assessment.Assessment{ID: "a1", PassingScore: 50, IsActive: true}, essay)

	start, err := f.engine.StartAttempt(ctx, learner, "a1")
	require.NoError(t, err)
	pending, err := f.engine.SubmitAnswer(ctx, start.AttemptID, "q-essay", json.RawMessage(`{"text":"draft"}`), 30)
	require.NoError(t, err)
	require.True(t, pending.Pending)

	grade := command.GradeResponseCommand{ResponseID: pending.ResponseID, Score: 10, IsCorrect: true}
	_, err = f.engine.GradeResponse(ctx, grade)
	assert.ErrorIs(t, err, shared.ErrInvalidState, "in progress")

	require.NoError(t, f.engine.AbandonAttempt(ctx, start.AttemptID))
	_, err = f.engine.GradeResponse(ctx, grade)
	assert.ErrorIs(t, err, shared.ErrInvalidState, "abandoned")

	grade.Source = assessment.GradedByOverride
	_, err = f.engine.GradeResponse(ctx, grade)
	assert.ErrorIs(t, err, shared.ErrInvalidState, "abandoned override")
}

func TestRefreshLeaderboard_CancelledKeepsPreviousSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.ApplyCompletion(ctx, command.ApplyCompletionCommand{LearnerID: learner, Scope: shared.CourseScope("c1"), XPDelta: 5, Token: "a"})
	require.NoError(t, err)

	first, err := f.engine.RefreshLeaderboard(ctx, leaderboard.GlobalBoard())
	require.NoError(t, err)

	_, err = f.engine.ApplyCompletion(ctx, command.ApplyCompletionCommand{LearnerID: "learner-2", Scope: shared.CourseScope("c1"), XPDelta: 50, Token: "b"})
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = f.engine.RefreshLeaderboard(cancelled, leaderboard.GlobalBoard())
	require.Error(t, err)

	res, err := f.engine.GetLeaderboardPage(ctx, leaderboardQuery(leaderboard.BoardGlobal))
	require.NoError(t, err)
	assert.Equal(t, first.ID, res.SnapshotID)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, learner.String(), res.Entries[0].LearnerID)
}

func TestCheckAchievements_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.catalog.PutAchievement(&achievement.Achievement{
		ID:       "xp-5",
		Name:     "First Steps",
		Criteria: achievement.Criteria{achievement.CritTotalXP: 5},
		IsActive: true,
	}))
	_, err := f.engine.ApplyCompletion(ctx, command.ApplyCompletionCommand{LearnerID: learner, Scope: shared.CourseScope("c1"), XPDelta: 5, Token: "a"})
	require.NoError(t, err)

	first, err := f.engine.CheckAchievements(ctx, learner, "trigger-1")
	require.NoError(t, err)
	assert.True(t, first.HasNewAchievements())

	again, err := f.engine.CheckAchievements(ctx, learner, "trigger-1")
	require.NoError(t, err)
	assert.False(t, again.HasNewAchievements())

	unlocks, err := f.engine.Unlocks(ctx, learner)
	require.NoError(t, err)
	assert.Len(t, unlocks, 1)
}

func TestCompleteLesson_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.catalog.PutAchievement(&achievement.Achievement{
		ID:       "first-lesson",
		Name:     "First Lesson",
		Criteria: achievement.Criteria{achievement.CritLessonsCompleted: 1},
		XPReward: 50,
		IsActive: true,
	}))

	require.NoError(t, f.engine.CompleteLesson(ctx, learner, shared.LessonScope("l1"), "c1", 10, "done-l1"))
	// A redelivered completion changes nothing.
	require.NoError(t, f.engine.CompleteLesson(ctx, learner, shared.LessonScope("l1"), "c1", 10, "done-l1"))

	tree, err := f.engine.GetProgressTree(ctx, learner, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), tree.Record.XPEarned)
	assert.Equal(t, 50, tree.Record.CompletionPercentage)
	assert.False(t, tree.Record.IsCompleted)

	unlocks, err := f.engine.Unlocks(ctx, learner)
	require.NoError(t, err)
	require.Len(t, unlocks, 1)
	assert.Equal(t, "first-lesson", unlocks[0].AchievementID)

	due, err := f.engine.GetDueReviews(ctx, learner)
	require.NoError(t, err)
	assert.Empty(t, due)
	f.clock.Advance(24 * time.Hour)
	due, err = f.engine.GetDueReviews(ctx, learner)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, shared.NewItemRef("word", "w1"), due[0].Key.Item)

	_, err = f.engine.RefreshLeaderboard(ctx, leaderboard.GlobalBoard())
	require.NoError(t, err)
	entries, err := f.engine.GetLeaderboard(ctx, query.GlobalScope(), time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(60), entries[0].XP)
	assert.Equal(t, 1, entries[0].Rank)
	assert.Empty(t, f.engine.FailedSteps())
}

func TestGetLeaderboard_CourseBoardReturnsEveryLearner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const learners = 620
	for i := 0; i < learners; i++ {
		_, err := f.ledger.Append(ctx, progress.LedgerEntry{
			Token:     fmt.Sprintf("xp-%d", i),
			LearnerID: shared.LearnerID(fmt.Sprintf("learner-%03d", i)),
			CourseID:  "c1",
			Delta:     int64(i + 1),
			At:        t0,
		})
		require.NoError(t, err)
	}
	_, err := f.ledger.Append(ctx, progress.LedgerEntry{Token: "other", LearnerID: "outsider", CourseID: "c2", Delta: 5000, At: t0})
	require.NoError(t, err)

	_, err = f.engine.RefreshLeaderboard(ctx, leaderboard.CourseBoard("c1"))
	require.NoError(t, err)

	entries, err := f.engine.GetLeaderboard(ctx, query.CourseScope("c1"), time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, learners)
	assert.Equal(t, "learner-619", entries[0].LearnerID)
	assert.Equal(t, learners, entries[learners-1].Rank)
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Rank, entries[i].Rank)
	}
}

func TestCompleteLesson_RequiresCompletionID(t *testing.T) {
	f := newFixture(t)
	err := f.engine.CompleteLesson(context.Background(), learner, shared.LessonScope("l1"), "c1", 10, "")
	assert.ErrorIs(t, err, shared.ErrValidation)
}
