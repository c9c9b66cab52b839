package eventhandler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/domain/progress"
	"github.com/alem-hub/progression-engine/internal/domain/review"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

var t0 = time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)

type fakeReviews struct {
	mu      sync.Mutex
	applied []command.RecordReviewCommand
	err     error
}

func (f *fakeReviews) Handle(_ context.Context, cmd command.RecordReviewCommand) (*review.ReviewSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.applied = append(f.applied, cmd)
	return review.NewReviewSchedule(review.Key{LearnerID: cmd.LearnerID, Item: cmd.Item}, cmd.At), nil
}

func (f *fakeReviews) SeedItems(context.Context, shared.LearnerID, []shared.ItemRef, time.Time) (int, error) {
	return 0, nil
}

type bonus struct {
	learner shared.LearnerID
	xp      int64
	token   string
	reason  string
}

type fakeProgress struct {
	mu        sync.Mutex
	bonuses   []bonus
	questions []string
}

func (f *fakeProgress) ApplyCompletion(context.Context, command.ApplyCompletionCommand) (*progress.ProgressRecord, error) {
	return nil, nil
}

func (f *fakeProgress) GrantBonus(_ context.Context, learnerID shared.LearnerID, xp int64, token, reason string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bonuses = append(f.bonuses, bonus{learnerID, xp, token, reason})
	return true, nil
}

func (f *fakeProgress) RecordAttemptResult(context.Context, shared.LearnerID, string, float64, string) (*progress.ProgressRecord, error) {
	return nil, nil
}

func (f *fakeProgress) CompleteByAssessments(context.Context, shared.LearnerID, string) (bool, error) {
	return false, nil
}

func (f *fakeProgress) RecomputeAssessmentStats(context.Context, string) error { return nil }

func (f *fakeProgress) RecomputeQuestionAnalytics(_ context.Context, questionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions = append(f.questions, questionID)
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

type recordingIssuer struct {
	issued []string
}

func (c *recordingIssuer) Issue(_ context.Context, learnerID shared.LearnerID, courseID, attemptID string) error {
	c.issued = append(c.issued, learnerID.String()+"/"+courseID+"/"+attemptID)
	return nil
}

type fixture struct {
	pipelines *Pipelines
	reviews   *fakeReviews
	progress  *fakeProgress
	notifier  *recordingNotifier
	issuer    *recordingIssuer
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		reviews:  &fakeReviews{},
		progress: &fakeProgress{},
		notifier: &recordingNotifier{},
		issuer:   &recordingIssuer{},
	}
	f.pipelines = NewPipelines(PipelineDeps{
		Reviews:      f.reviews,
		Progress:     f.progress,
		Notifier:     f.notifier,
		Certificates: f.issuer,
		Logger:       logger.Nop(),
	}, cfg)
	return f
}

func answer(graded, correct bool, items ...shared.ItemRef) shared.AnswerSubmittedEvent {
	return shared.AnswerSubmittedEvent{
		BaseEvent:   shared.NewBaseEvent(shared.EventAnswerSubmitted, "answer-1", "l1", t0),
		QuestionID:  "q1",
		Graded:      graded,
		IsCorrect:   correct,
		ReviewItems: items,
	}
}

func TestOnAnswerReview_MapsCorrectnessToQuality(t *testing.T) {
	f := newFixture(DefaultConfig())
	ctx := context.Background()

	require.NoError(t, f.pipelines.onAnswerReview(ctx, answer(true, true, "vocab:1", "vocab:2"), "tok"))
	require.NoError(t, f.pipelines.onAnswerReview(ctx, answer(true, false, "vocab:3"), "tok2"))

	require.Len(t, f.reviews.applied, 3)
	assert.Equal(t, 5, f.reviews.applied[0].Quality)
	assert.Equal(t, "tok:vocab:1", f.reviews.applied[0].Token)
	assert.Equal(t, "tok:vocab:2", f.reviews.applied[1].Token)
	assert.Equal(t, 2, f.reviews.applied[2].Quality)
	assert.Equal(t, t0, f.reviews.applied[2].At)
}

func TestOnAnswerReview_SkipsUngradedAnswers(t *testing.T) {
	f := newFixture(DefaultConfig())
	require.NoError(t, f.pipelines.onAnswerReview(context.Background(), answer(false, false, "vocab:1"), "tok"))
	assert.Empty(t, f.reviews.applied)
}

func TestOnAnswerReview_ConflictIsReturnedForRetry(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.reviews.err = shared.Conflict("review", "Update", "l1/vocab:1")
	err := f.pipelines.onAnswerReview(context.Background(), answer(true, true, "vocab:1"), "tok")
	assert.True(t, shared.IsConflict(err))
}

func TestOnAnswerAnalytics(t *testing.T) {
	f := newFixture(DefaultConfig())
	require.NoError(t, f.pipelines.onAnswerAnalytics(context.Background(), answer(true, true), "tok"))
	assert.Equal(t, []string{"q1"}, f.progress.questions)
}

func rankEvent(prev, cur int) shared.RankChangedEvent {
	return shared.RankChangedEvent{
		BaseEvent:    shared.NewBaseEvent(shared.EventRankChanged, "rank-1", "l1", t0),
		Board:        "global",
		PreviousRank: prev,
		CurrentRank:  cur,
	}
}

func TestOnRankChanged(t *testing.T) {
	tests := []struct {
		name     string
		prev     int
		cur      int
		wantSent bool
		contains string
	}{
		{name: "entered top bracket", prev: 12, cur: 9, wantSent: true, contains: "entered the top 10"},
		{name: "left top bracket", prev: 10, cur: 11, wantSent: true, contains: "left the top 10"},
		{name: "large climb", prev: 60, cur: 40, wantSent: true, contains: "climbed 20 places"},
		{name: "large drop", prev: 40, cur: 60, wantSent: true, contains: "now #60"},
		{name: "small move", prev: 40, cur: 38},
		{name: "new to board", prev: 0, cur: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(DefaultConfig())
			require.NoError(t, f.pipelines.onRankChanged(context.Background(), rankEvent(tt.prev, tt.cur), "tok"))
			if !tt.wantSent {
				assert.Empty(t, f.notifier.sent)
				return
			}
			require.Len(t, f.notifier.sent, 1)
			assert.Contains(t, f.notifier.sent[0].Message, tt.contains)
			assert.Equal(t, "rank-1", f.notifier.sent[0].DedupeKey)
		})
	}
}

func sideEffect(kind shared.SideEffectKind, xp int64) shared.SideEffectEvent {
	return shared.SideEffectEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventSideEffectQueued, "effect-1", "l1", t0),
		Kind:      kind,
		SourceID:  "first-lesson",
		CourseID:  "c1",
		XP:        xp,
		Message:   "Achievement unlocked: First lesson",
	}
}

func TestOnSideEffect(t *testing.T) {
	ctx := context.Background()

	t.Run("xp bonus", func(t *testing.T) {
		f := newFixture(DefaultConfig())
		require.NoError(t, f.pipelines.onSideEffect(ctx, sideEffect(shared.SideEffectXPBonus, 50), "tok"))
		require.Len(t, f.progress.bonuses, 1)
		assert.Equal(t, bonus{"l1", 50, "tok", "achievement:first-lesson"}, f.progress.bonuses[0])
	})

	t.Run("zero bonus is skipped", func(t *testing.T) {
		f := newFixture(DefaultConfig())
		require.NoError(t, f.pipelines.onSideEffect(ctx, sideEffect(shared.SideEffectXPBonus, 0), "tok"))
		assert.Empty(t, f.progress.bonuses)
	})

	t.Run("notification", func(t *testing.T) {
		f := newFixture(DefaultConfig())
		require.NoError(t, f.pipelines.onSideEffect(ctx, sideEffect(shared.SideEffectNotification, 0), "tok"))
		require.Len(t, f.notifier.sent, 1)
		assert.Equal(t, "effect-1", f.notifier.sent[0].DedupeKey)
	})

	t.Run("certificate", func(t *testing.T) {
		f := newFixture(DefaultConfig())
		require.NoError(t, f.pipelines.onSideEffect(ctx, sideEffect(shared.SideEffectCertificate, 0), "tok"))
		assert.Equal(t, []string{"l1/c1/first-lesson"}, f.issuer.issued)
	})

	t.Run("unknown kind is dropped", func(t *testing.T) {
		f := newFixture(DefaultConfig())
		require.NoError(t, f.pipelines.onSideEffect(ctx, sideEffect("carrier_pigeon", 0), "tok"))
		assert.Empty(t, f.notifier.sent)
	})
}

func TestRegister_InstallsEveryPipeline(t *testing.T) {
	f := newFixture(Config{})
	d := messaging.NewDispatcher(messaging.DefaultDispatcherConfig())
	require.NoError(t, f.pipelines.Register(d))
	assert.Equal(t, DefaultConfig(), f.pipelines.cfg)
}

func TestEventAs_AcceptsPointers(t *testing.T) {
	ev := answer(true, true)
	got, ok := eventAs[shared.AnswerSubmittedEvent](&ev)
	require.True(t, ok)
	assert.Equal(t, "q1", got.QuestionID)

	_, ok = eventAs[shared.RankChangedEvent](ev)
	assert.False(t, ok)
}
