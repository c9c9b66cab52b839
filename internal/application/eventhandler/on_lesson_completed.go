package eventhandler

import (
	"context"

	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/application/saga"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON LESSON COMPLETED
// progress (required) → seed_reviews → achievements
// ═══════════════════════════════════════════════════════════════════════════

func (p *Pipelines) lessonCompletedSteps() []messaging.Step {
	return []messaging.Step{
		{Name: "progress", Run: p.onLessonProgress, Required: true},
		{Name: "seed_reviews", Run: p.onLessonSeedReviews},
		{Name: "achievements", Run: p.onAchievements},
	}
}

func (p *Pipelines) onLessonProgress(ctx context.Context, ev shared.Event, token string) error {
	e, ok := eventAs[shared.LessonCompletedEvent](ev)
	if !ok {
		return nil
	}
	_, err := p.progress.ApplyCompletion(ctx, command.ApplyCompletionCommand{
		LearnerID: shared.LearnerID(e.AggregateID()),
		Scope:     e.Scope,
		CourseID:  e.CourseID,
		XPDelta:   e.XP,
		Token:     token,
		Reason:    "completion:" + e.Scope.String(),
		At:        e.OccurredAt(),
	})
	return err
}

// onLessonSeedReviews schedules the lesson's reviewable items. Items carried
// on the event win over the content hierarchy.
func (p *Pipelines) onLessonSeedReviews(ctx context.Context, ev shared.Event, _ string) error {
	e, ok := eventAs[shared.LessonCompletedEvent](ev)
	if !ok || p.reviews == nil {
		return nil
	}
	items := e.ReviewItems
	if len(items) == 0 && p.hierarchy != nil && e.Scope.Kind == shared.ScopeLesson {
		var err error
		items, err = p.hierarchy.LessonItems(ctx, e.Scope.ID)
		if err != nil && !shared.IsNotFound(err) {
			return err
		}
	}
	if len(items) == 0 {
		return nil
	}
	n, err := p.reviews.SeedItems(ctx, shared.LearnerID(e.AggregateID()), items, e.OccurredAt())
	if n > 0 {
		p.log.Debug("review items seeded",
			logger.LearnerID(e.AggregateID()),
			logger.String("scope", e.Scope.String()),
			logger.Int("created", n),
		)
	}
	return err
}

// onAchievements evaluates achievements with the event as trigger.
func (p *Pipelines) onAchievements(ctx context.Context, ev shared.Event, _ string) error {
	if p.achievements == nil {
		return nil
	}
	_, err := p.achievements.Execute(ctx, saga.AchievementCheckInput{
		LearnerID:      shared.LearnerID(ev.AggregateID()),
		TriggerEventID: ev.EventID(),
	})
	return err
}

// ═══════════════════════════════════════════════════════════════════════════
// ON COURSE COMPLETED
// ═══════════════════════════════════════════════════════════════════════════

func (p *Pipelines) courseCompletedSteps() []messaging.Step {
	return []messaging.Step{
		{Name: "achievements", Run: p.onAchievements},
	}
}
