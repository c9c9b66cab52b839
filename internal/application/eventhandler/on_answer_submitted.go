package eventhandler

import (
	"context"
	"errors"
	"fmt"

	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON ANSWER SUBMITTED
// 1. Review: a graded answer that references reviewable items records a
//    review per item, quality derived from correctness.
// 2. Analytics: question analytics are recomputed from all graded responses.
// Ungraded answers skip the review step; the later grading event runs it.
// ═══════════════════════════════════════════════════════════════════════════

func (p *Pipelines) answerSubmittedSteps() []messaging.Step {
	return []messaging.Step{
		{Name: "review", Run: p.onAnswerReview},
		{Name: "question_analytics", Run: p.onAnswerAnalytics},
	}
}

func (p *Pipelines) onAnswerReview(ctx context.Context, ev shared.Event, token string) error {
	e, ok := eventAs[shared.AnswerSubmittedEvent](ev)
	if !ok || !e.Graded || len(e.ReviewItems) == 0 || p.reviews == nil {
		return nil
	}
	quality := p.cfg.IncorrectQuality
	if e.IsCorrect {
		quality = p.cfg.CorrectQuality
	}
	var errs []error
	for _, item := range e.ReviewItems {
		_, err := p.reviews.Handle(ctx, command.RecordReviewCommand{
			LearnerID: shared.LearnerID(e.AggregateID()),
			Item:      item,
			Quality:   quality,
			Token:     token + ":" + item.String(),
			At:        e.OccurredAt(),
		})
		if err != nil {
			// A conflict is retried by the dispatcher; the per-item token
			// keeps items already applied from moving twice.
			if shared.IsConflict(err) {
				return err
			}
			errs = append(errs, fmt.Errorf("review %s: %w", item, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipelines) onAnswerAnalytics(ctx context.Context, ev shared.Event, _ string) error {
	e, ok := eventAs[shared.AnswerSubmittedEvent](ev)
	if !ok || e.QuestionID == "" {
		return nil
	}
	return p.progress.RecomputeQuestionAnalytics(ctx, e.QuestionID)
}
